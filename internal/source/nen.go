package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/knoguchi/tendersense/internal/tender"
)

const nenSubjectMax = 8000

var (
	nenDetailPath = regexp.MustCompile(`/(?:[a-z]{2}/)?verejne-zakazky/detail-zakazky/([A-Z0-9\-]+)`)
	nenCPV        = regexp.MustCompile(`\b\d{8}-\d\b`)
	nenBuyer      = []string{"Zadavatel", "Contracting authority"}
	nenSubject    = []string{"popis předmětu", "předmět zakázky", "subject-matter"}
)

// NENConfig configures the Czech national procurement portal scraper.
type NENConfig struct {
	BaseURL  string
	ListPath string
	Limit    int
	Throttle time.Duration
	Pages    PageFetcher
	Logger   *slog.Logger
}

// NEN scrapes the newest notices from the NEN listing and their detail pages.
type NEN struct {
	cfg    NENConfig
	logger *slog.Logger
}

// NewNEN creates a NEN source. Pages defaults to a plain HTTP fetcher.
func NewNEN(cfg NENConfig) *NEN {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ListPath == "" {
		cfg.ListPath = "/verejne-zakazky"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 30
	}
	if cfg.Pages == nil {
		cfg.Pages = NewHTTPFetcher(30 * time.Second)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NEN{cfg: cfg, logger: logger.With("component", "source.nen")}
}

// Name implements Source.
func (s *NEN) Name() string { return "nen" }

// Fetch reads the listing and parses up to Limit detail pages. A detail page
// that fails is logged and skipped.
func (s *NEN) Fetch(ctx context.Context) ([]tender.Notice, error) {
	listing, err := s.cfg.Pages.Get(ctx, s.absURL(s.cfg.ListPath))
	if err != nil {
		return nil, fmt.Errorf("nen listing: %w", err)
	}
	links, err := s.detailLinks(listing, s.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("nen listing: %w", err)
	}

	notices := make([]tender.Notice, 0, len(links))
	for i, link := range links {
		if i > 0 {
			if err := sleep(ctx, s.cfg.Throttle); err != nil {
				return nil, err
			}
		}
		page, err := s.cfg.Pages.Get(ctx, link)
		if err != nil {
			s.logger.Warn("nen detail fetch failed", "url", link, "error", err)
			continue
		}
		n, err := ParseNENDetail(link, page)
		if err != nil {
			s.logger.Warn("nen detail parse failed", "url", link, "error", err)
			continue
		}
		notices = append(notices, n)
	}

	s.logger.Info("fetched nen notices", "links", len(links), "kept", len(notices))
	return notices, nil
}

// detailLinks returns unique absolute detail URLs in listing order.
func (s *NEN) detailLinks(listing string, limit int) ([]string, error) {
	doc, err := parseHTML(listing)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var links []string
	for _, a := range findAll(doc, atom.A) {
		href := attr(a, "href")
		if !nenDetailPath.MatchString(href) {
			continue
		}
		u := s.absURL(href)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		links = append(links, u)
		if len(links) == limit {
			break
		}
	}
	return links, nil
}

func (s *NEN) absURL(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return s.cfg.BaseURL + ref
}

// ParseNENDetail extracts a notice from a NEN detail page.
func ParseNENDetail(pageURL, page string) (tender.Notice, error) {
	doc, err := parseHTML(page)
	if err != nil {
		return tender.Notice{}, err
	}

	id := pageURL[strings.LastIndex(pageURL, "/")+1:]
	if m := nenDetailPath.FindStringSubmatch(pageURL); m != nil {
		id = m[1]
	}

	n := tender.Notice{
		ID:       id,
		Source:   "nen",
		Title:    pageTitle(doc),
		Buyer:    labelledValue(doc, nenBuyer...),
		Country:  "CZ",
		Language: "cs",
		URL:      pageURL,
		Deadline: nenDeadline(doc),
		Text:     subjectText(doc),
	}
	if n.Title == "" {
		n.Title = id
	}
	codes := nenCPV.FindAllString(text(doc), -1)
	if len(codes) > 0 {
		sort.Strings(codes)
		n.CPV = compactSorted(codes)
	}
	return n, nil
}

// nenDeadline tries <time> elements, then labelled values, then the first
// Czech date anywhere on the page.
func nenDeadline(doc *html.Node) *time.Time {
	for _, el := range findAll(doc, atom.Time) {
		if ts, ok := timeValue(el); ok {
			return &ts
		}
	}
	if ts := hintedDeadline(doc, deadlineHint,
		[]atom.Atom{atom.Div, atom.P, atom.Li, atom.Dt, atom.Th, atom.Td, atom.Span},
		[]atom.Atom{atom.Time, atom.Span, atom.Td, atom.Dd, atom.Div}); ts != nil {
		return ts
	}
	if m := czDateTime.FindString(text(doc)); m != "" {
		if ts, ok := parseLooseTime(m); ok {
			return &ts
		}
	}
	return nil
}

// subjectText returns the section under a subject heading, else the first
// long paragraph.
func subjectText(doc *html.Node) string {
	for _, h := range findAll(doc, atom.H2, atom.H3, atom.H4) {
		label := strings.ToLower(text(h))
		if !containsAny(label, nenSubject) {
			continue
		}
		var parts []string
		for s := nextElementSibling(h); s != nil && !hasTag(s, atom.H2, atom.H3, atom.H4); s = nextElementSibling(s) {
			if t := text(s); t != "" {
				parts = append(parts, t)
			}
		}
		if body := strings.TrimSpace(strings.Join(parts, " ")); body != "" {
			return truncateRunes(body, nenSubjectMax)
		}
	}
	for _, p := range findAll(doc, atom.P) {
		if t := text(p); len([]rune(t)) > 120 {
			return truncateRunes(t, nenSubjectMax)
		}
	}
	return ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func compactSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

var _ Source = (*NEN)(nil)
