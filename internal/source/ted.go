package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/knoguchi/tendersense/internal/tender"
)

const (
	// TEDMaxLimit is the largest page size the search API accepts.
	TEDMaxLimit = 250
	tedTextMax  = 6000
)

var tedFields = []string{
	"publication-number",
	"notice-title",
	"buyer-name",
	"buyer-country",
	"classification-cpv",
}

var tedDeadlineLabels = regexp.MustCompile(`(?i)(deadline for submission|time limit for receipt of tenders|deadline for receipt of tenders)`)

// TEDConfig configures a TED search client.
type TEDConfig struct {
	APIURL string
	// Query is an expert-search expression.
	Query string
	Limit int
	// Scope is ACTIVE, LATEST or ALL.
	Scope string
	// Lang selects the language of detail pages and multilingual fields.
	Lang string
	// FetchHTML downloads each notice page for body text and a deadline.
	FetchHTML bool
	Throttle  time.Duration
	Client    *http.Client
	Pages     PageFetcher
	Logger    *slog.Logger
}

// TED queries the EU Tenders Electronic Daily search API.
type TED struct {
	cfg    TEDConfig
	logger *slog.Logger
}

// NewTED creates a TED source.
func NewTED(cfg TEDConfig) *TED {
	if cfg.Limit <= 0 || cfg.Limit > TEDMaxLimit {
		cfg.Limit = min(max(cfg.Limit, 50), TEDMaxLimit)
	}
	if cfg.Scope == "" {
		cfg.Scope = "ACTIVE"
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Pages == nil {
		cfg.Pages = &HTTPFetcher{Client: cfg.Client}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TED{cfg: cfg, logger: logger.With("component", "source.ted")}
}

// Name implements Source.
func (t *TED) Name() string { return "ted" }

type tedSearchRequest struct {
	Query            string   `json:"query"`
	Fields           []string `json:"fields"`
	Page             int      `json:"page"`
	Limit            int      `json:"limit"`
	Scope            string   `json:"scope"`
	CheckQuerySyntax bool     `json:"checkQuerySyntax"`
	PaginationMode   string   `json:"paginationMode"`
}

type tedSearchResponse struct {
	Total   int              `json:"totalNoticeCount"`
	Results []map[string]any `json:"notices"`
	Legacy  []map[string]any `json:"results"`
}

// Fetch runs the configured query and returns the first page of notices.
func (t *TED) Fetch(ctx context.Context) ([]tender.Notice, error) {
	body, err := json.Marshal(tedSearchRequest{
		Query:          t.cfg.Query,
		Fields:         tedFields,
		Page:           1,
		Limit:          t.cfg.Limit,
		Scope:          t.cfg.Scope,
		PaginationMode: "PAGE_NUMBER",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ted search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("ted search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out tedSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ted response: %w", err)
	}
	items := out.Results
	if len(items) == 0 {
		items = out.Legacy
	}

	notices := make([]tender.Notice, 0, len(items))
	for _, item := range items {
		n, ok := t.notice(item)
		if !ok {
			continue
		}
		if t.cfg.FetchHTML {
			t.enrichFromHTML(ctx, &n)
			if err := sleep(ctx, t.cfg.Throttle); err != nil {
				return nil, err
			}
		}
		notices = append(notices, n)
	}

	t.logger.Info("fetched ted notices", "returned", len(items), "kept", len(notices), "total", out.Total)
	return notices, nil
}

func (t *TED) notice(item map[string]any) (tender.Notice, bool) {
	pub := flatten(item["publication-number"], t.cfg.Lang)
	if pub == "" {
		return tender.Notice{}, false
	}
	n := tender.Notice{
		ID:      pub,
		Source:  t.Name(),
		Title:   flatten(item["notice-title"], t.cfg.Lang),
		Buyer:   flatten(item["buyer-name"], t.cfg.Lang),
		Country: countryCode(flatten(item["buyer-country"], t.cfg.Lang)),
		CPV:     normalizeCPV(item["classification-cpv"]),
		URL:     t.detailURL(pub),
	}
	if n.Title == "" {
		n.Title = pub
	}
	for k, v := range item {
		k = strings.ToLower(k)
		if strings.Contains(k, "deadline") || strings.Contains(k, "time-limit") {
			if ts, ok := parseLooseTime(flatten(v, t.cfg.Lang)); ok {
				n.Deadline = &ts
			}
			break
		}
	}
	return n, true
}

func (t *TED) detailURL(pub string) string {
	return fmt.Sprintf("https://ted.europa.eu/%s/notice/-/detail/%s", t.cfg.Lang, pub)
}

func (t *TED) htmlURL(pub string) string {
	return fmt.Sprintf("https://ted.europa.eu/%s/notice/%s/html", t.cfg.Lang, pub)
}

// enrichFromHTML fills body text and, when missing, the deadline. Failures
// are logged and leave the notice as returned by the API.
func (t *TED) enrichFromHTML(ctx context.Context, n *tender.Notice) {
	page, err := t.cfg.Pages.Get(ctx, t.htmlURL(n.ID))
	if err != nil {
		t.logger.Warn("could not fetch notice html", "notice", n.ID, "error", err)
		return
	}
	doc, err := parseHTML(page)
	if err != nil {
		t.logger.Warn("could not parse notice html", "notice", n.ID, "error", err)
		return
	}
	n.Text = truncateRunes(bodyText(doc), tedTextMax)
	if n.Deadline == nil {
		n.Deadline = tedDeadline(doc)
	}
}

// tedDeadline looks first for <time> elements in a deadline context, then for
// a deadline label followed by a value.
func tedDeadline(doc *html.Node) *time.Time {
	for _, el := range findAll(doc, atom.Time) {
		ctx := el.Parent
		if ctx == nil {
			ctx = el
		}
		if !deadlineHint.MatchString(text(ctx)) {
			continue
		}
		if ts, ok := timeValue(el); ok {
			return &ts
		}
	}
	return hintedDeadline(doc, tedDeadlineLabels,
		[]atom.Atom{atom.Span, atom.Div, atom.P, atom.Th, atom.Td, atom.Dt, atom.Label, atom.Strong, atom.B},
		[]atom.Atom{atom.Time, atom.Span, atom.Div, atom.P, atom.Td, atom.Dd})
}

// flatten reduces TED field values to a string. Multilingual objects prefer
// lang, then English, then the first language in key order; lists yield their
// first non-empty element.
func flatten(v any, lang string) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []any:
		for _, e := range x {
			if s := flatten(e, lang); s != "" {
				return s
			}
		}
		return ""
	case map[string]any:
		for _, k := range []string{lang, iso3Lang[lang], "eng", "en", "ENG", "EN"} {
			if e, ok := x[k]; ok && k != "" {
				if s := flatten(e, lang); s != "" {
					return s
				}
			}
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s := flatten(x[k], lang); s != "" {
				return s
			}
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// normalizeCPV accepts a code, an object with "code", or a list of either,
// and returns deduplicated codes in input order.
func normalizeCPV(v any) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	var visit func(any)
	visit = func(v any) {
		switch x := v.(type) {
		case nil:
		case string:
			add(x)
		case []any:
			for _, e := range x {
				visit(e)
			}
		case map[string]any:
			if code, ok := x["code"]; ok {
				visit(code)
			}
		default:
			add(fmt.Sprint(x))
		}
	}
	visit(v)
	return out
}

var iso3Lang = map[string]string{
	"en": "eng", "cs": "ces", "sk": "slk", "de": "deu", "pl": "pol", "hu": "hun", "fr": "fra",
}

var iso3Country = map[string]string{
	"AUT": "AT", "BEL": "BE", "BGR": "BG", "HRV": "HR", "CYP": "CY", "CZE": "CZ", "DNK": "DK",
	"EST": "EE", "FIN": "FI", "FRA": "FR", "DEU": "DE", "GRC": "GR", "HUN": "HU", "IRL": "IE",
	"ITA": "IT", "LVA": "LV", "LTU": "LT", "LUX": "LU", "MLT": "MT", "NLD": "NL", "POL": "PL",
	"PRT": "PT", "ROU": "RO", "SVK": "SK", "SVN": "SI", "ESP": "ES", "SWE": "SE", "NOR": "NO",
	"CHE": "CH", "ISL": "IS", "LIE": "LI", "GBR": "GB",
}

// countryCode maps ISO 3166 alpha-3 codes to alpha-2; unknown values are dropped.
func countryCode(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	switch len(c) {
	case 2:
		return c
	case 3:
		return iso3Country[c]
	}
	return ""
}

var _ Source = (*TED)(nil)
