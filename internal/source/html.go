package source

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/knoguchi/tendersense/internal/tender"
)

var (
	spaceRun     = regexp.MustCompile(`\s+`)
	czDateTime   = regexp.MustCompile(`(\d{1,2}\.\s*\d{1,2}\.\s*\d{4})(?:\s*[,\s]\s*(\d{1,2}:\d{2}))?`)
	deadlineHint = regexp.MustCompile(`(?i)(lhůta|lhuta|term[ií]n|deadline|time\s*limit|receipt\s*of\s*tenders)`)
)

// skipped holds elements whose text is never indexed.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
}

// chrome holds page furniture dropped from body text.
var chrome = map[atom.Atom]bool{
	atom.Header: true,
	atom.Nav:    true,
	atom.Footer: true,
}

func parseHTML(page string) (*html.Node, error) {
	return html.Parse(strings.NewReader(page))
}

// elements returns all element nodes under n in document order.
func elements(n *html.Node) []*html.Node {
	var out []*html.Node
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return out
}

func findAll(n *html.Node, tags ...atom.Atom) []*html.Node {
	var out []*html.Node
	for _, el := range elements(n) {
		if hasTag(el, tags...) {
			out = append(out, el)
		}
	}
	return out
}

func findFirst(n *html.Node, tag atom.Atom) *html.Node {
	if all := findAll(n, tag); len(all) > 0 {
		return all[0]
	}
	return nil
}

func hasTag(n *html.Node, tags ...atom.Atom) bool {
	for _, t := range tags {
		if n.DataAtom == t {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// text returns the whitespace-collapsed text under n.
func text(n *html.Node) string {
	return collapse(rawText(n, nil))
}

// bodyText is text without page chrome.
func bodyText(n *html.Node) string {
	return collapse(rawText(n, chrome))
}

func rawText(n *html.Node, drop map[atom.Atom]bool) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && (skipped[n.DataAtom] || drop[n.DataAtom]) {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

func nextElementSibling(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// pageTitle returns the first <h1>, else <title>.
func pageTitle(doc *html.Node) string {
	if h1 := findFirst(doc, atom.H1); h1 != nil {
		if t := text(h1); t != "" {
			return t
		}
	}
	if t := findFirst(doc, atom.Title); t != nil {
		return text(t)
	}
	return ""
}

// labelledValue finds a definition or table row whose label contains one of
// labels (case-insensitive) and returns its value.
func labelledValue(doc *html.Node, labels ...string) string {
	matches := func(key string) bool {
		key = strings.ToLower(key)
		for _, l := range labels {
			if strings.Contains(key, strings.ToLower(l)) {
				return true
			}
		}
		return false
	}

	for _, dt := range findAll(doc, atom.Dt) {
		if !matches(text(dt)) {
			continue
		}
		for s := nextElementSibling(dt); s != nil; s = nextElementSibling(s) {
			if s.DataAtom == atom.Dd {
				return text(s)
			}
		}
	}
	for _, tr := range findAll(doc, atom.Tr) {
		th, td := findFirst(tr, atom.Th), findFirst(tr, atom.Td)
		if th != nil && td != nil && matches(text(th)) {
			return text(td)
		}
	}
	return ""
}

// parseLooseTime accepts ISO timestamps and Czech "d. m. yyyy[, hh:mm]" forms
// embedded in longer text.
func parseLooseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := tender.ParseTime(s); err == nil {
		return t, true
	}
	m := czDateTime.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	value := strings.ReplaceAll(m[1], " ", "")
	if m[2] != "" {
		value += " " + m[2]
	}
	t, err := tender.ParseTime(value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// timeValue reads a <time> or other element as a timestamp.
func timeValue(n *html.Node) (time.Time, bool) {
	if dt := attr(n, "datetime"); dt != "" {
		if t, ok := parseLooseTime(dt); ok {
			return t, true
		}
	}
	return parseLooseTime(text(n))
}

// hintedDeadline looks for an element whose text matches hint and returns
// the first parseable value among the next few candidate elements.
func hintedDeadline(doc *html.Node, hint *regexp.Regexp, labels []atom.Atom, candidates []atom.Atom) *time.Time {
	all := elements(doc)
	for i, el := range all {
		if !hasTag(el, labels...) || !hint.MatchString(ownText(el)) {
			continue
		}
		seen := 0
		for _, next := range all[i+1:] {
			if !hasTag(next, candidates...) {
				continue
			}
			if t, ok := timeValue(next); ok {
				return &t
			}
			if seen++; seen >= 6 {
				break
			}
		}
	}
	return nil
}

// ownText is the text of n's direct text children, so a container does not
// match a label that belongs to one of its descendants.
func ownText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
	}
	return collapse(sb.String())
}
