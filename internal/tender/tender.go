// Package tender holds the domain types shared by the ranking, extraction and
// alerting pipelines: search hits, structured extractions, source notices and
// alert profiles with their persisted state.
package tender

import (
	"strings"
	"time"
	"unicode/utf8"
)

// SnippetLength bounds the text excerpt carried on a Hit.
const SnippetLength = 300

// ScoreSource selects which score a Hit reports to callers.
type ScoreSource string

const (
	// ScoreRerank reports the pairwise score when present, else the vector score.
	ScoreRerank ScoreSource = "rerank"
	// ScoreVector always reports the recall similarity.
	ScoreVector ScoreSource = "vector"
)

// Hit is a single retrieved notice. Score comes from the vector index and
// RerankScore from the cross scorer; the two live on different scales and are
// never compared with each other.
type Hit struct {
	ID          string     `json:"id"`
	Score       float64    `json:"score"`
	RerankScore *float64   `json:"rerank_score,omitempty"`
	Title       string     `json:"title,omitempty"`
	Snippet     string     `json:"snippet,omitempty"`
	URL         string     `json:"url,omitempty"`
	Country     string     `json:"country,omitempty"`
	CPV         []string   `json:"cpv,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Buyer       string     `json:"buyer,omitempty"`
}

// ReportedScore returns the score exposed to callers for the given source.
func (h Hit) ReportedScore(source ScoreSource) float64 {
	if source != ScoreVector && h.RerankScore != nil {
		return *h.RerankScore
	}
	return h.Score
}

// PairText is the document side of a (query, document) rerank pair.
func (h Hit) PairText() string {
	if h.Snippet != "" {
		return h.Snippet
	}
	return h.Title
}

// Snippet cuts text to SnippetLength runes, marking truncation with "...".
func Snippet(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= SnippetLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:SnippetLength])) + "..."
}

// Extraction is the validated structured output of the extractor.
type Extraction struct {
	Deadline     *time.Time `json:"deadline"`
	CPV          []string   `json:"cpv"`
	Requirements []string   `json:"requirements"`
}

// Notice is a raw tender document as delivered by a source.
type Notice struct {
	ID       string     `json:"id" validate:"required,max=200"`
	Source   string     `json:"source,omitempty"`
	Title    string     `json:"title" validate:"required"`
	Buyer    string     `json:"buyer,omitempty"`
	Country  string     `json:"country,omitempty" validate:"omitempty,len=2,alpha"`
	CPV      []string   `json:"cpv,omitempty" validate:"dive,cpv"`
	Deadline *time.Time `json:"deadline,omitempty"`
	URL      string     `json:"url,omitempty" validate:"omitempty,url"`
	Text     string     `json:"text,omitempty"`
	Language string     `json:"language,omitempty" validate:"omitempty,len=2"`
}

// PromptLanguage picks the language for extraction prompts: the notice's own
// language, else one implied by the country, else English.
func (n Notice) PromptLanguage() string {
	if n.Language != "" {
		return strings.ToLower(n.Language)
	}
	switch strings.ToUpper(n.Country) {
	case "CZ":
		return "cs"
	case "SK":
		return "sk"
	}
	return "en"
}

// AlertProfile is a saved search with attribute filters and delivery settings.
type AlertProfile struct {
	Name        string   `json:"name" yaml:"-"`
	Query       string   `json:"query" yaml:"query"`
	Countries   []string `json:"countries,omitempty" yaml:"countries"`
	CPVPrefixes []string `json:"cpv_prefixes,omitempty" yaml:"cpv_prefixes"`
	MaxResults  int      `json:"max_results" yaml:"max_results"`
	Recipients  []string `json:"email_to,omitempty" yaml:"email_to"`
	Subject     string   `json:"subject,omitempty" yaml:"subject"`
}

// DefaultMaxResults applies when a profile does not set max_results.
const DefaultMaxResults = 20

// Limit returns MaxResults or DefaultMaxResults when unset.
func (p AlertProfile) Limit() int {
	if p.MaxResults > 0 {
		return p.MaxResults
	}
	return DefaultMaxResults
}

// AlertState is the persisted novelty state of one profile.
type AlertState struct {
	SeenIDs []string   `json:"seen_ids"`
	LastRun *time.Time `json:"last_run_utc"`
}
