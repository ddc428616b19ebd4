package tender

import (
	"fmt"
	"strings"
	"time"
)

// Payload keys stored alongside each indexed notice.
const (
	KeyID           = "id"
	KeySource       = "source"
	KeyTitle        = "title"
	KeyBuyer        = "buyer"
	KeyCountry      = "country"
	KeyCPV          = "cpv"
	KeyDeadline     = "deadline"
	KeyURL          = "url"
	KeyText         = "text"
	KeyLanguage     = "language"
	KeyRequirements = "requirements"
	KeyContentHash  = "content_hash"
)

// NoticePayload renders the index payload for an enriched notice.
func NoticePayload(n Notice, requirements []string, contentHash string) map[string]any {
	p := map[string]any{
		KeyID:           n.ID,
		KeyTitle:        n.Title,
		KeyText:         n.Text,
		KeyLanguage:     n.PromptLanguage(),
		KeyContentHash:  contentHash,
		KeyCPV:          nonNil(n.CPV),
		KeyRequirements: nonNil(requirements),
	}
	if n.Source != "" {
		p[KeySource] = n.Source
	}
	if n.Buyer != "" {
		p[KeyBuyer] = n.Buyer
	}
	if n.Country != "" {
		p[KeyCountry] = strings.ToUpper(n.Country)
	}
	if n.URL != "" {
		p[KeyURL] = n.URL
	}
	if n.Deadline != nil {
		p[KeyDeadline] = n.Deadline.UTC().Format(time.RFC3339)
	}
	return p
}

// HitFromPayload builds a Hit from a search result. The notice id stored in
// the payload wins over the index point id.
func HitFromPayload(pointID string, score float64, p map[string]any) Hit {
	h := Hit{
		ID:      stringField(p, KeyID),
		Score:   score,
		Title:   stringField(p, KeyTitle),
		Snippet: Snippet(stringField(p, KeyText)),
		URL:     stringField(p, KeyURL),
		Country: stringField(p, KeyCountry),
		Buyer:   stringField(p, KeyBuyer),
		CPV:     stringList(p, KeyCPV),
	}
	if h.ID == "" {
		h.ID = pointID
	}
	if d := stringField(p, KeyDeadline); d != "" {
		if t, err := ParseTime(d); err == nil {
			h.Deadline = &t
		}
	}
	return h
}

func stringField(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func stringList(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
