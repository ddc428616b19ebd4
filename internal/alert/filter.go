// Package alert decides which ranked notices are new for a saved search
// profile and keeps the per-profile novelty state.
package alert

import (
	"sort"
	"strings"
	"time"

	"github.com/knoguchi/tendersense/internal/tender"
)

// Filter keeps hits matching the allowlists, preserving order. An empty
// allowlist passes everything. Countries compare case-insensitively; a hit
// passes the CPV filter when any of its codes starts with any prefix.
func Filter(hits []tender.Hit, countries, cpvPrefixes []string) []tender.Hit {
	allowed := make(map[string]struct{}, len(countries))
	for _, c := range countries {
		if c = strings.TrimSpace(c); c != "" {
			allowed[strings.ToUpper(c)] = struct{}{}
		}
	}
	prefixes := make([]string, 0, len(cpvPrefixes))
	for _, p := range cpvPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	out := make([]tender.Hit, 0, len(hits))
	for _, h := range hits {
		if len(allowed) > 0 {
			if _, ok := allowed[strings.ToUpper(strings.TrimSpace(h.Country))]; !ok {
				continue
			}
		}
		if len(prefixes) > 0 && !matchesPrefix(h.CPV, prefixes) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func matchesPrefix(codes, prefixes []string) bool {
	for _, code := range codes {
		for _, p := range prefixes {
			if strings.HasPrefix(code, p) {
				return true
			}
		}
	}
	return false
}

// Novel returns the hits whose ID is not in seenIDs, preserving order.
func Novel(hits []tender.Hit, seenIDs []string) []tender.Hit {
	seen := make(map[string]struct{}, len(seenIDs))
	for _, id := range seenIDs {
		seen[id] = struct{}{}
	}
	out := make([]tender.Hit, 0, len(hits))
	for _, h := range hits {
		if _, ok := seen[h.ID]; !ok {
			out = append(out, h)
		}
	}
	return out
}

// ComputeNovel applies Filter then Novel.
func ComputeNovel(hits []tender.Hit, countries, cpvPrefixes, seenIDs []string) []tender.Hit {
	return Novel(Filter(hits, countries, cpvPrefixes), seenIDs)
}

// Merge returns the state after reporting items at now: the seen set is the
// sorted union of the old set and the reported IDs.
func Merge(state tender.AlertState, reported []tender.Hit, now time.Time) tender.AlertState {
	set := make(map[string]struct{}, len(state.SeenIDs)+len(reported))
	for _, id := range state.SeenIDs {
		set[id] = struct{}{}
	}
	for _, h := range reported {
		set[h.ID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ts := now.UTC()
	return tender.AlertState{SeenIDs: ids, LastRun: &ts}
}
