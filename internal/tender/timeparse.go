package tender

import (
	"fmt"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2.1.2006 15:04",
	"2. 1. 2006 15:04",
	"2.1.2006",
	"2. 1. 2006",
	"02/01/2006 15:04",
	"02/01/2006",
}

// ParseTime accepts ISO-8601 timestamps and the Central European date forms
// used on notice pages. Values without a zone are taken as UTC; date-only
// values resolve to midnight UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "Z"
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
