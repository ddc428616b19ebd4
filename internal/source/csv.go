package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knoguchi/tendersense/internal/tender"
)

// csvColumns maps accepted header names to notice fields.
var csvColumns = map[string]string{
	"id":          "id",
	"title":       "title",
	"description": "text",
	"text":        "text",
	"url":         "url",
	"deadline":    "deadline",
	"buyer":       "buyer",
	"country":     "country",
	"cpv":         "cpv",
	"language":    "language",
}

// CSV loads notices from a file with a header row. The id and title
// columns are required; cpv cells hold codes separated by ';', ',' or spaces.
type CSV struct {
	Path string
}

// Name implements Source.
func (c *CSV) Name() string { return "csv" }

// Fetch reads the file.
func (c *CSV) Fetch(ctx context.Context) ([]tender.Notice, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", c.Path, err)
	}
	defer f.Close()
	return ReadCSV(ctx, f)
}

// ReadCSV parses notices from r. Rows with an unparseable deadline keep the
// notice and drop the deadline.
func ReadCSV(ctx context.Context, r io.Reader) ([]tender.Notice, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []tender.Notice{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	index := make(map[string]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := csvColumns[h]; ok {
			if _, dup := index[field]; !dup {
				index[field] = i
			}
		}
	}
	for _, required := range []string{"id", "title"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var notices []tender.Notice
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(field string) string {
			i, ok := index[field]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		n := tender.Notice{
			ID:       get("id"),
			Source:   "csv",
			Title:    get("title"),
			Text:     get("text"),
			URL:      get("url"),
			Buyer:    get("buyer"),
			Country:  get("country"),
			Language: get("language"),
		}
		if raw := get("cpv"); raw != "" {
			n.CPV = strings.FieldsFunc(raw, func(r rune) bool {
				return r == ';' || r == ',' || r == ' ' || r == '|'
			})
		}
		if raw := get("deadline"); raw != "" {
			if ts, err := tender.ParseTime(raw); err == nil {
				n.Deadline = &ts
			}
		}
		notices = append(notices, n)
	}
	if notices == nil {
		notices = []tender.Notice{}
	}
	return notices, nil
}

var _ Source = (*CSV)(nil)
