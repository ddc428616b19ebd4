package alert

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/knoguchi/tendersense/internal/tender"
)

var digestTemplate = template.Must(template.New("digest").Funcs(template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": func(s []string) string { return strings.Join(s, ", ") },
	"date": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04 UTC")
	},
}).Parse(`<html><body>
<h3>{{.Title}}</h3>
<p>Query: <code>{{.Query}}</code></p>
<table border="1" cellpadding="6" cellspacing="0">
<tr><th>#</th><th>Title</th><th>Buyer</th><th>CPV</th><th>Country</th><th>Deadline</th></tr>
{{range $i, $h := .Items}}<tr><td>{{inc $i}}</td><td>{{if $h.URL}}<a href="{{$h.URL}}">{{$h.Title}}</a>{{else}}{{$h.Title}}{{end}}</td><td>{{$h.Buyer}}</td><td>{{join $h.CPV}}</td><td>{{$h.Country}}</td><td>{{date $h.Deadline}}</td></tr>
{{end}}</table>
</body></html>
`))

// Subject returns the profile's subject override or a default with the item count.
func Subject(p tender.AlertProfile, n int) string {
	if p.Subject != "" {
		return p.Subject
	}
	return fmt.Sprintf("[tendersense] %s: %d new tenders", p.Name, n)
}

// RenderDigest renders the HTML table mailed for new items.
func RenderDigest(p tender.AlertProfile, items []tender.Hit) (string, error) {
	var buf bytes.Buffer
	err := digestTemplate.Execute(&buf, struct {
		Title string
		Query string
		Items []tender.Hit
	}{
		Title: fmt.Sprintf("%d new tenders for %s", len(items), p.Name),
		Query: p.Query,
		Items: items,
	})
	if err != nil {
		return "", fmt.Errorf("rendering digest: %w", err)
	}
	return buf.String(), nil
}
