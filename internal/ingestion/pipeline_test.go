package ingestion

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/knoguchi/tendersense/internal/extract"
	"github.com/knoguchi/tendersense/internal/tender"
)

type fakeExtractor struct {
	mu    sync.Mutex
	calls map[string]string
	out   extract.Outcome
}

func (f *fakeExtractor) Run(_ context.Context, text, lang string) extract.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]string)
	}
	f.calls[strings.SplitN(text, "\n", 2)[0]] = lang
	return f.out
}

func newTestPipeline(t *testing.T, ex Extractor) *Pipeline {
	t.Helper()
	p, err := NewPipeline(ex, WithPoolSize(2))
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	t.Cleanup(p.Release)
	return p
}

func TestProcessRejectsInvalid(t *testing.T) {
	p := newTestPipeline(t, nil)

	notices := []tender.Notice{
		{ID: "ok-1", Title: "Servers", Country: "cz"},
		{ID: "", Title: "Missing id"},
		{ID: "bad-cpv", Title: "Bad", CPV: []string{"123"}},
		{ID: "ok-1", Title: "Duplicate"},
		{ID: "bad-country", Title: "Bad", Country: "CZE"},
	}

	res, err := p.Process(context.Background(), notices, nil)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("accepted %d documents, want 1", len(res.Documents))
	}
	if got := res.Documents[0].Notice.Country; got != "CZ" {
		t.Errorf("country = %q, want CZ", got)
	}
	if len(res.Rejected) != 4 {
		t.Fatalf("rejected %d, want 4: %+v", len(res.Rejected), res.Rejected)
	}
	if res.Rejected[2].Reason != "duplicate id in batch" {
		t.Errorf("duplicate reason = %q", res.Rejected[2].Reason)
	}
	if !strings.Contains(res.Rejected[1].Reason, "cpv") {
		t.Errorf("cpv reason = %q", res.Rejected[1].Reason)
	}
	if res.Stats.Received != 5 || res.Stats.Accepted != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestProcessSkipsUnchanged(t *testing.T) {
	p := newTestPipeline(t, nil)

	n := tender.Notice{ID: "n1", Title: "Servers", Text: "Supply of servers"}
	known := map[string]string{"n1": ContentHash(Normalize(n))}

	res, err := p.Process(context.Background(), []tender.Notice{n, {ID: "n2", Title: "Laptops"}}, known)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(res.Unchanged) != 1 || res.Unchanged[0] != "n1" {
		t.Errorf("Unchanged = %v, want [n1]", res.Unchanged)
	}
	if len(res.Documents) != 1 || res.Documents[0].Notice.ID != "n2" {
		t.Errorf("Documents = %+v, want only n2", res.Documents)
	}
}

func TestProcessEnrichesAndBackfills(t *testing.T) {
	deadline := time.Date(2025, 8, 17, 16, 0, 0, 0, time.UTC)
	ex := &fakeExtractor{out: extract.Outcome{
		State: extract.StateSuccess,
		Extraction: tender.Extraction{
			Deadline:     &deadline,
			CPV:          []string{"30200000-1"},
			Requirements: []string{"ISO 27001", "24/7 support"},
		},
	}}
	p := newTestPipeline(t, ex)

	sourceDeadline := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	notices := []tender.Notice{
		{ID: "a", Title: "Servers", Text: "Rack servers", Country: "CZ"},
		{ID: "b", Title: "Laptops", Text: "Notebooks", Country: "AT", CPV: []string{"30213100"}, Deadline: &sourceDeadline},
	}

	res, err := p.Process(context.Background(), notices, nil)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.Stats.Extracted != 2 || res.Stats.Backfilled != 1 {
		t.Errorf("stats = %+v, want 2 extracted, 1 backfilled", res.Stats)
	}

	a, b := res.Documents[0], res.Documents[1]
	if a.Notice.Deadline == nil || !a.Notice.Deadline.Equal(deadline) {
		t.Errorf("a deadline = %v, want backfilled %v", a.Notice.Deadline, deadline)
	}
	if strings.Join(a.Notice.CPV, ",") != "30200000-1" {
		t.Errorf("a CPV = %v", a.Notice.CPV)
	}
	if !b.Notice.Deadline.Equal(sourceDeadline) || b.Notice.CPV[0] != "30213100" {
		t.Errorf("b source fields overwritten: %+v", b.Notice)
	}

	wantText := "Servers\n\nRack servers\n\nRequirements:\n- ISO 27001\n- 24/7 support"
	if a.Text != wantText {
		t.Errorf("Text = %q, want %q", a.Text, wantText)
	}
	if a.Payload[tender.KeyID] != "a" || a.Payload[tender.KeyContentHash] != a.ContentHash {
		t.Errorf("payload = %v", a.Payload)
	}
	if ex.calls["Servers"] != "cs" || ex.calls["Laptops"] != "en" {
		t.Errorf("prompt languages = %v", ex.calls)
	}
}

func TestPointIDStable(t *testing.T) {
	if PointID("n1") != PointID("n1") {
		t.Error("PointID not deterministic")
	}
	if PointID("n1") == PointID("n2") {
		t.Error("PointID collides")
	}
	if len(PointID("n1")) != 36 {
		t.Errorf("PointID() = %q, want a UUID", PointID("n1"))
	}
}

func TestContentHashChanges(t *testing.T) {
	n := tender.Notice{ID: "n1", Title: "Servers", Text: "a"}
	m := n
	m.Text = "b"
	if ContentHash(n) == ContentHash(m) {
		t.Error("ContentHash ignores text")
	}
}
