package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/knoguchi/tendersense/internal/llm"
)

// scriptedLLM replays replies in order; an entry may be an error or a panic value.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []any
	prompts []string
}

func (s *scriptedLLM) Complete(ctx context.Context, messages []llm.Message, _ llm.CompleteOptions) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	i := len(s.prompts) - 1
	s.mu.Unlock()

	if i >= len(s.replies) {
		return "", errors.New("script exhausted")
	}
	switch r := s.replies[i].(type) {
	case string:
		return r, nil
	case error:
		return "", r
	case time.Duration:
		select {
		case <-time.After(r):
			return `{"deadline":null,"cpv":[],"requirements":[]}`, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	default:
		panic(r)
	}
}

const noticeText = "Supply of servers. CPV 30200000-1 and 48000000. Deadline 2025-08-17."

func TestExtractNoBackend(t *testing.T) {
	e := New(nil, Options{})
	ext, raw := e.Extract(context.Background(), "Requirement: CPV 72222300-0 and later also 72222300-0 and 48000000", "en")

	want := []string{"72222300-0", "48000000"}
	if strings.Join(ext.CPV, ",") != strings.Join(want, ",") {
		t.Errorf("CPV = %v, want %v", ext.CPV, want)
	}
	if ext.Deadline != nil || len(ext.Requirements) != 0 {
		t.Errorf("fallback should carry no deadline or requirements: %+v", ext)
	}
	if raw != `{"deadline":null,"cpv":["72222300-0","48000000"],"requirements":[]}` {
		t.Errorf("raw = %s", raw)
	}
	if e.HasBackend() {
		t.Error("HasBackend() = true for nil backend")
	}
}

func TestExtractFirstAttemptSuccess(t *testing.T) {
	backend := &scriptedLLM{replies: []any{
		"```json\n{\"deadline\":\"2025-08-17\",\"cpv\":[\" 30200000-1 \"],\"requirements\":[\"ISO 9001\",\"Three references\",\"24/7 support\"]}\n```",
	}}
	e := New(backend, Options{})

	out := e.Run(context.Background(), noticeText, "en")
	if out.State != StateSuccess || out.Attempts != 1 {
		t.Fatalf("state = %s after %d attempts", out.State, out.Attempts)
	}
	if out.Extraction.Deadline == nil || !out.Extraction.Deadline.Equal(time.Date(2025, 8, 17, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("deadline = %v", out.Extraction.Deadline)
	}
	if out.Extraction.CPV[0] != "30200000-1" {
		t.Errorf("CPV not trimmed: %q", out.Extraction.CPV[0])
	}
	if !strings.Contains(backend.prompts[0], noticeText) {
		t.Error("first prompt does not contain the notice text")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(out.Raw), &decoded); err != nil {
		t.Fatalf("raw is not JSON: %v", err)
	}
	if decoded["deadline"] != "2025-08-17T00:00:00Z" {
		t.Errorf("raw deadline = %v", decoded["deadline"])
	}
}

func TestExtractDeduplicatesCPV(t *testing.T) {
	backend := &scriptedLLM{replies: []any{
		`{"deadline":null,"cpv":["72222300-0"," 72222300-0 ","48000000"],"requirements":[]}`,
	}}
	out := New(backend, Options{}).Run(context.Background(), noticeText, "en")
	if out.State != StateSuccess {
		t.Fatalf("state = %s", out.State)
	}
	if got := strings.Join(out.Extraction.CPV, ","); got != "72222300-0,48000000" {
		t.Errorf("CPV = %s, want 72222300-0,48000000", got)
	}
	if !strings.Contains(out.Raw, `"cpv":["72222300-0","48000000"]`) {
		t.Errorf("raw = %s", out.Raw)
	}
}

func TestExtractRepairsInvalidOutput(t *testing.T) {
	backend := &scriptedLLM{replies: []any{
		`{"deadline":null,"cpv":["3020"],"requirements":["ok requirement"]}`,
		`{"deadline":null,"cpv":["30200000"],"requirements":["ok requirement"]}`,
	}}
	e := New(backend, Options{})

	out := e.Run(context.Background(), noticeText, "cs")
	if out.State != StateSuccess || out.Attempts != 2 {
		t.Fatalf("state = %s after %d attempts", out.State, out.Attempts)
	}
	repair := backend.prompts[1]
	if !strings.Contains(repair, `"3020"`) {
		t.Error("repair prompt lacks the previous raw output")
	}
	if !strings.Contains(repair, "cpv[0]") {
		t.Errorf("repair prompt lacks the validation error: %s", repair)
	}
	if !strings.Contains(backend.prompts[0], "Czech") {
		t.Error("first prompt does not name the notice language")
	}
}

func TestExtractFallbackAfterBudget(t *testing.T) {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_outcomes"}, []string{"state"})
	backend := &scriptedLLM{replies: []any{"not json", `{"cpv": "30200000"}`, `null`, "never asked"}}
	e := New(backend, Options{MaxRetries: 2, Outcomes: outcomes})

	out := e.Run(context.Background(), noticeText, "en")
	if out.State != StateFallback {
		t.Fatalf("state = %s, want fallback", out.State)
	}
	if len(backend.prompts) != 3 || out.Attempts != 3 {
		t.Errorf("backend called %d times (attempts %d), want 3", len(backend.prompts), out.Attempts)
	}
	if strings.Join(out.Extraction.CPV, ",") != "30200000-1,48000000" {
		t.Errorf("fallback CPV = %v", out.Extraction.CPV)
	}
	if out.LastError == "" {
		t.Error("LastError should describe the final failure")
	}
	if got := testutil.ToFloat64(outcomes.WithLabelValues("fallback")); got != 1 {
		t.Errorf("fallback counter = %v, want 1", got)
	}
}

func TestExtractDefaultRepairBudget(t *testing.T) {
	backend := &scriptedLLM{replies: []any{
		"not json",
		"still not json",
		`{"deadline":null,"cpv":["30200000-1"],"requirements":[]}`,
	}}
	out := New(backend, Options{}).Run(context.Background(), noticeText, "en")
	if out.State != StateSuccess || len(backend.prompts) != 1+DefaultMaxRetries {
		t.Errorf("state = %s after %d calls, want success after %d", out.State, len(backend.prompts), 1+DefaultMaxRetries)
	}
}

func TestExtractZeroRetries(t *testing.T) {
	backend := &scriptedLLM{replies: []any{"garbage", "unused"}}
	out := New(backend, Options{NoRepair: true}).Run(context.Background(), noticeText, "en")
	if out.State != StateFallback || len(backend.prompts) != 1 {
		t.Errorf("state = %s after %d calls, want fallback after 1", out.State, len(backend.prompts))
	}
}

func TestExtractBackendErrorsAndPanics(t *testing.T) {
	backend := &scriptedLLM{replies: []any{
		errors.New("connection refused"),
		struct{ msg string }{"boom"},
		`{"deadline":null,"cpv":[],"requirements":[]}`,
	}}

	out := New(backend, Options{}).Run(context.Background(), noticeText, "en")
	if out.State != StateSuccess || out.Attempts != 3 {
		t.Fatalf("state = %s after %d attempts, want success after 3", out.State, out.Attempts)
	}
	if !strings.Contains(backend.prompts[1], "backend error") {
		t.Errorf("repair prompt should carry the backend error: %s", backend.prompts[1])
	}
}

func TestExtractTimeoutCountsAsFailedAttempt(t *testing.T) {
	backend := &scriptedLLM{replies: []any{time.Second, `{"deadline":null,"cpv":["48000000"],"requirements":[]}`}}
	out := New(backend, Options{Timeout: 20 * time.Millisecond}).Run(context.Background(), noticeText, "en")
	if out.State != StateSuccess || out.Attempts != 2 {
		t.Fatalf("state = %s after %d attempts", out.State, out.Attempts)
	}
}

func TestExtractCancelledContextFallsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := &scriptedLLM{replies: []any{time.Second, time.Second, time.Second}}

	out := New(backend, Options{}).Run(ctx, noticeText, "en")
	if out.State != StateFallback || len(backend.prompts) != 1 {
		t.Errorf("state = %s after %d calls, want fallback after 1", out.State, len(backend.prompts))
	}
}

func TestExtractNeverFails(t *testing.T) {
	inputs := []string{"", "   ", strings.Repeat("x", 50000), "\x00\xff", noticeText}
	replies := []any{"", "{", `{"requirements":["a"]}`, errors.New("x"), 12}

	for _, in := range inputs {
		backend := &scriptedLLM{replies: replies}
		ext, raw := New(backend, Options{MaxRetries: 4}).Extract(context.Background(), in, "")
		if raw == "" {
			t.Errorf("empty raw for input %q", in)
		}
		if ext.CPV == nil || ext.Requirements == nil {
			t.Errorf("nil slices in %+v", ext)
		}
	}
}

func TestFirstPromptTruncatesText(t *testing.T) {
	long := strings.Repeat("a", DefaultMaxChars) + "TAIL"
	p := buildPrompt(long, "en", DefaultMaxChars)
	if strings.Contains(p, "TAIL") {
		t.Error("prompt should truncate text to the character budget")
	}
	if !strings.Contains(p, "English") {
		t.Error("prompt should name the language")
	}
}

func TestParseValidation(t *testing.T) {
	v := New(nil, Options{}).validate
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"valid", `{"deadline":"2025-08-17T16:00:00+02:00","cpv":["72222300-0"],"requirements":["abc"]}`, ""},
		{"short requirement", `{"deadline":null,"cpv":[],"requirements":["ab"]}`, "requirements[0]"},
		{"long requirement", `{"deadline":null,"cpv":[],"requirements":["` + strings.Repeat("x", 401) + `"]}`, "between 3 and 400"},
		{"bad cpv", `{"deadline":null,"cpv":["72222300-12"],"requirements":[]}`, "cpv[0]"},
		{"bad deadline", `{"deadline":"next week","cpv":[],"requirements":[]}`, "deadline"},
		{"not an object", `[1,2]`, "expected a JSON object"},
		{"null", `null`, "null"},
		{"wrong type", `{"cpv":"48000000"}`, "schema violation"},
		{"broken", `{"cpv":`, "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(v, tt.raw)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("parse() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
