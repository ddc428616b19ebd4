package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/knoguchi/tendersense/internal/llm"
)

func TestHTTPScorerMapsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.Query != "cloud" || len(req.Texts) != 3 {
			t.Errorf("unexpected request %+v", req)
		}
		// Services return results sorted by score, not by input order.
		_, _ = w.Write([]byte(`[{"index":2,"score":0.9},{"index":0,"score":0.5},{"index":1,"score":0.1}]`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL+"/", "", nil)
	scores, err := s.Score(context.Background(), "cloud", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	want := []float64{0.5, 0.1, 0.9}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores[%d] = %v, want %v", i, scores[i], want[i])
		}
	}
}

func TestHTTPScorerRejectsShortResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"index":0,"score":0.9}]`))
	}))
	defer srv.Close()

	_, err := NewHTTPScorer(srv.URL, "", nil).Score(context.Background(), "q", []string{"a", "b"})
	if !errors.Is(err, ErrScoreMismatch) {
		t.Fatalf("expected ErrScoreMismatch, got %v", err)
	}
}

func TestHTTPScorerEmptyDocs(t *testing.T) {
	s := NewHTTPScorer("http://127.0.0.1:1", "", nil)
	scores, err := s.Score(context.Background(), "q", nil)
	if err != nil || len(scores) != 0 {
		t.Fatalf("Score(nil) = %v, %v; want empty, nil", scores, err)
	}
}

type stubLLM struct {
	reply string
	err   error
	last  []llm.Message
}

func (s *stubLLM) Complete(_ context.Context, messages []llm.Message, _ llm.CompleteOptions) (string, error) {
	s.last = messages
	return s.reply, s.err
}

func TestLLMScorerParsesFencedJSON(t *testing.T) {
	stub := &stubLLM{reply: "```json\n{\"scores\":[{\"doc_index\":1,\"score\":1.7},{\"doc_index\":0,\"score\":0.2}]}\n```"}
	s := NewLLMScorer(stub)

	scores, err := s.Score(context.Background(), "servers", []string{"printer paper", "rack servers", "chairs"})
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	want := []float64{0.2, 1, 0.5}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores[%d] = %v, want %v", i, scores[i], want[i])
		}
	}
	if len(stub.last) != 2 || stub.last[0].Role != llm.RoleSystem {
		t.Errorf("unexpected messages %+v", stub.last)
	}
}

func TestLLMScorerUnparseableIsError(t *testing.T) {
	s := NewLLMScorer(&stubLLM{reply: "I think doc 1 is best"})
	if _, err := s.Score(context.Background(), "q", []string{"a", "b"}); err == nil {
		t.Fatal("expected error for free-text reply")
	}
}
