package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPScorer calls a cross-encoder service exposing POST /rerank in the
// text-embeddings-inference shape: {"query", "texts"} -> [{"index","score"}].
type HTTPScorer struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewHTTPScorer creates a scorer for the service at baseURL. model is sent
// along for servers that host several cross-encoders and may be empty.
func NewHTTPScorer(baseURL, model string, client *http.Client) *HTTPScorer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPScorer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  client,
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	Model     string   `json:"model,omitempty"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score posts all pairs in one request and maps results back by index.
func (s *HTTPScorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: docs, Model: s.model, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API error (status %d): %s", resp.StatusCode, string(raw))
	}

	var items []rerankItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(items) != len(docs) {
		return nil, fmt.Errorf("got %d scores for %d documents: %w", len(items), len(docs), ErrScoreMismatch)
	}

	scores := make([]float64, len(docs))
	filled := make([]bool, len(docs))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(docs) || filled[it.Index] {
			return nil, fmt.Errorf("invalid or duplicate index %d: %w", it.Index, ErrScoreMismatch)
		}
		scores[it.Index] = it.Score
		filled[it.Index] = true
	}

	return scores, nil
}

var _ Scorer = (*HTTPScorer)(nil)
