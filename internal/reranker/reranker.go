// Package reranker provides pairwise relevance scoring for the second ranking stage.
//
// A Scorer sees the query and each candidate together, which is slower than
// vector recall but markedly more precise when the recall scores are close.
//
// # Trade-offs
//
//   - Latency: one extra model call per request (HTTP cross-encoder) or one
//     LLM generation (LLM scorer)
//   - Quality: better ordering of the top candidates
//
// Scores are only comparable within a single Score call.
package reranker

import (
	"context"
	"errors"
)

// ErrScoreMismatch is returned when a backend answers with the wrong number of scores.
var ErrScoreMismatch = errors.New("score count does not match document count")

// Scorer assigns a relevance score to each (query, doc) pair.
type Scorer interface {
	// Score returns one score per document, in document order. Higher is more relevant.
	Score(ctx context.Context, query string, docs []string) ([]float64, error)
}
