// Package ranker implements two-stage retrieval: approximate vector recall
// followed by pairwise reranking of the candidate pool.
package ranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/knoguchi/tendersense/internal/embedder"
	"github.com/knoguchi/tendersense/internal/reranker"
	"github.com/knoguchi/tendersense/internal/tender"
	"github.com/knoguchi/tendersense/internal/vectorstore"
)

// DefaultCandidateK is the recall pool size when callers pass candidateK <= 0.
const DefaultCandidateK = 10

// Options tunes a Ranker. Zero timeouts disable the per-call deadline.
type Options struct {
	CandidateK int
	// MinScore drops recall hits below it; nil keeps every neighbour.
	MinScore      *float32
	EmbedTimeout  time.Duration
	SearchTimeout time.Duration
	RerankTimeout time.Duration
	Logger        *slog.Logger
	// Fallbacks counts recall-order fallbacks by reason; may be nil.
	Fallbacks *prometheus.CounterVec
}

// Ranker orders notices for a query. A nil scorer disables the second stage.
type Ranker struct {
	embedder embedder.Embedder
	index    vectorstore.VectorIndex
	scorer   reranker.Scorer
	opts     Options
	logger   *slog.Logger
}

// New creates a Ranker.
func New(e embedder.Embedder, index vectorstore.VectorIndex, scorer reranker.Scorer, opts Options) *Ranker {
	if opts.CandidateK <= 0 {
		opts.CandidateK = DefaultCandidateK
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{
		embedder: e,
		index:    index,
		scorer:   scorer,
		opts:     opts,
		logger:   logger.With("component", "ranker"),
	}
}

// RerankEnabled reports whether a second stage is configured.
func (r *Ranker) RerankEnabled() bool {
	return r.scorer != nil
}

// Rank returns at most topK hits for query. The recall pool holds
// max(candidateK, topK) neighbours; candidateK <= 0 uses the configured
// default and topK < 1 is treated as 1.
//
// Embedding and index failures are returned. Scorer failures are logged and
// the recall order is returned instead.
func (r *Ranker) Rank(ctx context.Context, query string, topK, candidateK int) ([]tender.Hit, error) {
	if topK < 1 {
		topK = 1
	}
	if candidateK <= 0 {
		candidateK = r.opts.CandidateK
	}

	hits, err := r.Recall(ctx, query, max(candidateK, topK))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []tender.Hit{}, nil
	}

	if r.scorer != nil {
		if err := r.rerank(ctx, query, hits); err != nil {
			r.logger.Warn("rerank failed, using recall order", "error", err, "candidates", len(hits))
			r.countFallback(ctx, err)
		} else {
			sort.SliceStable(hits, func(i, j int) bool {
				return *hits[i].RerankScore > *hits[j].RerankScore
			})
		}
	}

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Recall embeds query and returns up to limit neighbours in index order.
func (r *Ranker) Recall(ctx context.Context, query string, limit int) ([]tender.Hit, error) {
	embedCtx, cancel := withTimeout(ctx, r.opts.EmbedTimeout)
	vector, err := r.embedder.Embed(embedCtx, query)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	searchCtx, cancel := withTimeout(ctx, r.opts.SearchTimeout)
	results, err := r.index.Search(searchCtx, vector, limit, r.opts.MinScore)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	hits := make([]tender.Hit, len(results))
	for i, res := range results {
		hits[i] = tender.HitFromPayload(res.ID, float64(res.Score), res.Payload)
	}
	return hits, nil
}

// rerank scores all hits in place; on error no hit is modified.
func (r *Ranker) rerank(ctx context.Context, query string, hits []tender.Hit) error {
	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.PairText()
	}

	scoreCtx, cancel := withTimeout(ctx, r.opts.RerankTimeout)
	defer cancel()

	scores, err := r.scorer.Score(scoreCtx, query, docs)
	if err != nil {
		return err
	}
	if len(scores) != len(hits) {
		return fmt.Errorf("got %d scores for %d candidates: %w", len(scores), len(hits), reranker.ErrScoreMismatch)
	}

	for i := range hits {
		s := scores[i]
		hits[i].RerankScore = &s
	}
	return nil
}

func (r *Ranker) countFallback(ctx context.Context, err error) {
	if r.opts.Fallbacks == nil {
		return
	}
	reason := "error"
	if ctx.Err() == nil && isTimeout(err) {
		reason = "timeout"
	}
	r.opts.Fallbacks.WithLabelValues(reason).Inc()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
