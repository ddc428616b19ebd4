package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/knoguchi/tendersense/internal/embedder"
	"github.com/knoguchi/tendersense/internal/ingestion"
	"github.com/knoguchi/tendersense/internal/repository"
	"github.com/knoguchi/tendersense/internal/tender"
	"github.com/knoguchi/tendersense/internal/vectorstore"
)

// DefaultEmbedBatch is the number of texts sent per embedding call.
const DefaultEmbedBatch = 32

// IngestOptions configures an IngestService.
type IngestOptions struct {
	EmbedBatch int
	Logger     *slog.Logger
	// Outcomes counts notices by outcome; may be nil.
	Outcomes *prometheus.CounterVec
}

// IngestResult summarises one ingestion batch.
type IngestResult struct {
	RunID     string                `json:"run_id,omitempty"`
	Indexed   int                   `json:"indexed"`
	Unchanged int                   `json:"unchanged"`
	Rejected  []ingestion.Rejection `json:"rejected"`
}

// IngestService validates, enriches, embeds and indexes notices.
type IngestService struct {
	pipeline *ingestion.Pipeline
	embedder embedder.Embedder
	index    vectorstore.VectorIndex
	notices  repository.NoticeRepository
	runs     repository.IngestRunRepository
	opts     IngestOptions
	logger   *slog.Logger

	ensureMu sync.Mutex
	ensured  bool
}

// NewIngestService creates an IngestService. notices and runs may be nil when
// no relational store is configured.
func NewIngestService(
	pipeline *ingestion.Pipeline,
	emb embedder.Embedder,
	index vectorstore.VectorIndex,
	notices repository.NoticeRepository,
	runs repository.IngestRunRepository,
	opts IngestOptions,
) *IngestService {
	if opts.EmbedBatch <= 0 {
		opts.EmbedBatch = DefaultEmbedBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		pipeline: pipeline,
		embedder: emb,
		index:    index,
		notices:  notices,
		runs:     runs,
		opts:     opts,
		logger:   logger.With("component", "ingest"),
	}
}

// Ingest indexes a batch of notices from source. Invalid notices are
// rejected individually; notices whose content is already indexed are
// skipped. Embedding and index failures abort the batch.
func (s *IngestService) Ingest(ctx context.Context, source string, notices []tender.Notice) (*IngestResult, error) {
	run := s.startRun(ctx, source, len(notices))
	res, err := s.ingest(ctx, source, notices)
	s.finishRun(ctx, run, res, err)
	if err != nil {
		return nil, err
	}
	if run != nil {
		res.RunID = run.ID.String()
	}
	return res, nil
}

func (s *IngestService) ingest(ctx context.Context, source string, notices []tender.Notice) (*IngestResult, error) {
	notices = append([]tender.Notice(nil), notices...)
	for i := range notices {
		if notices[i].Source == "" {
			notices[i].Source = source
		}
	}

	known, err := s.knownHashes(ctx, notices)
	if err != nil {
		return nil, err
	}

	processed, err := s.pipeline.Process(ctx, notices, known)
	if err != nil {
		return nil, fmt.Errorf("processing notices: %w", err)
	}
	result := &IngestResult{
		Unchanged: len(processed.Unchanged),
		Rejected:  processed.Rejected,
	}
	if result.Rejected == nil {
		result.Rejected = []ingestion.Rejection{}
	}
	s.count("rejected", len(processed.Rejected))
	s.count("unchanged", len(processed.Unchanged))

	docs := processed.Documents
	if len(docs) == 0 {
		return result, nil
	}

	vectors, err := s.embed(ctx, docs)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx, len(vectors[0])); err != nil {
		return nil, err
	}

	points := make([]vectorstore.Point, len(docs))
	for i, d := range docs {
		points[i] = vectorstore.Point{ID: d.PointID, Vector: vectors[i], Payload: d.Payload}
	}
	if err := s.index.Upsert(ctx, points); err != nil {
		return nil, fmt.Errorf("upserting points: %w", err)
	}

	if s.notices != nil {
		if err := s.notices.UpsertBatch(ctx, toRecords(docs)); err != nil {
			return nil, fmt.Errorf("recording notices: %w", err)
		}
	}

	result.Indexed = len(docs)
	s.count("indexed", len(docs))
	s.logger.Info("ingested notices", "source", source, "indexed", result.Indexed,
		"unchanged", result.Unchanged, "rejected", len(result.Rejected))
	return result, nil
}

func (s *IngestService) knownHashes(ctx context.Context, notices []tender.Notice) (map[string]string, error) {
	if s.notices == nil || len(notices) == 0 {
		return nil, nil
	}
	ids := make([]string, len(notices))
	for i, n := range notices {
		ids[i] = n.ID
	}
	known, err := s.notices.ContentHashes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading content hashes: %w", err)
	}
	return known, nil
}

func (s *IngestService) embed(ctx context.Context, docs []ingestion.Document) ([][]float32, error) {
	vectors := make([][]float32, 0, len(docs))
	for start := 0; start < len(docs); start += s.opts.EmbedBatch {
		end := min(start+s.opts.EmbedBatch, len(docs))
		texts := make([]string, 0, end-start)
		for _, d := range docs[start:end] {
			texts = append(texts, d.Text)
		}
		batch, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding notices: %w", err)
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("embedding notices: got %d vectors for %d texts", len(batch), len(texts))
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embedding notices: %w", embedder.ErrEmptyEmbedding)
	}
	return vectors, nil
}

// ensureCollection creates the collection on first use with the dimension of
// the first embedding produced.
func (s *IngestService) ensureCollection(ctx context.Context, dim int) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}
	if err := s.index.EnsureCollection(ctx, dim); err != nil {
		return fmt.Errorf("ensuring collection: %w", err)
	}
	s.ensured = true
	return nil
}

func (s *IngestService) count(outcome string, n int) {
	if s.opts.Outcomes != nil && n > 0 {
		s.opts.Outcomes.WithLabelValues(outcome).Add(float64(n))
	}
}

func (s *IngestService) startRun(ctx context.Context, source string, received int) *repository.IngestRun {
	if s.runs == nil {
		return nil
	}
	run := &repository.IngestRun{
		ID:        uuid.New(),
		Source:    source,
		Status:    repository.RunStatusRunning,
		Received:  received,
		StartedAt: time.Now().UTC(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		s.logger.Warn("failed to record ingest run", "error", err)
		return nil
	}
	return run
}

func (s *IngestService) finishRun(ctx context.Context, run *repository.IngestRun, res *IngestResult, runErr error) {
	if run == nil {
		return
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	if runErr != nil {
		run.Status = repository.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	} else {
		run.Status = repository.RunStatusCompleted
		run.Indexed = res.Indexed
		run.Unchanged = res.Unchanged
		run.Rejected = len(res.Rejected)
	}
	// Recorded even when the request was cancelled.
	if err := s.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to update ingest run", "run_id", run.ID, "error", err)
	}
}

func toRecords(docs []ingestion.Document) []*repository.Notice {
	records := make([]*repository.Notice, len(docs))
	for i, d := range docs {
		n := d.Notice
		records[i] = &repository.Notice{
			PointID:         uuid.MustParse(d.PointID),
			NoticeID:        n.ID,
			Source:          n.Source,
			Title:           n.Title,
			Buyer:           n.Buyer,
			Country:         n.Country,
			URL:             n.URL,
			Language:        n.PromptLanguage(),
			CPV:             n.CPV,
			Deadline:        n.Deadline,
			Requirements:    d.Extraction.Requirements,
			ExtractionState: string(d.ExtractionState),
			ContentHash:     d.ContentHash,
		}
	}
	return records
}
