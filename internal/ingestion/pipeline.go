// Package ingestion validates raw notices, enriches them with structured
// extraction and prepares index points and payloads.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/knoguchi/tendersense/internal/extract"
	"github.com/knoguchi/tendersense/internal/tender"
)

// Extractor is the part of extract.Extractor the pipeline uses.
type Extractor interface {
	Run(ctx context.Context, text, lang string) extract.Outcome
}

// Document is a notice ready to embed and index.
type Document struct {
	Notice          tender.Notice
	PointID         string
	ContentHash     string
	Text            string
	Payload         map[string]any
	Extraction      tender.Extraction
	ExtractionState extract.State
}

// Rejection explains why a notice was dropped.
type Rejection struct {
	NoticeID string `json:"id"`
	Reason   string `json:"reason"`
}

// PipelineResult holds the result of processing a batch of notices
type PipelineResult struct {
	Documents []Document
	Rejected  []Rejection
	// Unchanged lists ids skipped because their content hash is already indexed.
	Unchanged []string
	Stats     PipelineStats
}

// PipelineStats contains statistics about the pipeline execution
type PipelineStats struct {
	Received       int
	Accepted       int
	Extracted      int
	Backfilled     int
	ProcessingTime time.Duration
}

// Pipeline orchestrates notice preparation. Extraction runs on a bounded worker pool.
type Pipeline struct {
	extractor Extractor
	validate  *validator.Validate
	pool      *ants.Pool
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the number of concurrent extractions.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return fmt.Errorf("creating worker pool: %w", err)
		}
		if p.pool != nil {
			p.pool.Release()
		}
		p.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// NewPipeline creates a pipeline. extractor may be nil to skip enrichment.
func NewPipeline(extractor Extractor, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		extractor: extractor,
		validate:  tender.NewValidator(),
		logger:    slog.Default(),
	}
	if err := WithPoolSize(runtime.NumCPU() / 2)(p); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			p.Release()
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "ingestion")
	return p, nil
}

// Release stops the worker pool.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// Process normalises and validates notices, skips those whose content hash
// matches known, and enriches the rest. Invalid notices are reported in
// Rejected rather than failing the batch.
func (p *Pipeline) Process(ctx context.Context, notices []tender.Notice, known map[string]string) (*PipelineResult, error) {
	start := time.Now()
	result := &PipelineResult{Stats: PipelineStats{Received: len(notices)}}

	seen := make(map[string]struct{}, len(notices))
	for _, n := range notices {
		n = Normalize(n)
		if err := p.validate.Struct(n); err != nil {
			result.Rejected = append(result.Rejected, Rejection{NoticeID: n.ID, Reason: describe(err)})
			continue
		}
		if _, dup := seen[n.ID]; dup {
			result.Rejected = append(result.Rejected, Rejection{NoticeID: n.ID, Reason: "duplicate id in batch"})
			continue
		}
		seen[n.ID] = struct{}{}

		hash := ContentHash(n)
		if known[n.ID] == hash {
			result.Unchanged = append(result.Unchanged, n.ID)
			continue
		}
		result.Documents = append(result.Documents, Document{
			Notice:      n,
			PointID:     PointID(n.ID),
			ContentHash: hash,
		})
	}

	if err := p.enrich(ctx, result.Documents); err != nil {
		return nil, err
	}

	for i := range result.Documents {
		d := &result.Documents[i]
		if d.ExtractionState == extract.StateSuccess {
			result.Stats.Extracted++
		}
		if backfill(d) {
			result.Stats.Backfilled++
		}
		d.Text = EnrichedText(d.Notice, d.Extraction.Requirements)
		d.Payload = tender.NoticePayload(d.Notice, d.Extraction.Requirements, d.ContentHash)
	}

	result.Stats.Accepted = len(result.Documents)
	result.Stats.ProcessingTime = time.Since(start)
	p.logger.Info("processed notices",
		"received", result.Stats.Received,
		"accepted", result.Stats.Accepted,
		"rejected", len(result.Rejected),
		"unchanged", len(result.Unchanged),
		"extracted", result.Stats.Extracted,
		"duration", result.Stats.ProcessingTime)
	return result, nil
}

// enrich runs extraction for every document on the pool.
func (p *Pipeline) enrich(ctx context.Context, docs []Document) error {
	if p.extractor == nil || len(docs) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for i := range docs {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return err
		}
		d := &docs[i]
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			text := d.Notice.Title + "\n\n" + d.Notice.Text
			out := p.extractor.Run(ctx, text, d.Notice.PromptLanguage())
			d.Extraction = out.Extraction
			d.ExtractionState = out.State
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("submitting extraction: %w", err)
		}
	}
	wg.Wait()
	return ctx.Err()
}

// backfill fills a missing deadline or CPV list from the extraction and
// reports whether anything changed.
func backfill(d *Document) bool {
	changed := false
	if d.Notice.Deadline == nil && d.Extraction.Deadline != nil {
		dl := *d.Extraction.Deadline
		d.Notice.Deadline = &dl
		changed = true
	}
	if len(d.Notice.CPV) == 0 && len(d.Extraction.CPV) > 0 {
		d.Notice.CPV = append([]string(nil), d.Extraction.CPV...)
		changed = true
	}
	return changed
}

// Normalize trims fields and upper-cases the country code.
func Normalize(n tender.Notice) tender.Notice {
	n.ID = strings.TrimSpace(n.ID)
	n.Title = strings.TrimSpace(n.Title)
	n.Buyer = strings.TrimSpace(n.Buyer)
	n.Country = strings.ToUpper(strings.TrimSpace(n.Country))
	n.URL = strings.TrimSpace(n.URL)
	n.Text = strings.TrimSpace(n.Text)
	n.Language = strings.ToLower(strings.TrimSpace(n.Language))
	if len(n.CPV) > 0 {
		cpv := make([]string, 0, len(n.CPV))
		for _, c := range n.CPV {
			if c = strings.TrimSpace(c); c != "" {
				cpv = append(cpv, c)
			}
		}
		n.CPV = cpv
	}
	return n
}

// EnrichedText is the text embedded for a notice: title, body and the
// extracted requirements as bullets.
func EnrichedText(n tender.Notice, requirements []string) string {
	var sb strings.Builder
	sb.WriteString(n.Title)
	if n.Text != "" {
		sb.WriteString("\n\n")
		sb.WriteString(n.Text)
	}
	if len(requirements) > 0 {
		sb.WriteString("\n\nRequirements:")
		for _, r := range requirements {
			sb.WriteString("\n- ")
			sb.WriteString(r)
		}
	}
	return sb.String()
}

// PointID derives the stable index id of a notice (UUIDv5 in the URL namespace).
func PointID(noticeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("tendersense::"+noticeID)).String()
}

// ContentHash fingerprints the source fields that affect indexing.
func ContentHash(n tender.Notice) string {
	var sb strings.Builder
	for _, part := range []string{n.Title, n.Buyer, n.Country, n.URL, strings.Join(n.CPV, ","), n.Text} {
		sb.WriteString(part)
		sb.WriteByte(0)
	}
	if n.Deadline != nil {
		sb.WriteString(n.Deadline.UTC().Format(time.RFC3339))
	}
	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag())
	}
	return strings.Join(parts, "; ")
}
