// Package extract turns free-text tender notices into validated structured
// data with a bounded repair loop against an unreliable generative backend.
//
// Each run moves through these states:
//
//	NO_BACKEND            no backend configured: regex fallback
//	ATTEMPT               first prompt, parse, validate
//	REPAIR(n)             corrective prompt with the previous output and errors
//	SUCCESS               a reply passed validation
//	FALLBACK              repair budget exhausted: regex fallback
//
// Extract never returns an error. Backend failures, timeouts and panics count
// as failed attempts.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/knoguchi/tendersense/internal/llm"
	"github.com/knoguchi/tendersense/internal/tender"
)

// DefaultMaxRetries is the repair budget after the first attempt.
const DefaultMaxRetries = 2

// State is a node of the extraction state machine.
type State string

const (
	StateNoBackend State = "no_backend"
	StateAttempt   State = "attempt"
	StateRepair    State = "repair"
	StateSuccess   State = "success"
	StateFallback  State = "fallback"
)

// Outcome describes a finished run.
type Outcome struct {
	Extraction tender.Extraction
	// Raw is the canonical JSON of Extraction.
	Raw string
	// State is StateSuccess, StateFallback or StateNoBackend.
	State State
	// Attempts is the number of backend calls made.
	Attempts int
	// LastError is the last parse, validation or backend error, if any.
	LastError string
}

// Options configures an Extractor.
type Options struct {
	// MaxRetries is the repair budget; <= 0 uses DefaultMaxRetries.
	MaxRetries int
	// NoRepair disables the repair step regardless of MaxRetries.
	NoRepair    bool
	MaxChars    int
	Timeout     time.Duration
	Model       string
	Temperature float32
	Logger      *slog.Logger
	// Outcomes counts terminal states; may be nil.
	Outcomes *prometheus.CounterVec
	// Attempts observes backend calls per run; may be nil.
	Attempts prometheus.Observer
}

// Extractor runs the extraction state machine. It is safe for concurrent use.
type Extractor struct {
	backend  llm.LLM
	validate *validator.Validate
	opts     Options
	logger   *slog.Logger
}

// New creates an Extractor. backend may be nil.
func New(backend llm.LLM, opts Options) *Extractor {
	switch {
	case opts.NoRepair:
		opts.MaxRetries = 0
	case opts.MaxRetries <= 0:
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		backend:  backend,
		validate: tender.NewValidator(),
		opts:     opts,
		logger:   logger.With("component", "extractor"),
	}
}

// HasBackend reports whether a generative backend is configured.
func (e *Extractor) HasBackend() bool {
	return e.backend != nil
}

// Extract returns the structured data found in text and its canonical JSON.
// lang selects the prompt language; empty means English.
func (e *Extractor) Extract(ctx context.Context, text, lang string) (tender.Extraction, string) {
	out := e.Run(ctx, text, lang)
	return out.Extraction, out.Raw
}

// Run is Extract with the full outcome.
func (e *Extractor) Run(ctx context.Context, text, lang string) Outcome {
	if lang == "" {
		lang = "en"
	}

	if e.backend == nil {
		return e.finish(fallback(text, StateNoBackend, 0, ""))
	}

	messages := []llm.Message{
		llm.System(systemPrompt),
		llm.User(buildPrompt(text, lang, e.opts.MaxChars)),
	}
	state := StateAttempt
	var lastErr string

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			state = StateRepair
		}
		e.logger.Debug("extraction state", "state", state, "attempt", attempt)

		raw, err := e.complete(ctx, messages)
		if err == nil {
			var ext tender.Extraction
			if ext, err = parse(e.validate, raw); err == nil {
				return e.finish(Outcome{
					Extraction: ext,
					Raw:        Canonical(ext),
					State:      StateSuccess,
					Attempts:   attempt + 1,
				})
			}
		} else {
			raw = ""
			err = fmt.Errorf("backend error: %w", err)
		}
		lastErr = err.Error()
		e.logger.Debug("extraction attempt failed", "state", state, "attempt", attempt, "error", lastErr)

		if ctx.Err() != nil {
			return e.finish(fallback(text, StateFallback, attempt+1, lastErr))
		}
		messages = []llm.Message{
			llm.System(systemPrompt),
			llm.User(buildRepairPrompt(raw, lastErr)),
		}
	}

	return e.finish(fallback(text, StateFallback, e.opts.MaxRetries+1, lastErr))
}

// complete calls the backend under the per-call timeout and converts panics into errors.
func (e *Extractor) complete(ctx context.Context, messages []llm.Message) (raw string, err error) {
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()

	return e.backend.Complete(ctx, messages, llm.CompleteOptions{
		Model:       e.opts.Model,
		Temperature: e.opts.Temperature,
		JSON:        true,
		Schema:      Schema,
		SchemaName:  SchemaName,
	})
}

func (e *Extractor) finish(out Outcome) Outcome {
	switch out.State {
	case StateSuccess:
		e.logger.Debug("extraction succeeded", "attempts", out.Attempts)
	case StateFallback:
		e.logger.Warn("extraction fell back to regex", "attempts", out.Attempts, "last_error", out.LastError)
	}
	if e.opts.Outcomes != nil {
		e.opts.Outcomes.WithLabelValues(string(out.State)).Inc()
	}
	if e.opts.Attempts != nil && out.Attempts > 0 {
		e.opts.Attempts.Observe(float64(out.Attempts))
	}
	return out
}

// fallback builds the regex-only result.
func fallback(text string, state State, attempts int, lastErr string) Outcome {
	ext := tender.Extraction{
		CPV:          tender.FindCPV(text),
		Requirements: []string{},
	}
	return Outcome{
		Extraction: ext,
		Raw:        Canonical(ext),
		State:      state,
		Attempts:   attempts,
		LastError:  lastErr,
	}
}
