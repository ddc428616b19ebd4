package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/knoguchi/tendersense/internal/llm"
	"github.com/knoguchi/tendersense/internal/tender"
)

// DefaultTopK applies when callers pass topK < 1.
const DefaultTopK = 5

const (
	qaSystemPrompt = "You are an assistant for public procurement. Answer briefly and only from the provided context. " +
		"If the information is not in the context, say that you do not know based on the context."
	noContext       = "No context."
	llmErrorAnswer  = "[LLM error] "
	contextSep      = "\n\n---\n\n"
	dryRunPromptMax = 800
)

// SearchOptions configures a SearchService.
type SearchOptions struct {
	// CandidateK is the recall pool size; <= 0 uses the ranker default.
	CandidateK    int
	Model         string
	Temperature   float32
	MaxTokens     int
	AnswerTimeout time.Duration
	Logger        *slog.Logger
}

// Answer is a grounded reply to a question.
type Answer struct {
	Answer     string       `json:"answer"`
	References []string     `json:"references"`
	Hits       []tender.Hit `json:"-"`
	DryRun     bool         `json:"dry_run,omitempty"`
	// Degraded is set when the backend failed; Error carries its message.
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SearchService serves semantic search and question answering.
type SearchService struct {
	ranker  Ranker
	backend llm.LLM
	opts    SearchOptions
	logger  *slog.Logger
}

// NewSearchService creates a SearchService. backend may be nil, in which case
// Answer returns a dry-run reply.
func NewSearchService(ranker Ranker, backend llm.LLM, opts SearchOptions) *SearchService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchService{
		ranker:  ranker,
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "search"),
	}
}

// Search returns the topK best notices for query.
func (s *SearchService) Search(ctx context.Context, query string, topK int) ([]tender.Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required: %w", ErrInvalidArgument)
	}
	if topK < 1 {
		topK = DefaultTopK
	}

	start := time.Now()
	hits, err := s.ranker.Rank(ctx, query, topK, s.opts.CandidateK)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("search", "top_k", topK, "hits", len(hits), "duration", time.Since(start))
	return hits, nil
}

// Answer retrieves context for question and asks the backend for an answer
// grounded in it. References are the URLs of the retrieved notices.
func (s *SearchService) Answer(ctx context.Context, question string, topK int) (*Answer, error) {
	hits, err := s.Search(ctx, question, topK)
	if err != nil {
		return nil, err
	}

	prompt, refs := buildQAPrompt(strings.TrimSpace(question), hits)
	ans := &Answer{References: refs, Hits: hits}

	if s.backend == nil {
		ans.Answer = dryRunAnswer(prompt)
		ans.DryRun = true
		return ans, nil
	}

	genCtx := ctx
	if s.opts.AnswerTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.opts.AnswerTimeout)
		defer cancel()
	}

	text, err := s.backend.Complete(genCtx, []llm.Message{
		llm.System(qaSystemPrompt),
		llm.User(prompt),
	}, llm.CompleteOptions{
		Model:       s.opts.Model,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("answer generation failed", "error", err)
		ans.Answer = llmErrorAnswer + err.Error()
		ans.Degraded = true
		ans.Error = err.Error()
		return ans, nil
	}
	ans.Answer = strings.TrimSpace(text)
	return ans, nil
}

// buildQAPrompt joins hit snippets into the context block.
func buildQAPrompt(question string, hits []tender.Hit) (string, []string) {
	blocks := make([]string, 0, len(hits))
	refs := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Snippet != "" {
			blocks = append(blocks, h.Snippet)
		}
		if h.URL != "" {
			refs = append(refs, h.URL)
		}
	}

	body := noContext
	if len(blocks) > 0 {
		body = strings.Join(blocks, contextSep)
	}

	var sb strings.Builder
	sb.WriteString("CONTEXT:\n")
	sb.WriteString(body)
	sb.WriteString("\n\nQUESTION: ")
	sb.WriteString(question)
	sb.WriteString("\n\nANSWER:")
	return sb.String(), refs
}

func dryRunAnswer(prompt string) string {
	if utf8.RuneCountInString(prompt) > dryRunPromptMax {
		prompt = string([]rune(prompt)[:dryRunPromptMax])
	}
	return "[dry-run] No generative backend configured. Prompt was:\n" + prompt
}
