package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knoguchi/tendersense/internal/llm"
)

// LLMScorer asks a chat model to judge each (query, document) pair.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
	maxChars  int
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// WithMaxDocChars truncates each document before it is placed in the prompt.
func WithMaxDocChars(n int) LLMScorerOption {
	return func(s *LLMScorer) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// NewLLMScorer creates a new LLM-based scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		llmClient: llmClient,
		maxChars:  500,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
}

type scoreResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Score asks the model for a 0..1 relevance per document. An unparseable
// reply is an error so the ranker can fall back to recall order.
func (s *LLMScorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return []float64{}, nil
	}

	messages := []llm.Message{
		llm.System("You are a relevance scoring system for public procurement notices."),
		llm.User(s.buildPrompt(query, docs)),
	}
	response, err := s.llmClient.Complete(ctx, messages, llm.CompleteOptions{
		Model:       s.model,
		Temperature: 0,
		MaxTokens:   1024,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM scoring failed: %w", err)
	}

	return parseScores(response, len(docs))
}

func (s *LLMScorer) buildPrompt(query string, docs []string) string {
	var sb strings.Builder

	sb.WriteString("Score each notice's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nNotices to score:\n")
	for i, doc := range docs {
		if r := []rune(doc); len(r) > s.maxChars {
			doc = string(r[:s.maxChars]) + "..."
		}
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, doc)
	}

	sb.WriteString(`Score each notice from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant notices should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.`)

	return sb.String()
}

// parseScores extracts scores from the reply, tolerating markdown fences.
// Documents the model skipped get a neutral 0.5.
func parseScores(response string, n int) ([]float64, error) {
	response = llm.StripCodeFence(response)

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse score response: %w", err)
	}
	if len(parsed.Scores) == 0 {
		return nil, fmt.Errorf("score response has no scores: %w", ErrScoreMismatch)
	}

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, sc := range parsed.Scores {
		if sc.DocIndex >= 0 && sc.DocIndex < n {
			scores[sc.DocIndex] = min(max(sc.Score, 0), 1)
		}
	}

	return scores, nil
}

// Ensure LLMScorer implements Scorer.
var _ Scorer = (*LLMScorer)(nil)
