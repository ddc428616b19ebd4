package app

import (
	"log/slog"
	"testing"

	"github.com/knoguchi/tendersense/internal/config"
	"github.com/knoguchi/tendersense/internal/llm"
	"github.com/knoguchi/tendersense/internal/reranker"
)

func TestNewBackend(t *testing.T) {
	logger := slog.Default()

	if b := NewBackend(&config.Config{}, logger); b != nil {
		t.Errorf("empty provider backend = %T, want nil", b)
	}
	if _, ok := NewBackend(&config.Config{LLMProvider: "ollama", LLMModel: "m"}, logger).(*llm.OllamaClient); !ok {
		t.Error("ollama provider did not build an Ollama client")
	}
	if _, ok := NewBackend(&config.Config{LLMProvider: "openai", LLMModel: "m", OpenAIAPIKey: "k"}, logger).(*llm.OpenAIClient); !ok {
		t.Error("openai provider did not build an OpenAI client")
	}
}

func TestNewScorer(t *testing.T) {
	if _, ok := newScorer(&config.Config{RerankerKind: "http", RerankerURL: "http://r"}, nil).(*reranker.HTTPScorer); !ok {
		t.Error("http kind did not build an HTTP scorer")
	}
	if s := newScorer(&config.Config{RerankerKind: "llm"}, nil); s != nil {
		t.Errorf("llm kind without backend = %T, want nil", s)
	}
	backend := llm.NewOllamaClient()
	if _, ok := newScorer(&config.Config{RerankerKind: "llm"}, backend).(*reranker.LLMScorer); !ok {
		t.Error("llm kind did not build an LLM scorer")
	}
}

func TestBuildSources(t *testing.T) {
	a := &App{Config: &config.Config{TEDLimit: 10, NENLimit: 5, NENHeadless: true}, Logger: slog.Default()}
	a.Sources = a.buildSources()

	for _, name := range []string{"ted", "nen"} {
		if _, err := a.Source(name); err != nil {
			t.Errorf("Source(%q) error: %v", name, err)
		}
	}
	if _, err := a.Source("csv"); err == nil {
		t.Error("Source(csv) should not be configured")
	}
}
