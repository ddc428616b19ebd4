// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"errors"
	"math"
)

// ErrEmptyEmbedding is returned when a provider answers without vectors.
var ErrEmptyEmbedding = errors.New("empty embedding returned")

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// KnownDimensions maps common embedding models to their vector size. It only
// seeds Dimension() before the first call; the index is always created from
// a probe embedding.
var KnownDimensions = map[string]int{
	"nomic-embed-text":                       768,
	"mxbai-embed-large":                      1024,
	"all-minilm":                             384,
	"snowflake-arctic-embed":                 1024,
	"intfloat/multilingual-e5-base":          768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
}

// Normalize scales v to unit L2 length in place. Zero vectors are left as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// DimensionFor returns the known dimension for model, or fallback.
func DimensionFor(model string, fallback int) int {
	if d, ok := KnownDimensions[model]; ok {
		return d
	}
	return fallback
}
