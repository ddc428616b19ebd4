// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when an existing collection has a different vector size.
var ErrDimensionMismatch = errors.New("collection vector size does not match embedder")

// Point is one indexed item: a vector plus an arbitrary JSON-like payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchResult represents a search result from the vector store.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// VectorIndex defines the operations the ranking and ingestion pipelines need.
type VectorIndex interface {
	// EnsureCollection creates the collection for vectors of size dim if absent.
	EnsureCollection(ctx context.Context, dim int) error

	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to limit nearest neighbours by cosine similarity,
	// dropping those scoring below minScore unless minScore is nil.
	Search(ctx context.Context, vector []float32, limit int, minScore *float32) ([]SearchResult, error)
}
