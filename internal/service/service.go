// Package service composes the ranking, extraction and alerting components
// into the operations exposed over HTTP and the CLI.
package service

import (
	"context"
	"errors"

	"github.com/knoguchi/tendersense/internal/tender"
)

// ErrInvalidArgument is returned for requests that fail input validation.
var ErrInvalidArgument = errors.New("invalid argument")

// Ranker is the retrieval stage used by search, QA and alerts.
type Ranker interface {
	Rank(ctx context.Context, query string, topK, candidateK int) ([]tender.Hit, error)
}
