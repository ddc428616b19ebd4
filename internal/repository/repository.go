// Package repository defines domain records and data access interfaces for
// indexed notices, ingestion runs and alert state.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Notice is the relational record of an indexed notice and its extraction.
type Notice struct {
	PointID         uuid.UUID
	NoticeID        string
	Source          string
	Title           string
	Buyer           string
	Country         string
	URL             string
	Language        string
	CPV             []string
	Deadline        *time.Time
	Requirements    []string
	ExtractionState string
	ContentHash     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Ingest run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// IngestRun records one ingestion batch.
type IngestRun struct {
	ID           uuid.UUID
	Source       string
	Status       string
	Received     int
	Indexed      int
	Rejected     int
	Unchanged    int
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// NoticeRepository defines operations for notice persistence
type NoticeRepository interface {
	// UpsertBatch inserts or updates notices keyed by NoticeID.
	UpsertBatch(ctx context.Context, notices []*Notice) error
	GetByNoticeID(ctx context.Context, noticeID string) (*Notice, error)
	// ContentHashes returns the stored hash for each known id.
	ContentHashes(ctx context.Context, noticeIDs []string) (map[string]string, error)
	List(ctx context.Context, source string, limit, offset int) ([]*Notice, int, error)
}

// IngestRunRepository defines operations for ingestion run bookkeeping
type IngestRunRepository interface {
	Create(ctx context.Context, run *IngestRun) error
	Update(ctx context.Context, run *IngestRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*IngestRun, error)
	List(ctx context.Context, limit, offset int) ([]*IngestRun, int, error)
}
