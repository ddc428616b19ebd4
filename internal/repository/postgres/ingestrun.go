package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/tendersense/internal/repository"
)

// IngestRunRepo implements repository.IngestRunRepository
type IngestRunRepo struct {
	db *DB
}

// NewIngestRunRepo creates a new ingest run repository
func NewIngestRunRepo(db *DB) *IngestRunRepo {
	return &IngestRunRepo{db: db}
}

// Create records a new run
func (r *IngestRunRepo) Create(ctx context.Context, run *repository.IngestRun) error {
	query := `
		INSERT INTO ingest_runs (id, source, status, received, indexed, rejected, unchanged, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		run.ID, run.Source, run.Status, run.Received, run.Indexed, run.Rejected, run.Unchanged,
		run.ErrorMessage, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create ingest run: %w", err)
	}
	return nil
}

// Update stores the counters and status of a run
func (r *IngestRunRepo) Update(ctx context.Context, run *repository.IngestRun) error {
	query := `
		UPDATE ingest_runs
		SET status = $2, received = $3, indexed = $4, rejected = $5, unchanged = $6,
		    error_message = $7, completed_at = $8
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query,
		run.ID, run.Status, run.Received, run.Indexed, run.Rejected, run.Unchanged,
		run.ErrorMessage, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update ingest run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const runColumns = `id, source, status, received, indexed, rejected, unchanged, error_message, started_at, completed_at`

// GetByID retrieves a run by ID
func (r *IngestRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.IngestRun, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM ingest_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ingest run: %w", err)
	}
	return run, nil
}

// List retrieves runs, newest first
func (r *IngestRunRepo) List(ctx context.Context, limit, offset int) ([]*repository.IngestRun, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM ingest_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ingest runs: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+runColumns+` FROM ingest_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ingest runs: %w", err)
	}
	defer rows.Close()

	var runs []*repository.IngestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan ingest run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func scanRun(row pgx.Row) (*repository.IngestRun, error) {
	var run repository.IngestRun
	err := row.Scan(&run.ID, &run.Source, &run.Status, &run.Received, &run.Indexed, &run.Rejected,
		&run.Unchanged, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

var _ repository.IngestRunRepository = (*IngestRunRepo)(nil)
