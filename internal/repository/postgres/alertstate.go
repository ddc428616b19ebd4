package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/tendersense/internal/tender"
)

// AlertStateRepo stores per-profile alert state in the alert_states table.
// It satisfies alert.StateStore.
type AlertStateRepo struct {
	db *DB
}

// NewAlertStateRepo creates a new alert state repository
func NewAlertStateRepo(db *DB) *AlertStateRepo {
	return &AlertStateRepo{db: db}
}

// Load returns the profile's state, or an empty state if it never ran.
func (r *AlertStateRepo) Load(ctx context.Context, profile string) (tender.AlertState, error) {
	st := tender.AlertState{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT seen_ids, last_run_utc FROM alert_states WHERE profile = $1`, profile,
	).Scan(&st.SeenIDs, &st.LastRun)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return tender.AlertState{}, fmt.Errorf("failed to load alert state: %w", err)
	}
	if st.SeenIDs == nil {
		st.SeenIDs = []string{}
	}
	return st, nil
}

// Save replaces the profile's state in a single statement.
func (r *AlertStateRepo) Save(ctx context.Context, profile string, state tender.AlertState) error {
	seen := state.SeenIDs
	if seen == nil {
		seen = []string{}
	}
	query := `
		INSERT INTO alert_states (profile, seen_ids, last_run_utc, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (profile) DO UPDATE SET
			seen_ids = EXCLUDED.seen_ids, last_run_utc = EXCLUDED.last_run_utc, updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, profile, seen, state.LastRun); err != nil {
		return fmt.Errorf("failed to save alert state: %w", err)
	}
	return nil
}
