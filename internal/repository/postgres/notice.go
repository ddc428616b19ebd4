package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/tendersense/internal/repository"
)

// NoticeRepo implements repository.NoticeRepository
type NoticeRepo struct {
	db *DB
}

// NewNoticeRepo creates a new notice repository
func NewNoticeRepo(db *DB) *NoticeRepo {
	return &NoticeRepo{db: db}
}

const noticeColumns = `notice_id, point_id, source, title, buyer, country, url, language, cpv, deadline,
	requirements, extraction_state, content_hash, created_at, updated_at`

// UpsertBatch inserts or updates notices in one round trip.
func (r *NoticeRepo) UpsertBatch(ctx context.Context, notices []*repository.Notice) error {
	if len(notices) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, n := range notices {
		reqJSON, err := json.Marshal(nonNil(n.Requirements))
		if err != nil {
			return fmt.Errorf("failed to marshal requirements: %w", err)
		}
		batch.Queue(`
			INSERT INTO notices (notice_id, point_id, source, title, buyer, country, url, language, cpv, deadline,
			                     requirements, extraction_state, content_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
			ON CONFLICT (notice_id) DO UPDATE SET
				source = EXCLUDED.source, title = EXCLUDED.title, buyer = EXCLUDED.buyer,
				country = EXCLUDED.country, url = EXCLUDED.url, language = EXCLUDED.language,
				cpv = EXCLUDED.cpv, deadline = EXCLUDED.deadline, requirements = EXCLUDED.requirements,
				extraction_state = EXCLUDED.extraction_state, content_hash = EXCLUDED.content_hash,
				updated_at = NOW()
		`, n.NoticeID, n.PointID, n.Source, n.Title, n.Buyer, n.Country, n.URL, n.Language,
			nonNil(n.CPV), n.Deadline, reqJSON, n.ExtractionState, n.ContentHash)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, n := range notices {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert notice %s: %w", n.NoticeID, err)
		}
	}
	return nil
}

// GetByNoticeID retrieves a notice by its source id
func (r *NoticeRepo) GetByNoticeID(ctx context.Context, noticeID string) (*repository.Notice, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+noticeColumns+` FROM notices WHERE notice_id = $1`, noticeID)
	n, err := scanNotice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notice: %w", err)
	}
	return n, nil
}

// ContentHashes returns stored hashes for the ids that exist.
func (r *NoticeRepo) ContentHashes(ctx context.Context, noticeIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(noticeIDs))
	if len(noticeIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.Pool.Query(ctx, `SELECT notice_id, content_hash FROM notices WHERE notice_id = ANY($1)`, noticeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query content hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan content hash: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// List retrieves notices with pagination, newest first, optionally by source
func (r *NoticeRepo) List(ctx context.Context, source string, limit, offset int) ([]*repository.Notice, int, error) {
	where := ""
	args := []any{}
	if source != "" {
		where = ` WHERE source = $1`
		args = append(args, source)
	}

	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM notices`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count notices: %w", err)
	}

	listQuery := fmt.Sprintf(`SELECT %s FROM notices%s ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`,
		noticeColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.Pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notices: %w", err)
	}
	defer rows.Close()

	var notices []*repository.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan notice: %w", err)
		}
		notices = append(notices, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list notices: %w", err)
	}

	return notices, total, nil
}

func scanNotice(row pgx.Row) (*repository.Notice, error) {
	var n repository.Notice
	var reqJSON []byte
	err := row.Scan(&n.NoticeID, &n.PointID, &n.Source, &n.Title, &n.Buyer, &n.Country, &n.URL,
		&n.Language, &n.CPV, &n.Deadline, &reqJSON, &n.ExtractionState, &n.ContentHash,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reqJSON, &n.Requirements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}
	return &n, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ repository.NoticeRepository = (*NoticeRepo)(nil)
