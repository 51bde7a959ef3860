package database

import (
	"context"
	"fmt"
	"time"
)

// Repository reads and writes the transfers ledger.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Record appends a transfer row. A zero CreatedAt is stamped with now.
func (r *Repository) Record(ctx context.Context, t *Transfer) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO transfers (code, kind, filename, bytes, partial, remote_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		t.Code,
		t.Kind,
		t.Filename,
		t.Bytes,
		t.Partial,
		t.RemoteAddr,
		t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

// History returns the rows for one share code, oldest first.
func (r *Repository) History(ctx context.Context, code string) ([]*Transfer, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, code, kind, filename, bytes, partial, remote_addr, created_at
		FROM transfers WHERE code = $1
		ORDER BY created_at, id
	`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t := &Transfer{}
		if err := rows.Scan(
			&t.ID,
			&t.Code,
			&t.Kind,
			&t.Filename,
			&t.Bytes,
			&t.Partial,
			&t.RemoteAddr,
			&t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// GetStats returns ledger totals.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'upload'),
			COUNT(*) FILTER (WHERE kind IN ('download', 'consumed')),
			COUNT(*) FILTER (WHERE kind = 'consumed'),
			COALESCE(SUM(bytes) FILTER (WHERE kind IN ('download', 'consumed')), 0)
		FROM transfers
	`).Scan(
		&stats.Uploads,
		&stats.Downloads,
		&stats.Consumed,
		&stats.BytesServed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
