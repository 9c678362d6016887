package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks whether the request id was committed under tag.
func (pic *PostgresIdempotencyChecker) IsDuplicate(tag string, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	query := `
        SELECT 1
        FROM percolator.processed_requests
        WHERE tag = $1 AND request_id = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, tag, requestID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
