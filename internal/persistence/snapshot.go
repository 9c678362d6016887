package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the encoded slab at a committed sequence, enough to resume
// the controller without replaying receipts.
type Snapshot struct {
	Sequence  int64
	Slot      uint64
	StateHash [32]byte
	Slab      []byte // nil once the slab is closed
	CreatedAt time.Time
}

// SnapshotStore persists and loads slab snapshots.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save writes a snapshot. Saving the same sequence twice overwrites it.
func (ss *SnapshotStore) Save(ctx context.Context, db execer, snap *Snapshot) error {
	if db == nil {
		db = ss.db
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO percolator.snapshots
			(snapshot_id, sequence, slot, state_hash, slab, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO UPDATE SET slab = $5, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, int64(snap.Slot), snap.StateHash[:], snap.Slab, len(snap.Slab), snap.CreatedAt)
	return err
}

// LoadLatest returns the newest snapshot, or nil on a cold start.
func (ss *SnapshotStore) LoadLatest(ctx context.Context) (*Snapshot, error) {
	row := ss.db.QueryRowContext(ctx, `
		SELECT sequence, slot, state_hash, slab, created_at
		FROM percolator.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		snap Snapshot
		slot int64
		hash []byte
	)
	if err := row.Scan(&snap.Sequence, &slot, &hash, &snap.Slab, &snap.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if len(hash) != len(snap.StateHash) {
		return nil, fmt.Errorf("load snapshot %d: state hash is %d bytes", snap.Sequence, len(hash))
	}
	copy(snap.StateHash[:], hash)
	snap.Slot = uint64(slot)
	return &snap, nil
}

// RecentRequestKeys returns up to limit composite idempotency keys
// ("<tag>:<request id>"), oldest first, for warming the LRU.
func (ss *SnapshotStore) RecentRequestKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT tag || ':' || request_id
		FROM percolator.processed_requests
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}

// GetLatestSequence returns the highest committed receipt sequence.
func (ss *SnapshotStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := ss.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM percolator.receipts
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
