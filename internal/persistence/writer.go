package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"Percolator/internal/core"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ReceiptRow represents a row in percolator.receipts
type ReceiptRow struct {
	Sequence  int64
	RequestID uuid.UUID
	Tag       string
	Slot      int64
	StateHash []byte
	Outcome   []byte // JSON-encoded core.Outcome
}

// ProcessedRow represents a row in percolator.processed_requests
type ProcessedRow struct {
	Tag       string
	RequestID string
	Sequence  int64
}

// ReceiptWriter writes receipts and processed request ids using
// multi-row INSERTs.
type ReceiptWriter struct{}

func NewReceiptWriter() *ReceiptWriter {
	return &ReceiptWriter{}
}

// RowsFromReceipt converts a committed receipt into its table rows.
func RowsFromReceipt(r *core.Receipt) (ReceiptRow, ProcessedRow, error) {
	outcome, err := json.Marshal(r.Outcome)
	if err != nil {
		return ReceiptRow{}, ProcessedRow{}, fmt.Errorf("marshal outcome: %w", err)
	}
	tag := r.Tag.String()
	rr := ReceiptRow{
		Sequence:  r.Sequence,
		RequestID: r.RequestID,
		Tag:       tag,
		Slot:      int64(r.Slot),
		StateHash: append([]byte(nil), r.StateHash[:]...),
		Outcome:   outcome,
	}
	pr := ProcessedRow{
		Tag:       tag,
		RequestID: r.RequestID.String(),
		Sequence:  r.Sequence,
	}
	return rr, pr, nil
}

// WriteReceiptBatch writes a batch of receipts to percolator.receipts.
func (w *ReceiptWriter) WriteReceiptBatch(ctx context.Context, db execer, receipts []ReceiptRow) error {
	if len(receipts) == 0 {
		return nil
	}

	query := `INSERT INTO percolator.receipts
		(sequence, request_id, tag, slot, state_hash, outcome)
		VALUES `

	values := make([]string, 0, len(receipts))
	args := make([]any, 0, len(receipts)*6)

	for i, r := range receipts {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.Sequence, r.RequestID, r.Tag, r.Slot, r.StateHash, r.Outcome,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteProcessedBatch records request ids for tier-2 deduplication.
func (w *ReceiptWriter) WriteProcessedBatch(ctx context.Context, db execer, rows []ProcessedRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO percolator.processed_requests
		(tag, request_id, sequence)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*3)

	for i, r := range rows {
		base := i * 3
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, r.Tag, r.RequestID, r.Sequence)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (tag, request_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}
