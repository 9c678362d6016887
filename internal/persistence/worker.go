package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"Percolator/internal/core"
	"Percolator/internal/observability"

	"github.com/rs/zerolog"
)

// WorkerConfig tunes batching and snapshot cadence.
type WorkerConfig struct {
	BatchSize     int
	FlushTimeout  time.Duration
	SnapshotEvery int64 // sequences between snapshots; 0 disables
}

// PersistenceWorker drains the persist channel and batch-writes receipts,
// processed request ids and periodic slab snapshots to Postgres.
// The controller sends on the persist channel with a blocking send, so if
// this worker falls behind the controller stalls and no receipt is lost.
type PersistenceWorker struct {
	db        *sql.DB
	writer    *ReceiptWriter
	snapshots *SnapshotStore
	inputChan <-chan core.CoreOutput
	cfg       WorkerConfig
	metrics   *observability.Metrics
	log       zerolog.Logger

	lastSnapshotSeq int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	cfg WorkerConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		db:        db,
		writer:    NewReceiptWriter(),
		snapshots: NewSnapshotStore(db),
		inputChan: inputChan,
		cfg:       cfg,
		metrics:   metrics,
		log:       log,
	}
}

// ResumeFrom tells the worker which sequence the restored snapshot covers.
func (pw *PersistenceWorker) ResumeFrom(sequence int64) {
	pw.lastSnapshotSeq = sequence
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.cfg.BatchSize)

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.log.Error().Err(err).Int("receipts", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.log.Error().Err(err).Int("receipts", len(batch)).Msg("final flush failed")
						return err
					}
				}
				return nil
			}

			batch = append(batch, output)

			if len(batch) >= pw.cfg.BatchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. The worker never drops a batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("receipts", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	receipts := make([]ReceiptRow, 0, len(batch))
	processed := make([]ProcessedRow, 0, len(batch))
	for _, out := range batch {
		rr, pr, err := RowsFromReceipt(out.Receipt)
		if err != nil {
			pw.countError("encode")
			return err
		}
		receipts = append(receipts, rr)
		processed = append(processed, pr)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteReceiptBatch(ctx, tx, receipts); err != nil {
		pw.countError("write_receipts")
		return err
	}

	if err := pw.writer.WriteProcessedBatch(ctx, tx, processed); err != nil {
		pw.countError("write_processed")
		return err
	}

	last := batch[len(batch)-1]
	snapshotDue := pw.snapshotDue(last.Receipt.Sequence)
	var snap *Snapshot
	if snapshotDue {
		snap = &Snapshot{
			Sequence:  last.Receipt.Sequence,
			Slot:      last.Receipt.Slot,
			StateHash: last.Receipt.StateHash,
			Slab:      last.SlabBytes,
			CreatedAt: time.Now().UTC(),
		}
		if err := pw.snapshots.Save(ctx, tx, snap); err != nil {
			pw.countError("write_snapshot")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if snapshotDue {
		pw.lastSnapshotSeq = snap.Sequence
		pw.log.Info().Int64("seq", snap.Sequence).Int("bytes", len(snap.Slab)).Msg("snapshot saved")
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistReceiptsWritten.Add(float64(len(batch)))
		pw.metrics.PersistLastSequence.Set(float64(last.Receipt.Sequence))
		if snapshotDue {
			pw.metrics.SnapshotTaken.Inc()
			pw.metrics.SnapshotSizeBytes.Set(float64(len(snap.Slab)))
			pw.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
			pw.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		}
	}

	return nil
}

// snapshotDue reports whether seq crosses a snapshot boundary since the
// last saved snapshot.
func (pw *PersistenceWorker) snapshotDue(seq int64) bool {
	n := pw.cfg.SnapshotEvery
	if n <= 0 {
		return false
	}
	return seq/n > pw.lastSnapshotSeq/n
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
