package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/persistence"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func output(seq int64, slab []byte) core.CoreOutput {
	return core.CoreOutput{
		Receipt: &core.Receipt{
			RequestID: uuid.New(),
			Sequence:  seq,
			Slot:      uint64(100 + seq),
			Tag:       event.TagDeposit,
			StateHash: [32]byte{byte(seq)},
			Outcome:   core.Outcome{AccountIdx: 1, Amount: 500},
		},
		SlabBytes: slab,
	}
}

// ============================================================================
// Migrator
// ============================================================================

func TestMigratorUpAppliesPending(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS public.schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM public.schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS percolator`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO public.schema_migrations`).
		WithArgs("000001", "000001_percolator.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := persistence.NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	expectationsMet(t, mock)
}

func TestMigratorUpSkipsApplied(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS public.schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM public.schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))

	if err := persistence.NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	expectationsMet(t, mock)
}

func TestMigratorStatus(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS public.schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM public.schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))

	got, err := persistence.NewMigrator(db).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(got) != 1 || got[0].Version != "000001" || got[0].UpFile != "000001_percolator.up.sql" || !got[0].Applied {
		t.Errorf("status = %+v", got)
	}
	expectationsMet(t, mock)
}

func TestMigratorDownRollsBackLatest(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS public.schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, filename FROM public.schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).
			AddRow("000001", "000001_percolator.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`DROP TABLE IF EXISTS percolator.snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM public.schema_migrations`).
		WithArgs("000001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := persistence.NewMigrator(db).Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	expectationsMet(t, mock)
}

// ============================================================================
// Idempotency
// ============================================================================

func TestPostgresIdempotencyChecker(t *testing.T) {
	query := regexp.QuoteMeta(`FROM percolator.processed_requests`)

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		want      bool
		wantErr   bool
	}{
		{
			name: "found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(query).WithArgs("Deposit", "r1").
					WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
			},
			want: true,
		},
		{
			name: "not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(query).WithArgs("Deposit", "r1").
					WillReturnError(sql.ErrNoRows)
			},
			want: false,
		},
		{
			name: "database error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(query).WithArgs("Deposit", "r1").
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			tt.mockSetup(mock)

			got, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("Deposit", "r1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("duplicate = %v, want %v", got, tt.want)
			}
			expectationsMet(t, mock)
		})
	}
}

// ============================================================================
// Snapshots
// ============================================================================

func TestLoadLatestColdStart(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`FROM percolator.snapshots`).WillReturnError(sql.ErrNoRows)

	snap, err := persistence.NewSnapshotStore(db).LoadLatest(context.Background())
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if snap != nil {
		t.Errorf("snapshot = %+v, want nil", snap)
	}
}

func TestLoadLatestDecodesRow(t *testing.T) {
	db, mock := newMock(t)
	hash := make([]byte, 32)
	hash[0] = 0xab
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`FROM percolator.snapshots`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "slot", "state_hash", "slab", "created_at"}).
			AddRow(int64(42), int64(9000), hash, []byte{1, 2, 3}, created))

	snap, err := persistence.NewSnapshotStore(db).LoadLatest(context.Background())
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if snap.Sequence != 42 || snap.Slot != 9000 || snap.StateHash[0] != 0xab || len(snap.Slab) != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLoadLatestRejectsShortHash(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`FROM percolator.snapshots`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "slot", "state_hash", "slab", "created_at"}).
			AddRow(int64(1), int64(1), []byte{1}, nil, time.Now()))

	if _, err := persistence.NewSnapshotStore(db).LoadLatest(context.Background()); err == nil {
		t.Error("expected an error for a truncated state hash")
	}
}

func TestRecentRequestKeysOldestFirst(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`FROM percolator.processed_requests`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("Deposit:c").AddRow("Deposit:b").AddRow("Deposit:a"))

	keys, err := persistence.NewSnapshotStore(db).RecentRequestKeys(context.Background(), 3)
	if err != nil {
		t.Fatalf("RecentRequestKeys: %v", err)
	}
	want := []string{"Deposit:a", "Deposit:b", "Deposit:c"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

// ============================================================================
// Writer & worker
// ============================================================================

func TestRowsFromReceipt(t *testing.T) {
	out := output(7, nil)
	rr, pr, err := persistence.RowsFromReceipt(out.Receipt)
	if err != nil {
		t.Fatalf("RowsFromReceipt: %v", err)
	}
	if rr.Tag != "Deposit" || rr.Sequence != 7 || rr.Slot != 107 || len(rr.StateHash) != 32 {
		t.Errorf("receipt row = %+v", rr)
	}
	if pr.RequestID != out.Receipt.RequestID.String() || pr.Tag != "Deposit" {
		t.Errorf("processed row = %+v", pr)
	}
	if !regexp.MustCompile(`"amount":500`).Match(rr.Outcome) {
		t.Errorf("outcome json = %s", rr.Outcome)
	}
}

func TestWriteReceiptBatchEmptyIsNoop(t *testing.T) {
	db, mock := newMock(t)
	w := persistence.NewReceiptWriter()
	if err := w.WriteReceiptBatch(context.Background(), db, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteProcessedBatch(context.Background(), db, nil); err != nil {
		t.Fatal(err)
	}
	expectationsMet(t, mock)
}

func TestWorkerFlushesOnClose(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO percolator.receipts`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO percolator.processed_requests`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO percolator.snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 2)
	in <- output(1, []byte{0x01})
	in <- output(2, []byte{0x02})
	close(in)

	w := persistence.NewPersistenceWorker(db, in, persistence.WorkerConfig{
		BatchSize:     10,
		FlushTimeout:  time.Hour,
		SnapshotEvery: 2,
	}, nil, zerolog.Nop())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	expectationsMet(t, mock)
}

func TestWorkerSkipsSnapshotBeforeBoundary(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO percolator.receipts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO percolator.processed_requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- output(11, []byte{0x01})
	close(in)

	w := persistence.NewPersistenceWorker(db, in, persistence.WorkerConfig{
		BatchSize:     10,
		FlushTimeout:  time.Hour,
		SnapshotEvery: 10,
	}, nil, zerolog.Nop())
	w.ResumeFrom(10)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	expectationsMet(t, mock)
}

func TestWorkerReportsWriteFailureOnClose(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO percolator.receipts`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	in := make(chan core.CoreOutput, 1)
	in <- output(1, nil)
	close(in)

	w := persistence.NewPersistenceWorker(db, in, persistence.WorkerConfig{
		BatchSize:    10,
		FlushTimeout: time.Hour,
	}, nil, zerolog.Nop())

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected the final flush error")
	}
	expectationsMet(t, mock)
}
