package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"tickpipe/internal/sink"
	"tickpipe/internal/storage"
	"tickpipe/internal/storage/sqlrepo"
)

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db"), Table: "tickpipe_runs"}

	l, err := storage.OpenLedger(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	defer l.Close()

	rep := &sink.WriteReport{
		RunID: "r1",
		Files: []sink.File{
			{Path: "out/symbol=A/part-r1-0000.parquet", Partition: "symbol=A", Rows: 2, Bytes: 100},
			{Path: "out/symbol=B/part-r1-0000.parquet", Partition: "symbol=B", Rows: 3, Bytes: 150},
		},
	}
	if n, err := l.Record(ctx, "ticks", rep); err != nil || n != 2 {
		t.Fatalf("Record() = %d, %v; want 2, nil", n, err)
	}

	// Reopening must not fail on the existing table.
	l2, err := storage.OpenLedger(ctx, cfg)
	if err != nil {
		t.Fatalf("second OpenLedger() error = %v", err)
	}
	defer l2.Close()

	db := l2.Repo.(*sqlrepo.Repository).DB
	var files, rows int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(row_count) FROM tickpipe_runs WHERE run_id = ?`, "r1").Scan(&files, &rows); err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	if files != 2 || rows != 5 {
		t.Fatalf("ledger has %d files / %d rows, want 2 / 5", files, rows)
	}
}

func TestEmptyDSN(t *testing.T) {
	if _, err := NewRepository(context.Background(), storage.Config{Table: "t"}); err == nil {
		t.Fatal("NewRepository(empty DSN) error = nil, want error")
	}
}

func TestInsertSQL(t *testing.T) {
	r := &sqlrepo.Repository{Table: "main.runs", Quote: Dialect.Quote}
	got := r.InsertSQL([]string{"run_id", "row_count"})
	want := `INSERT INTO "main"."runs" ("run_id", "row_count") VALUES (?, ?)`
	if got != want {
		t.Fatalf("InsertSQL() = %q, want %q", got, want)
	}
}

func TestRowLengthMismatch(t *testing.T) {
	ctx := context.Background()
	repo, err := NewRepository(ctx, storage.Config{DSN: filepath.Join(t.TempDir(), "x.db"), Table: "t"})
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	defer repo.Close()
	if err := repo.Exec(ctx, `CREATE TABLE t (a INTEGER, b INTEGER)`); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if _, err := repo.CopyFrom(ctx, []string{"a", "b"}, [][]any{{1}}); err == nil {
		t.Fatal("CopyFrom() with short row error = nil, want error")
	}
	if n, err := repo.CopyFrom(ctx, []string{"a", "b"}, nil); err != nil || n != 0 {
		t.Fatalf("CopyFrom(no rows) = %d, %v", n, err)
	}
}
