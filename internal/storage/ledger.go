package storage

import (
	"context"
	"fmt"
	"time"

	"tickpipe/internal/sink"
)

// LedgerColumns is the column order used by RecordReport.
var LedgerColumns = []string{
	"run_id", "job", "file_path", "partition_path", "shard",
	"row_count", "byte_count", "skipped_rows", "committed_at",
}

// LedgerTable describes the ledger: one row per committed file.
func LedgerTable(fqn string) TableDef {
	return TableDef{
		FQN: fqn,
		Columns: []ColumnDef{
			{Name: "run_id", Type: TypeText},
			{Name: "job", Type: TypeText},
			{Name: "file_path", Type: TypeText},
			{Name: "partition_path", Type: TypeText},
			{Name: "shard", Type: TypeInt},
			{Name: "row_count", Type: TypeBigInt},
			{Name: "byte_count", Type: TypeBigInt},
			{Name: "skipped_rows", Type: TypeBigInt},
			{Name: "committed_at", Type: TypeTimestamp},
		},
	}
}

// Ledger records committed runs.
type Ledger struct {
	Kind  string
	Table string
	Repo  Repository
}

// OpenLedger opens the repository for cfg and creates the ledger table if
// it does not exist.
func OpenLedger(ctx context.Context, cfg Config) (*Ledger, error) {
	repo, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := EnsureTable(ctx, cfg.Kind, repo, LedgerTable(cfg.Table)); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ledger: create %s: %w", cfg.Table, err)
	}
	return &Ledger{Kind: cfg.Kind, Table: cfg.Table, Repo: repo}, nil
}

// LedgerRows converts rep into ledger rows. Run-level skipped rows are
// repeated on every row.
func LedgerRows(job string, rep *sink.WriteReport, at time.Time) [][]any {
	rows := make([][]any, 0, len(rep.Files))
	for _, f := range rep.Files {
		rows = append(rows, []any{
			rep.RunID, job, f.Path, f.Partition, f.Shard,
			f.Rows, f.Bytes, rep.Skipped, at.UTC(),
		})
	}
	return rows
}

// Record inserts one row per file of rep.
func (l *Ledger) Record(ctx context.Context, job string, rep *sink.WriteReport) (int64, error) {
	rows := LedgerRows(job, rep, time.Now())
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := l.Repo.CopyFrom(ctx, LedgerColumns, rows)
	if err != nil {
		return n, fmt.Errorf("ledger: record run %s: %w", rep.RunID, err)
	}
	return n, nil
}

// Close releases the repository.
func (l *Ledger) Close() { l.Repo.Close() }
