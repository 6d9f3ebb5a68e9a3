// Package sqlite registers the "sqlite" storage kind (modernc.org/sqlite, no
// cgo). DSNs are file paths or "file:" URIs.
package sqlite

import (
	"context"
	"strings"

	_ "modernc.org/sqlite"

	"tickpipe/internal/storage"
	"tickpipe/internal/storage/sqlrepo"
)

// Dialect renders SQLite DDL.
var Dialect = storage.Dialect{
	Quote: func(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` },
	Types: map[storage.ColumnType]string{
		storage.TypeText:      "TEXT",
		storage.TypeBigInt:    "INTEGER",
		storage.TypeInt:       "INTEGER",
		storage.TypeTimestamp: "TIMESTAMP",
	},
}

// NewRepository opens dsn. WAL mode lets concurrent runs append to one
// ledger file.
func NewRepository(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sqlrepo.Open(ctx, "sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL;")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;")
	return &sqlrepo.Repository{DB: db, Table: cfg.Table, Quote: Dialect.Quote, Name: "sqlite"}, nil
}

// newRepository is replaced in tests.
var newRepository = NewRepository

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return newRepository(ctx, cfg)
	})
	storage.RegisterDDL("sqlite", storage.DialectDDL(Dialect))
}
