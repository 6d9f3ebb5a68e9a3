// Package mysql registers the "mysql" storage kind (go-sql-driver/mysql).
package mysql

import (
	"context"
	"fmt"
	"strings"

	driver "github.com/go-sql-driver/mysql"

	"tickpipe/internal/storage"
	"tickpipe/internal/storage/sqlrepo"
)

// Dialect renders MySQL DDL.
var Dialect = storage.Dialect{
	Quote: func(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" },
	Types: map[storage.ColumnType]string{
		storage.TypeText:      "TEXT",
		storage.TypeBigInt:    "BIGINT",
		storage.TypeInt:       "INT",
		storage.TypeTimestamp: "DATETIME(6)",
	},
}

// NewRepository validates and opens dsn. parseTime is forced on so
// DATETIME columns round-trip as time.Time.
func NewRepository(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dc, err := driver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	dc.ParseTime = true
	db, err := sqlrepo.Open(ctx, "mysql", dc.FormatDSN())
	if err != nil {
		return nil, err
	}
	return &sqlrepo.Repository{DB: db, Table: cfg.Table, Quote: Dialect.Quote, Name: "mysql"}, nil
}

var newRepository = NewRepository

func init() {
	storage.Register("mysql", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return newRepository(ctx, cfg)
	})
	storage.RegisterDDL("mysql", storage.DialectDDL(Dialect))
}
