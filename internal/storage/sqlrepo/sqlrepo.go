// Package sqlrepo is a database/sql Repository for drivers without a bulk
// load API: rows are inserted through one prepared statement inside a
// transaction. The sqlite and mysql backends build on it.
package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Repository inserts into Table over db.
type Repository struct {
	DB    *sql.DB
	Table string
	// Quote quotes an identifier segment.
	Quote func(string) string
	// Name prefixes error messages, e.g. "sqlite".
	Name string
}

// Open opens driver with dsn and pings it.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s: DSN must not be empty", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", driver, err)
	}
	return db, nil
}

func (r *Repository) quoteFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = r.Quote(p)
	}
	return strings.Join(parts, ".")
}

// InsertSQL renders the prepared INSERT for columns.
func (r *Repository) InsertSQL(columns []string) string {
	cols := make([]string, len(columns))
	ph := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = r.Quote(c)
		ph[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		r.quoteFQN(r.Table), strings.Join(cols, ", "), strings.Join(ph, ", "))
}

// CopyFrom inserts rows in a single transaction.
func (r *Repository) CopyFrom(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("%s: CopyFrom: columns must not be empty", r.Name)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: begin tx: %w", r.Name, err)
	}
	stmt, err := tx.PrepareContext(ctx, r.InsertSQL(columns))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("%s: prepare insert: %w", r.Name, err)
	}
	defer stmt.Close()

	var inserted int64
	for _, row := range rows {
		if len(row) != len(columns) {
			_ = tx.Rollback()
			return 0, fmt.Errorf("%s: CopyFrom: row length %d != columns length %d", r.Name, len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("%s: insert: %w", r.Name, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: commit: %w", r.Name, err)
	}
	return inserted, nil
}

// Exec runs one statement; blank statements are ignored.
func (r *Repository) Exec(ctx context.Context, stmt string) error {
	if strings.TrimSpace(stmt) == "" {
		return nil
	}
	if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%s: exec: %w", r.Name, err)
	}
	return nil
}

// Close closes the pool.
func (r *Repository) Close() { _ = r.DB.Close() }
