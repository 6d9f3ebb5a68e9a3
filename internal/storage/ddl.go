package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ColumnType is a portable column type; each Dialect maps it to SQL.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeBigInt
	TypeInt
	TypeTimestamp
)

// ColumnDef describes one column of a table.
type ColumnDef struct {
	Name       string
	Type       ColumnType
	Nullable   bool
	PrimaryKey bool
}

// TableDef describes a table. FQN may be schema-qualified ("ops.runs").
type TableDef struct {
	FQN     string
	Columns []ColumnDef
}

// Dialect holds the SQL details a backend contributes to DDL rendering.
type Dialect struct {
	// Quote quotes one identifier segment.
	Quote func(string) string
	// Types maps portable types to SQL types.
	Types map[ColumnType]string
	// Wrap turns the quoted table name and column body into the final
	// statement. Nil renders CREATE TABLE IF NOT EXISTS.
	Wrap func(fqn, body string) string
}

// QuoteFQN quotes each dot-separated segment of name.
func (d Dialect) QuoteFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.Quote(p)
	}
	return strings.Join(parts, ".")
}

// BuildCreateTableSQL renders t for dialect d:
//
//	CREATE TABLE IF NOT EXISTS "t" (
//	  "c1" TYPE NOT NULL,
//	  "c2" TYPE,
//	  PRIMARY KEY ("c1")
//	)
func BuildCreateTableSQL(t TableDef, d Dialect) (string, error) {
	fqn := strings.TrimSpace(t.FQN)
	if fqn == "" {
		return "", fmt.Errorf("ddl: table FQN must not be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("ddl: at least one column is required")
	}

	lines := make([]string, 0, len(t.Columns)+1)
	var pks []string
	for _, c := range t.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return "", fmt.Errorf("ddl: column with empty name in table %s", fqn)
		}
		typ, ok := d.Types[c.Type]
		if !ok {
			return "", fmt.Errorf("ddl: no SQL type for column %s", name)
		}
		line := "  " + d.Quote(name) + " " + typ
		if !c.Nullable {
			line += " NOT NULL"
		}
		lines = append(lines, line)
		if c.PrimaryKey {
			pks = append(pks, d.Quote(name))
		}
	}
	if len(pks) > 0 {
		lines = append(lines, "  PRIMARY KEY ("+strings.Join(pks, ", ")+")")
	}
	body := "(\n" + strings.Join(lines, ",\n") + "\n)"
	q := d.QuoteFQN(fqn)
	if d.Wrap != nil {
		return d.Wrap(q, body), nil
	}
	return "CREATE TABLE IF NOT EXISTS " + q + " " + body, nil
}

// DDLBootstrapper creates def through repo using a backend's dialect.
type DDLBootstrapper func(ctx context.Context, repo Repository, def TableDef) error

var (
	ddlMu  sync.RWMutex
	ddlFns = map[string]DDLBootstrapper{}
)

// RegisterDDL registers (or replaces) the DDL bootstrapper for kind.
func RegisterDDL(kind string, fn DDLBootstrapper) {
	ddlMu.Lock()
	defer ddlMu.Unlock()
	ddlFns[kind] = fn
}

// DialectDDL returns a bootstrapper that renders with d and runs repo.Exec.
func DialectDDL(d Dialect) DDLBootstrapper {
	return func(ctx context.Context, repo Repository, def TableDef) error {
		stmt, err := BuildCreateTableSQL(def, d)
		if err != nil {
			return err
		}
		return repo.Exec(ctx, stmt)
	}
}

// EnsureTable creates def with the bootstrapper registered for kind.
func EnsureTable(ctx context.Context, kind string, repo Repository, def TableDef) error {
	ddlMu.RLock()
	fn, ok := ddlFns[kind]
	ddlMu.RUnlock()
	if !ok {
		return fmt.Errorf("no DDL bootstrapper registered for storage kind %q", kind)
	}
	return fn(ctx, repo, def)
}
