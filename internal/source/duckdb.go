package source

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"tickpipe/internal/logger"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/probe"
	"tickpipe/internal/table"
)

// BuildQuery renders the read_parquet query used by the DuckDB reader.
// fileCols are the columns stored in the files; hive keys are appended by
// DuckDB's hive partitioning and typed as VARCHAR to match the Parquet reader.
func BuildQuery(files, fileCols, partitioning []string, where string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	cols := append(append([]string(nil), fileCols...), partitioning...)
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(" FROM read_parquet([")
	for i, f := range files {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteString(f))
	}
	b.WriteString("]")
	if len(partitioning) > 0 {
		b.WriteString(", hive_partitioning = true, hive_types_autocast = false")
	}
	b.WriteString(")")
	if strings.TrimSpace(where) != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	return b.String()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// OpenDuckDB streams files through the DuckDB engine, pushing opts.Where into
// the scan. infos are the footers returned by Inspect. Row order across and
// within files is unspecified.
func OpenDuckDB(ctx context.Context, db *sql.DB, files []string, infos []probe.Info, opts Options) (table.Stream, error) {
	opts.defaults()
	if len(files) == 0 || len(infos) == 0 {
		return nil, pipeerr.Newf(pipeerr.SourceNotFound, stage, "", "no files to read")
	}
	fileCols := opts.Columns
	if len(fileCols) == 0 {
		for _, c := range infos[0].Columns {
			fileCols = append(fileCols, c.Name)
		}
	} else {
		fileCols = nil
		for _, c := range opts.Columns {
			if !contains(opts.Partitioning, c) {
				fileCols = append(fileCols, c)
			}
		}
	}
	query := BuildQuery(files, fileCols, opts.Partitioning, opts.Where)
	log := logger.Stage(stage)
	log.Debug("duckdb query", "sql", query)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, pipeerr.New(pipeerr.IOError, stage, files[0], fmt.Errorf("duckdb: %w", err))
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, pipeerr.New(pipeerr.IOError, stage, files[0], err)
	}

	declared := map[string]table.Column{}
	for _, c := range opts.Schema {
		declared[c.Name] = c
	}
	fields := make([]arrow.Field, len(types))
	kinds := make([]table.Kind, len(types))
	for i, ct := range types {
		kind, ok := duckKind(ct.DatabaseTypeName())
		if !ok {
			rows.Close()
			return nil, pipeerr.Newf(pipeerr.SchemaConflict, stage, ct.Name(), "unsupported DuckDB type %s", ct.DatabaseTypeName())
		}
		if d, ok := declared[ct.Name()]; ok && contains(opts.Partitioning, ct.Name()) {
			kind = d.Kind
		}
		kinds[i] = kind
		fields[i] = table.Column{Name: ct.Name(), Kind: kind, Nullable: true}.Field()
	}
	return &duckStream{
		rows:   rows,
		schema: arrow.NewSchema(fields, nil),
		kinds:  kinds,
		opts:   opts,
		start:  time.Now(),
	}, nil
}

// duckKind maps DuckDB type names onto column kinds.
func duckKind(name string) (table.Kind, bool) {
	switch {
	case strings.HasPrefix(name, "TIMESTAMP"):
		return table.KindTimestamp, true
	}
	switch name {
	case "BIGINT", "INTEGER", "SMALLINT", "TINYINT", "UBIGINT", "UINTEGER", "USMALLINT", "UTINYINT":
		return table.KindInt, true
	case "DOUBLE", "FLOAT", "REAL":
		return table.KindFloat, true
	case "VARCHAR":
		return table.KindCategory, true
	case "BOOLEAN":
		return table.KindBool, true
	}
	return table.KindInvalid, false
}

type duckStream struct {
	rows   *sql.Rows
	schema *arrow.Schema
	kinds  []table.Kind
	opts   Options
	total  int64
	done   bool
	start  time.Time
}

func (s *duckStream) Schema() *arrow.Schema { return s.schema }

func (s *duckStream) Next(ctx context.Context) (arrow.Record, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	builders := make([]array.Builder, len(s.kinds))
	for i, k := range s.kinds {
		builders[i] = array.NewBuilder(s.opts.Mem, k.DataType())
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	dest := make([]any, len(s.kinds))
	for i, k := range s.kinds {
		dest[i] = scanTarget(k)
	}

	n := 0
	for n < s.opts.BatchSize && s.rows.Next() {
		if err := s.rows.Scan(dest...); err != nil {
			return nil, pipeerr.New(pipeerr.IOError, stage, "duckdb", err)
		}
		for i := range s.kinds {
			if err := table.AppendValue(builders[i], scanned(dest[i])); err != nil {
				return nil, pipeerr.New(pipeerr.SchemaConflict, stage, s.schema.Field(i).Name, err)
			}
		}
		n++
	}
	if n < s.opts.BatchSize {
		if err := s.rows.Err(); err != nil {
			return nil, pipeerr.New(pipeerr.IOError, stage, "duckdb", err)
		}
		s.done = true
		if n == 0 {
			s.finish()
			return nil, io.EOF
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	rec := array.NewRecord(s.schema, cols, int64(n))
	for _, c := range cols {
		c.Release()
	}
	s.total += int64(n)
	if s.done {
		s.finish()
	}
	return rec, nil
}

func (s *duckStream) finish() {
	logger.Stage(stage).Info("duckdb source drained", "rows", s.total, logger.Elapsed(s.start))
	s.rows.Close()
}

func (s *duckStream) Close() error {
	s.done = true
	return s.rows.Close()
}

func scanTarget(k table.Kind) any {
	switch k {
	case table.KindInt:
		return new(sql.NullInt64)
	case table.KindFloat:
		return new(sql.NullFloat64)
	case table.KindTimestamp:
		return new(sql.NullTime)
	case table.KindBool:
		return new(sql.NullBool)
	}
	return new(sql.NullString)
}

func scanned(v any) any {
	switch x := v.(type) {
	case *sql.NullInt64:
		if x.Valid {
			return x.Int64
		}
	case *sql.NullFloat64:
		if x.Valid {
			return x.Float64
		}
	case *sql.NullTime:
		if x.Valid {
			return x.Time.UnixNano()
		}
	case *sql.NullBool:
		if x.Valid {
			return x.Bool
		}
	case *sql.NullString:
		if x.Valid {
			return x.String
		}
	}
	return nil
}
