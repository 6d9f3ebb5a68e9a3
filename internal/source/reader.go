// Package source implements the Source Reader stage: it expands path
// patterns, checks that matched files agree on their columns, and streams
// their contents as Arrow record batches. Hive partition values are taken
// from key=value path segments and appended as columns.
//
// Files are read in lexical path order and row groups in file order. The
// DuckDB-backed reader gives no ordering guarantee.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"tickpipe/internal/logger"
	"tickpipe/internal/objstore"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/table"
)

// Options configures a read.
type Options struct {
	// Partitioning lists hive keys read from the path.
	Partitioning []string

	// Columns projects file columns; empty reads all.
	Columns []string

	// Schema optionally types partition columns; undeclared keys are categories.
	Schema []table.Column

	// BatchSize caps rows per record batch.
	BatchSize int

	// Where is a SQL predicate pushed into the DuckDB reader.
	Where string

	Mem memory.Allocator
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 64 * 1024
	}
	if o.Mem == nil {
		o.Mem = memory.DefaultAllocator
	}
}

// partitionFields returns the Arrow fields appended for hive keys.
func (o *Options) partitionFields() []arrow.Field {
	declared := map[string]table.Column{}
	for _, c := range o.Schema {
		declared[c.Name] = c
	}
	fields := make([]arrow.Field, len(o.Partitioning))
	for i, k := range o.Partitioning {
		col, ok := declared[k]
		if !ok {
			col = table.Column{Name: k, Kind: table.KindCategory}
		}
		col.Nullable = true
		fields[i] = col.Field()
	}
	return fields
}

// Read is the full reader contract: resolve patterns, check schemas and open
// a stream over every matched file.
func Read(ctx context.Context, store objstore.Store, patterns []string, opts Options) (table.Stream, error) {
	files, err := Resolve(ctx, store, patterns)
	if err != nil {
		return nil, err
	}
	if _, err := Inspect(ctx, store, files, opts.Partitioning); err != nil {
		return nil, err
	}
	return Open(ctx, store, files, opts)
}

// Open streams already resolved and inspected files with the Parquet reader.
func Open(ctx context.Context, store objstore.Store, files []string, opts Options) (table.Stream, error) {
	opts.defaults()
	if len(files) == 0 {
		return nil, pipeerr.Newf(pipeerr.SourceNotFound, stage, "", "no files to read")
	}
	if len(opts.Columns) > 0 && onlyPartitionKeys(opts.Columns, opts.Partitioning) {
		return nil, pipeerr.Newf(pipeerr.ConfigError, stage, "source.columns",
			"projection %v names only partition keys; list at least one file column", opts.Columns)
	}
	s := &parquetStream{store: store, files: files, opts: opts, log: logger.Stage(stage), start: time.Now()}
	if err := s.openNext(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type parquetStream struct {
	store objstore.Store
	files []string
	opts  Options

	schema *arrow.Schema
	next   int // index of the next file to open

	cur struct {
		path  string
		f     objstore.File
		pf    *file.Reader
		rr    pqarrow.RecordReader
		parts []*string
	}

	rows  int64
	log   *slog.Logger
	start time.Time
}

func (s *parquetStream) Schema() *arrow.Schema { return s.schema }

func (s *parquetStream) openNext(ctx context.Context) error {
	path := s.files[s.next]
	s.next++

	f, err := s.store.Open(ctx, path)
	if err != nil {
		return pipeerr.New(pipeerr.IOError, stage, path, err)
	}
	pf, err := file.NewParquetReader(f)
	if err != nil {
		f.Close()
		return pipeerr.New(pipeerr.IOError, stage, path, err)
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(s.opts.BatchSize)}, s.opts.Mem)
	if err != nil {
		pf.Close()
		f.Close()
		return pipeerr.New(pipeerr.IOError, stage, path, err)
	}

	var cols []int
	for _, name := range s.opts.Columns {
		if contains(s.opts.Partitioning, name) {
			continue
		}
		idx := pf.MetaData().Schema.ColumnIndexByName(name)
		if idx < 0 {
			pf.Close()
			f.Close()
			return pipeerr.Newf(pipeerr.ConfigError, stage, path, "projected column %q not in file", name)
		}
		cols = append(cols, idx)
	}
	rr, err := fr.GetRecordReader(ctx, cols, nil)
	if err != nil {
		pf.Close()
		f.Close()
		return pipeerr.New(pipeerr.IOError, stage, path, err)
	}

	vals, err := HiveValues(path, s.opts.Partitioning)
	if err != nil {
		rr.Release()
		pf.Close()
		f.Close()
		return pipeerr.New(pipeerr.SchemaConflict, stage, path, err)
	}
	parts := make([]*string, len(s.opts.Partitioning))
	for i, k := range s.opts.Partitioning {
		parts[i] = vals[k]
	}

	fields := append(append([]arrow.Field(nil), rr.Schema().Fields()...), s.opts.partitionFields()...)
	schema := arrow.NewSchema(fields, nil)
	if s.schema == nil {
		s.schema = schema
	} else if !s.schema.Equal(schema) {
		rr.Release()
		pf.Close()
		f.Close()
		return pipeerr.Newf(pipeerr.SchemaConflict, stage, path, "arrow schema %s differs from %s", schema, s.schema)
	}

	s.cur.path, s.cur.f, s.cur.pf, s.cur.rr, s.cur.parts = path, f, pf, rr, parts
	return nil
}

func (s *parquetStream) closeCurrent() {
	if s.cur.rr != nil {
		s.cur.rr.Release()
		s.cur.rr = nil
	}
	if s.cur.pf != nil {
		s.cur.pf.Close()
		s.cur.pf = nil
	}
	if s.cur.f != nil {
		_ = s.cur.f.Close() // may already be closed by the parquet reader
		s.cur.f = nil
	}
}

func (s *parquetStream) Next(ctx context.Context) (arrow.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.cur.rr == nil {
			return nil, io.EOF
		}
		if s.cur.rr.Next() {
			rec := s.cur.rr.Record()
			if rec.NumRows() == 0 {
				continue
			}
			out, err := s.withPartitions(rec)
			if err != nil {
				return nil, pipeerr.New(pipeerr.SchemaConflict, stage, s.cur.path, err)
			}
			s.rows += out.NumRows()
			return out, nil
		}
		if err := s.cur.rr.Err(); err != nil && err != io.EOF {
			return nil, pipeerr.New(pipeerr.IOError, stage, s.cur.path, err)
		}
		s.closeCurrent()
		if s.next >= len(s.files) {
			s.log.Info("source drained", "files", len(s.files), "rows", s.rows, logger.Elapsed(s.start))
			return nil, io.EOF
		}
		if err := s.openNext(ctx); err != nil {
			return nil, err
		}
	}
}

// withPartitions appends constant hive columns to a reader-owned batch and
// returns a record owned by the caller.
func (s *parquetStream) withPartitions(rec arrow.Record) (arrow.Record, error) {
	if len(s.cur.parts) == 0 {
		rec.Retain()
		return rec, nil
	}
	n := int(rec.NumRows())
	cols := make([]arrow.Array, 0, rec.NumCols()+int64(len(s.cur.parts)))
	cols = append(cols, rec.Columns()...)
	var built []arrow.Array
	defer func() {
		for _, a := range built {
			a.Release()
		}
	}()
	pfields := s.opts.partitionFields()
	for i, v := range s.cur.parts {
		kind, _ := table.KindOf(pfields[i].Type)
		val, err := parseValue(kind, v)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", pfields[i].Name, err)
		}
		arr, err := table.NewConstant(s.opts.Mem, kind, val, n)
		if err != nil {
			return nil, err
		}
		built = append(built, arr)
		cols = append(cols, arr)
	}
	return array.NewRecord(s.schema, cols, int64(n)), nil
}

func (s *parquetStream) Close() error {
	s.closeCurrent()
	s.next = len(s.files)
	return nil
}

// parseValue converts a hive path value to a Record value of kind.
func parseValue(kind table.Kind, v *string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case table.KindInt, table.KindTimestamp:
		return strconv.ParseInt(*v, 10, 64)
	case table.KindFloat:
		return strconv.ParseFloat(*v, 64)
	case table.KindBool:
		return strconv.ParseBool(*v)
	}
	return *v, nil
}

// onlyPartitionKeys reports whether every projected column is a hive key, which
// would leave the Parquet reader with no file column to project.
func onlyPartitionKeys(cols, partitioning []string) bool {
	for _, c := range cols {
		if !contains(partitioning, c) {
			return false
		}
	}
	return true
}

func contains(xs []string, x string) bool {
	for _, y := range xs {
		if y == x {
			return true
		}
	}
	return false
}
