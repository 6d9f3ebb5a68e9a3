// Package sink implements the Partitioned Writer stage: rows are grouped by
// their partition key values into hive-style directories of compressed
// Parquet files, staged privately and published only on Commit.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"

	"tickpipe/internal/config"
	"tickpipe/internal/logger"
	"tickpipe/internal/objstore"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/source"
	"tickpipe/internal/table"
)

const (
	stage = "writer"

	// warnRatio is the share of MaxPartitions at which a warning is logged.
	warnRatio = 0.8
)

// Options configures a Writer.
type Options struct {
	Destination   string
	PartitionKeys []string
	Compression   string
	MaxPartitions int
	RunID         string
	Mem           memory.Allocator
	Logger        *slog.Logger
}

// Writer stages partitioned Parquet output. WriteStream may be called from
// several goroutines, one per shard; Commit or Abort ends the run.
type Writer struct {
	store   objstore.Store
	opts    Options
	codec   compress.Compression
	staging string
	log     *slog.Logger

	mu         sync.Mutex
	schema     *arrow.Schema
	fileSchema *arrow.Schema
	keyCols    []int
	seen       map[string]struct{}
	files      map[fileKey]*partFile
	warned     bool
	finished   bool
}

type fileKey struct {
	part  string
	shard int
}

type partFile struct {
	fileKey
	staged string
	f      *os.File
	w      *pqarrow.FileWriter
	rows   int64
}

// NewWriter prepares a run's staging area under opts.Destination.
func NewWriter(store objstore.Store, opts Options) (*Writer, error) {
	if strings.TrimSpace(opts.Destination) == "" {
		return nil, pipeerr.Newf(pipeerr.ConfigError, stage, "destination", "destination must not be empty")
	}
	codec, err := Codec(opts.Compression)
	if err != nil {
		return nil, err
	}
	if opts.MaxPartitions <= 0 {
		opts.MaxPartitions = config.DefaultMaxPartitions
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Mem == nil {
		opts.Mem = memory.DefaultAllocator
	}
	if opts.Logger == nil {
		opts.Logger = logger.Stage(stage)
	}
	staging, err := store.StagingDir(opts.Destination, opts.RunID)
	if err != nil {
		return nil, pipeerr.New(pipeerr.IOError, stage, opts.Destination, err)
	}
	return &Writer{
		store:   store,
		opts:    opts,
		codec:   codec,
		staging: staging,
		log:     opts.Logger.With("run_id", opts.RunID),
		seen:    map[string]struct{}{},
		files:   map[fileKey]*partFile{},
	}, nil
}

// RunID returns the run identifier used in file names.
func (w *Writer) RunID() string { return w.opts.RunID }

// WriteStream drains s into the staging area under the given shard id and
// returns the number of rows written. s is closed.
func (w *Writer) WriteStream(ctx context.Context, s table.Stream, shard int) (int64, error) {
	defer s.Close()
	var rows int64
	for {
		rec, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		err = w.WriteRecord(rec, shard)
		n := rec.NumRows()
		rec.Release()
		if err != nil {
			return rows, err
		}
		rows += n
	}
}

// WriteRecord stages one batch. The cardinality cap is checked before any
// row of the batch is written.
func (w *Writer) WriteRecord(rec arrow.Record, shard int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return pipeerr.Newf(pipeerr.IOError, stage, w.opts.Destination, "writer already committed or aborted")
	}
	if err := w.bind(rec.Schema()); err != nil {
		return err
	}
	groups, order, err := w.group(rec)
	if err != nil {
		return err
	}

	fresh := 0
	for _, k := range order {
		if _, ok := w.seen[k]; !ok {
			fresh++
		}
	}
	if total := len(w.seen) + fresh; total > w.opts.MaxPartitions {
		return pipeerr.Newf(pipeerr.PartitionExplosion, stage, w.opts.Destination,
			"%d distinct partitions exceed max_partitions=%d", total, w.opts.MaxPartitions)
	}
	for _, k := range order {
		w.seen[k] = struct{}{}
	}
	if !w.warned && float64(len(w.seen)) >= warnRatio*float64(w.opts.MaxPartitions) {
		w.warned = true
		w.log.Warn("partition count nearing cap", "partitions", len(w.seen), "max_partitions", w.opts.MaxPartitions)
	}

	for _, k := range order {
		if err := w.writeGroup(rec, k, groups[k], shard); err != nil {
			return err
		}
	}
	return nil
}

// bind fixes the input schema on the first batch.
func (w *Writer) bind(schema *arrow.Schema) error {
	if w.schema != nil {
		if !w.schema.Equal(schema) {
			return pipeerr.Newf(pipeerr.SchemaConflict, stage, w.opts.Destination,
				"batch schema %s differs from %s", schema, w.schema)
		}
		return nil
	}
	drop := make(map[string]bool, len(w.opts.PartitionKeys))
	for _, k := range w.opts.PartitionKeys {
		i := table.FieldIndex(schema, k)
		if i < 0 {
			return pipeerr.Newf(pipeerr.ConfigError, stage, k, "partition key %q references a column that does not exist", k)
		}
		w.keyCols = append(w.keyCols, i)
		drop[k] = true
	}
	var fields []arrow.Field
	for _, f := range schema.Fields() {
		if !drop[f.Name] {
			fields = append(fields, f)
		}
	}
	w.schema = schema
	w.fileSchema = arrow.NewSchema(fields, nil)
	return nil
}

// group maps each row to its partition path, e.g. "symbol=A/venue=X".
func (w *Writer) group(rec arrow.Record) (map[string][]int, []string, error) {
	n := int(rec.NumRows())
	if len(w.keyCols) == 0 {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return map[string][]int{"": idx}, []string{""}, nil
	}
	groups := map[string][]int{}
	var order []string
	segs := make([]string, len(w.keyCols))
	for i := 0; i < n; i++ {
		for j, c := range w.keyCols {
			v, err := table.ValueAt(rec.Column(c), i)
			if err != nil {
				return nil, nil, pipeerr.New(pipeerr.SchemaConflict, stage, w.opts.PartitionKeys[j], err)
			}
			var sv *string
			if v != nil {
				s := table.FormatValue(v)
				sv = &s
			}
			segs[j] = source.HiveSegment(w.opts.PartitionKeys[j], sv)
		}
		k := strings.Join(segs, "/")
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}
	return groups, order, nil
}

func (w *Writer) writeGroup(rec arrow.Record, part string, idx []int, shard int) error {
	var sub arrow.Record
	if len(idx) == int(rec.NumRows()) {
		rec.Retain()
		sub = rec
	} else {
		var err error
		if sub, err = table.Take(w.opts.Mem, rec, idx); err != nil {
			return err
		}
	}
	defer sub.Release()
	body, err := table.Without(sub, w.opts.PartitionKeys)
	if err != nil {
		return err
	}
	defer body.Release()

	pf, err := w.file(part, shard)
	if err != nil {
		return err
	}
	if err := pf.w.WriteBuffered(body); err != nil {
		return pipeerr.New(pipeerr.IOError, stage, pf.staged, err)
	}
	pf.rows += body.NumRows()
	return nil
}

func fileName(runID string, shard int) string {
	return fmt.Sprintf("part-%s-%04d.parquet", runID, shard)
}

func (w *Writer) file(part string, shard int) (*partFile, error) {
	key := fileKey{part: part, shard: shard}
	if pf, ok := w.files[key]; ok {
		return pf, nil
	}
	dir := filepath.Join(w.staging, filepath.FromSlash(part))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pipeerr.New(pipeerr.IOError, stage, dir, err)
	}
	path := filepath.Join(dir, fileName(w.opts.RunID, shard))
	f, err := os.Create(path)
	if err != nil {
		return nil, pipeerr.New(pipeerr.IOError, stage, path, err)
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(w.codec),
		parquet.WithAllocator(w.opts.Mem),
		parquet.WithCreatedBy("tickpipe"),
	)
	fw, err := pqarrow.NewFileWriter(w.fileSchema, f, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		f.Close()
		return nil, pipeerr.New(pipeerr.IOError, stage, path, err)
	}
	pf := &partFile{fileKey: key, staged: path, f: f, w: fw}
	w.files[key] = pf
	return pf, nil
}

// close finalizes the Parquet footer. The writer closes f as well.
func (pf *partFile) close() error {
	err := pf.w.Close()
	if cerr := pf.f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}

// Commit finalizes every staged file, publishes it and returns the report.
// If any publish fails, files already published by this call are removed
// again so the destination holds all of the run's output or none of it.
func (w *Writer) Commit(ctx context.Context) (*WriteReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return nil, pipeerr.Newf(pipeerr.IOError, stage, w.opts.Destination, "writer already committed or aborted")
	}
	w.finished = true
	defer os.RemoveAll(w.staging)

	keys := make([]fileKey, 0, len(w.files))
	for k := range w.files {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].part != keys[j].part {
			return keys[i].part < keys[j].part
		}
		return keys[i].shard < keys[j].shard
	})

	var closeErr error
	for _, k := range keys {
		if err := w.files[k].close(); err != nil && closeErr == nil {
			closeErr = pipeerr.New(pipeerr.IOError, stage, w.files[k].staged, err)
		}
	}
	if closeErr != nil {
		return nil, closeErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rep := &WriteReport{
		RunID:            w.opts.RunID,
		Destination:      w.opts.Destination,
		RowsPerPartition: map[string]int64{},
	}
	for _, k := range keys {
		pf := w.files[k]
		fi, err := os.Stat(pf.staged)
		if err != nil {
			w.unpublish(rep.Files)
			return nil, pipeerr.New(pipeerr.IOError, stage, pf.staged, err)
		}
		elems := []string{fileName(w.opts.RunID, k.shard)}
		if k.part != "" {
			elems = append(strings.Split(k.part, "/"), elems...)
		}
		dst := objstore.Join(w.opts.Destination, elems...)
		if err := w.store.Commit(ctx, pf.staged, dst); err != nil {
			w.unpublish(rep.Files)
			return nil, pipeerr.New(pipeerr.IOError, stage, dst, err)
		}
		rep.Files = append(rep.Files, File{Path: dst, Partition: k.part, Shard: k.shard, Rows: pf.rows, Bytes: fi.Size()})
		rep.RowsPerPartition[k.part] += pf.rows
		rep.TotalRows += pf.rows
		rep.TotalBytes += fi.Size()
	}
	w.log.Info("output committed", "files", rep.FileCount(), "rows", rep.TotalRows, "bytes", rep.TotalBytes)
	return rep, nil
}

// unpublish removes files published earlier in a failed Commit, even when the
// commit context is already cancelled.
func (w *Writer) unpublish(done []File) {
	ctx := context.Background()
	for i := len(done) - 1; i >= 0; i-- {
		if err := w.store.Remove(ctx, done[i].Path); err != nil {
			w.log.Warn("remove partially published file", "path", done[i].Path, "err", err)
		}
	}
	if len(done) > 0 {
		w.log.Warn("commit failed, published files withdrawn", "files", len(done))
	}
}

// Abort discards everything staged. It is safe to call after Commit.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	w.finished = true
	for _, pf := range w.files {
		_ = pf.close()
	}
	if err := os.RemoveAll(w.staging); err != nil {
		w.log.Warn("remove staging dir", "dir", w.staging, "err", err)
	}
	w.log.Info("staged output discarded", "files", len(w.files))
}

// Write drains s into a new writer and commits it.
func Write(ctx context.Context, s table.Stream, store objstore.Store, opts Options) (*WriteReport, error) {
	w, err := NewWriter(store, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	if _, err := w.WriteStream(ctx, s, 0); err != nil {
		w.Abort()
		return nil, err
	}
	return w.Commit(ctx)
}
