// Package pipeline runs a configured pipeline end to end:
//
//	Source Reader → Filter → Transformer → [Sort] → Partitioned Writer
//
// In single mode the chain runs once over every matched file. In distributed
// mode the files are split into shards that run on a goroutine pool, each
// staging into the shared writer under its own shard id; the writer commits
// once after every shard has finished. Any shard error cancels the rest and
// discards the staged output.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"tickpipe/internal/config"
	"tickpipe/internal/filter"
	"tickpipe/internal/logger"
	"tickpipe/internal/metrics"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/probe"
	"tickpipe/internal/session"
	"tickpipe/internal/sink"
	"tickpipe/internal/source"
	"tickpipe/internal/table"
	"tickpipe/internal/transform"
)

const stage = "pipeline"

// Result describes a committed run.
type Result struct {
	Report *sink.WriteReport

	RowsRead    int64 // rows leaving the reader (after any pushdown)
	RowsKept    int64 // rows passing the filter
	RowsSkipped int64 // rows dropped by the transform under skip_and_count
	Batches     int64
	Shards      int
	Elapsed     time.Duration
}

// counters are shared by every shard of a run.
type counters struct {
	read    atomic.Int64
	kept    atomic.Int64
	skipped atomic.Int64
	batches atomic.Int64
}

type runner struct {
	p    config.Pipeline
	sess *session.Session
	log  *slog.Logger

	pred    filter.Predicate
	spec    transform.Spec
	srcOpts source.Options
	files   []string
	infos   []probe.Info

	stats counters
}

// Run validates p, executes it with the handles of sess and commits the
// output. A failed or cancelled run returns a nil Result and leaves nothing
// at the destination.
func Run(ctx context.Context, p config.Pipeline, sess *session.Session) (res *Result, err error) {
	start := time.Now()
	p.Defaults()
	if err := config.Err(config.ValidatePipeline(p)); err != nil {
		return nil, err
	}
	done := metrics.StartTimer(p.Job, "run")
	defer func() { done(err) }()

	r := &runner{p: p, sess: sess, log: logger.Stage(stage).With("job", p.Job, "run_id", sess.RunID)}
	if err := r.prepare(ctx); err != nil {
		return nil, err
	}

	w, err := sink.NewWriter(sess.Store, sink.Options{
		Destination:   p.Sink.Destination,
		PartitionKeys: p.Sink.PartitionKeys,
		Compression:   p.Sink.Compression,
		MaxPartitions: p.Sink.MaxPartitions,
		RunID:         sess.RunID,
		Mem:           sess.Mem,
	})
	if err != nil {
		return nil, err
	}

	shards := 1
	switch p.Runtime.Mode {
	case config.ModeDistributed:
		var tasks []shardTask
		if tasks, err = r.plan(); err == nil {
			shards = len(tasks)
			err = r.distribute(ctx, w, tasks)
		}
	default:
		err = r.runShard(ctx, w, shardTask{files: r.files})
	}
	if err != nil {
		w.Abort()
		r.log.Error("run failed", "err", err, "kind", string(pipeerr.KindOf(err)), "stage", pipeerr.StageOf(err))
		return nil, err
	}

	commitDone := metrics.StartTimer(p.Job, "commit")
	rep, err := w.Commit(ctx)
	commitDone(err)
	if err != nil {
		return nil, err
	}
	rep.Skipped = r.stats.skipped.Load()

	if l := sess.Ledger(); l != nil {
		ledgerDone := metrics.StartTimer(p.Job, "ledger")
		_, err := l.Record(ctx, p.Job, rep)
		ledgerDone(err)
		if err != nil {
			return nil, pipeerr.New(pipeerr.IOError, "ledger", l.Table, err)
		}
	}

	res = &Result{
		Report:      rep,
		RowsRead:    r.stats.read.Load(),
		RowsKept:    r.stats.kept.Load(),
		RowsSkipped: rep.Skipped,
		Batches:     r.stats.batches.Load(),
		Shards:      shards,
		Elapsed:     time.Since(start),
	}
	r.record(res)
	return res, nil
}

// prepare builds the filter and transform and resolves the input files.
func (r *runner) prepare(ctx context.Context) error {
	var err error
	if r.pred, err = filter.Build(r.p.Filter); err != nil {
		return err
	}
	if r.spec, err = transform.Build(r.p.Transform); err != nil {
		return err
	}
	declared, err := declaredColumns(r.p.Source.Schema)
	if err != nil {
		return err
	}
	r.srcOpts = source.Options{
		Partitioning: r.p.Source.Partitioning,
		Columns:      r.p.Source.Columns,
		Schema:       declared,
		BatchSize:    r.p.Runtime.BatchSize,
		Mem:          r.sess.Mem,
	}

	resolveDone := metrics.StartTimer(r.p.Job, "resolve")
	r.files, err = source.Resolve(ctx, r.sess.Store, r.p.Source.Paths)
	if err == nil {
		r.infos, err = source.Inspect(ctx, r.sess.Store, r.files, r.p.Source.Partitioning)
	}
	resolveDone(err)
	if err != nil {
		return err
	}
	if err := r.checkPartitionKeys(); err != nil {
		return err
	}
	r.log.Info("source resolved",
		"files", len(r.files),
		"footer_rows", source.TotalRows(r.infos),
		"reader", r.p.Source.Kind,
		"mode", r.p.Runtime.Mode)
	return nil
}

// checkPartitionKeys fails with ConfigError when a partition key names a
// column the transformed stream will not have. Declared schemas are checked
// by config.Validate.
func (r *runner) checkPartitionKeys() error {
	if len(r.p.Source.Schema) > 0 || len(r.infos) == 0 {
		return nil
	}
	cols := r.p.Source.Columns
	if len(cols) == 0 {
		for _, c := range r.infos[0].Columns {
			cols = append(cols, c.Name)
		}
	}
	cols = append(slices.Clip(cols), r.p.Source.Partitioning...)
	return config.Err(config.CheckPartitionKeys(r.p.Sink.PartitionKeys, config.ColumnsThrough(cols, r.p.Transform)))
}

func declaredColumns(specs []config.ColumnSpec) ([]table.Column, error) {
	cols := make([]table.Column, 0, len(specs))
	for i, c := range specs {
		k, err := table.ParseKind(c.Kind)
		if err != nil {
			return nil, pipeerr.New(pipeerr.ConfigError, "config", fmt.Sprintf("source.schema[%d]", i), err)
		}
		cols = append(cols, table.Column{Name: c.Name, Kind: k, Nullable: c.Nullable})
	}
	return cols, nil
}

// record emits the end-of-run metrics and summary line.
func (r *runner) record(res *Result) {
	job := r.p.Job
	metrics.RecordRow(job, metrics.RowsRead, res.RowsRead)
	metrics.RecordRow(job, metrics.RowsKept, res.RowsKept)
	metrics.RecordRow(job, metrics.RowsSkipped, res.RowsSkipped)
	metrics.RecordRow(job, metrics.RowsWritten, res.Report.TotalRows)
	metrics.RecordBatches(job, res.Batches)
	metrics.RecordFiles(job, res.Report.FileCount(), res.Report.TotalBytes)

	r.log.Info("run summary",
		"files", res.Report.FileCount(),
		"partitions", len(res.Report.RowsPerPartition),
		"shards", res.Shards,
		"rows_read", res.RowsRead,
		"rows_kept", res.RowsKept,
		"rows", res.Report.TotalRows,
		"bytes", res.Report.TotalBytes,
		"skipped", res.RowsSkipped,
		slog.Int64("elapsed_ms", res.Elapsed.Milliseconds()))
}
