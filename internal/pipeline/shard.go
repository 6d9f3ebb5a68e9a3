package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/panjf2000/ants/v2"

	"tickpipe/internal/config"
	"tickpipe/internal/filter"
	"tickpipe/internal/logger"
	"tickpipe/internal/metrics"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/sink"
	"tickpipe/internal/source"
	"tickpipe/internal/table"
	"tickpipe/internal/transform"
)

// shardTask is one unit of distributed work. A file shard reads one file; a
// key shard reads every file and keeps the rows whose partition key hashes
// to it.
type shardTask struct {
	id    int
	files []string
	key   *filter.KeyShard
}

// plan splits the run into shards: one per file when runtime.shards is 0,
// otherwise runtime.shards key-hash buckets.
func (r *runner) plan() ([]shardTask, error) {
	n := r.p.Runtime.Shards
	if n <= 0 {
		tasks := make([]shardTask, len(r.files))
		for i, f := range r.files {
			tasks[i] = shardTask{id: i, files: []string{f}}
		}
		return tasks, nil
	}
	cols := r.shardColumns()
	if len(cols) == 0 {
		return nil, pipeerr.Newf(pipeerr.ConfigError, stage, "runtime.shards",
			"key sharding needs a partition key that is present in the source")
	}
	tasks := make([]shardTask, n)
	for i := range tasks {
		tasks[i] = shardTask{id: i, files: r.files, key: &filter.KeyShard{Columns: cols, Index: i, Count: n}}
	}
	return tasks, nil
}

// shardColumns returns the partition keys readable before the transform.
func (r *runner) shardColumns() []string {
	avail := map[string]bool{}
	for _, k := range r.p.Source.Partitioning {
		avail[k] = true
	}
	if len(r.infos) > 0 {
		for _, c := range r.infos[0].Columns {
			avail[c.Name] = true
		}
	}
	if proj := r.p.Source.Columns; len(proj) > 0 {
		keep := map[string]bool{}
		for _, c := range proj {
			keep[c] = avail[c]
		}
		avail = keep
	}
	var cols []string
	for _, k := range r.p.Sink.PartitionKeys {
		if avail[k] {
			cols = append(cols, k)
		}
	}
	return cols
}

// distribute runs tasks on an ants pool of runtime.workers goroutines. The
// first failure cancels the remaining shards and stops dispatching.
func (r *runner) distribute(parent context.Context, w *sink.Writer, tasks []shardTask) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	pool, err := ants.NewPool(r.p.Runtime.Workers)
	if err != nil {
		return pipeerr.New(pipeerr.ConfigError, stage, "runtime.workers", err)
	}
	defer pool.Release()

	r.log.Info("dispatching shards", "shards", len(tasks), "workers", r.p.Runtime.Workers, "key_shards", r.p.Runtime.Shards > 0)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := r.runShard(ctx, w, t); err != nil {
				fail(err)
			}
		}); err != nil {
			wg.Done()
			fail(pipeerr.New(pipeerr.IOError, stage, fmt.Sprintf("shard %d", t.id), err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return parent.Err()
}

// runShard builds reader → filter → transform → [sort] for t and drains it
// into w under shard id t.id.
func (r *runner) runShard(ctx context.Context, w *sink.Writer, t shardTask) (err error) {
	start := time.Now()
	done := metrics.StartTimer(r.p.Job, "shard")
	defer func() { done(err) }()

	src, goPred, err := r.open(ctx, t)
	if err != nil {
		return err
	}
	c := &counted{Stream: src}
	var s table.Stream = c

	var filtered table.Stream
	if goPred != nil {
		s = filter.Filter(s, goPred)
		filtered = s
	}

	ts, err := transform.Transform(s, r.spec, transform.Options{
		Strategy:    r.p.Runtime.Strategy,
		ErrorPolicy: r.p.Runtime.ErrorPolicy,
		Workers:     r.p.Runtime.TransformWorkers,
		Mem:         r.sess.Mem,
	})
	if err != nil {
		s.Close()
		return err
	}
	defer func() {
		read := c.rows.Load()
		kept := read
		if filtered != nil {
			_, kept, _ = filter.Counts(filtered)
		}
		skipped, _ := transform.Skipped(ts)
		r.stats.read.Add(read)
		r.stats.batches.Add(c.batches.Load())
		r.stats.kept.Add(kept)
		r.stats.skipped.Add(skipped)
	}()

	s = ts
	if len(r.p.Runtime.SortBy) > 0 {
		if s, err = table.Sort(ctx, r.sess.Mem, ts, table.ParseSortKeys(r.p.Runtime.SortBy)); err != nil {
			return sortErr(err)
		}
	}

	n, err := w.WriteStream(ctx, s, t.id)
	if err != nil {
		return err
	}
	if r.p.Runtime.Mode == config.ModeDistributed {
		r.log.Info("shard finished", "shard", t.id, "files", len(t.files), "rows", n, logger.Elapsed(start))
	}
	return nil
}

// open returns the reader stream for t and the predicate still to apply in
// Go. The DuckDB reader takes over the configured filter when every part of
// it renders to SQL; key-shard masks always run in Go.
func (r *runner) open(ctx context.Context, t shardTask) (table.Stream, filter.Predicate, error) {
	var shardPred filter.Predicate
	if t.key != nil {
		shardPred = *t.key
	}

	if r.p.Source.Kind != config.SourceDuckDB {
		s, err := source.Open(ctx, r.sess.Store, t.files, r.srcOpts)
		return s, conj(r.pred, shardPred), err
	}

	db, err := r.sess.DuckDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	opts := r.srcOpts
	rest := conj(r.pred, shardPred)
	if where, ok := filter.SQL(r.pred); ok && r.pred != nil {
		opts.Where = where
		rest = shardPred
	}
	s, err := source.OpenDuckDB(ctx, db, t.files, r.infos, opts)
	return s, rest, err
}

// conj is filter.And without the nil entries; it returns nil when nothing is
// left.
func conj(ps ...filter.Predicate) filter.Predicate {
	var out []filter.Predicate
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return filter.And(out...)
}

func sortErr(err error) error {
	if pipeerr.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pipeerr.New(pipeerr.ConfigError, "sort", "runtime.sort_by", err)
}

// counted tallies the rows and batches a reader yields.
type counted struct {
	table.Stream
	rows    atomic.Int64
	batches atomic.Int64
}

func (c *counted) Next(ctx context.Context) (arrow.Record, error) {
	rec, err := c.Stream.Next(ctx)
	if err == nil {
		c.rows.Add(rec.NumRows())
		c.batches.Add(1)
	}
	return rec, err
}
