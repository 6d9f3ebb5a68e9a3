// Package transform implements the Field Transformer stage: an ordered Spec
// of derivations evaluated under one of three interchangeable strategies.
// Columns no step touches pass through unchanged.
package transform

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"tickpipe/internal/config"
	"tickpipe/internal/logger"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/table"
)

const stage = "transform"

// Options selects how a Spec is evaluated.
type Options struct {
	Strategy    string // config.StrategyRow, StrategyFrame or StrategyColumnar
	ErrorPolicy string // config.PolicyFailFast or PolicySkipAndCount
	Workers     int    // batches transformed concurrently; order is kept
	Mem         memory.Allocator
	Logger      *slog.Logger
}

// Transform wraps s so that every batch leaving it has spec applied. The
// output schema is resolved up front; a spec that does not fit the input
// schema fails here with ConfigError.
func Transform(s table.Stream, spec Spec, opts Options) (table.Stream, error) {
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyColumnar
	}
	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = config.PolicyFailFast
	}
	if opts.Mem == nil {
		opts.Mem = memory.DefaultAllocator
	}
	if opts.Logger == nil {
		opts.Logger = logger.Stage(stage)
	}
	eval, ok := evaluators[opts.Strategy]
	if !ok {
		return nil, pipeerr.Newf(pipeerr.ConfigError, stage, "", "unknown strategy %q", opts.Strategy)
	}
	p, err := newPlan(s.Schema(), spec)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("transform started",
		"strategy", opts.Strategy,
		"granularity", granularity[opts.Strategy],
		"error_policy", opts.ErrorPolicy,
		"workers", max(opts.Workers, 1),
		"steps", spec.Kinds())
	return &stream{
		src:      s,
		spec:     spec,
		plan:     p,
		eval:     eval,
		failFast: opts.ErrorPolicy != config.PolicySkipAndCount,
		mem:      opts.Mem,
		workers:  opts.Workers,
	}, nil
}

// Skipped returns how many rows s has dropped under skip_and_count. ok is
// false when s is not a transform stream.
func Skipped(s table.Stream) (n int64, ok bool) {
	ts, ok := s.(*stream)
	if !ok {
		return 0, false
	}
	return ts.skipped.Load(), true
}

type stream struct {
	src      table.Stream
	spec     Spec
	plan     *plan
	eval     evaluator
	failFast bool
	mem      memory.Allocator
	workers  int

	skipped atomic.Int64

	// parallel mode
	started bool
	cancel  context.CancelFunc
	g       *errgroup.Group
	order   chan job
}

type job struct {
	rec arrow.Record
	res chan result
}

type result struct {
	rec arrow.Record
	err error
}

func (s *stream) Schema() *arrow.Schema { return s.plan.out }

func (s *stream) Next(ctx context.Context) (arrow.Record, error) {
	if s.workers > 1 {
		return s.nextParallel(ctx)
	}
	for {
		rec, err := s.src.Next(ctx)
		if err != nil {
			return nil, err
		}
		out, err := s.applyOne(rec)
		rec.Release()
		if err != nil {
			return nil, err
		}
		if out.NumRows() == 0 {
			out.Release()
			continue
		}
		return out, nil
	}
}

func (s *stream) applyOne(rec arrow.Record) (arrow.Record, error) {
	out, skipped, err := apply(s.mem, s.eval, s.spec, s.plan, rec, s.failFast)
	if err != nil {
		return nil, err
	}
	s.skipped.Add(int64(skipped))
	return out, nil
}

func (s *stream) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.g, ctx = errgroup.WithContext(ctx)
	s.order = make(chan job, s.workers)
	work := make(chan job, s.workers)
	s.started = true

	s.g.Go(func() error {
		defer close(work)
		defer close(s.order)
		for {
			rec, err := s.src.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			j := job{rec: rec, res: make(chan result, 1)}
			select {
			case s.order <- j:
			case <-ctx.Done():
				rec.Release()
				return ctx.Err()
			}
			select {
			case work <- j:
			case <-ctx.Done():
				rec.Release()
				j.res <- result{err: ctx.Err()}
				return ctx.Err()
			}
		}
	})
	for i := 0; i < s.workers; i++ {
		s.g.Go(func() error {
			for j := range work {
				if err := ctx.Err(); err != nil {
					j.rec.Release()
					j.res <- result{err: err}
					continue
				}
				out, err := s.applyOne(j.rec)
				j.rec.Release()
				j.res <- result{rec: out, err: err}
			}
			return nil
		})
	}
}

func (s *stream) nextParallel(ctx context.Context) (arrow.Record, error) {
	if !s.started {
		s.start(ctx)
	}
	for {
		var j job
		var ok bool
		select {
		case j, ok = <-s.order:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			if err := s.g.Wait(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		var r result
		select {
		case r = <-j.res:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.err != nil {
			return nil, r.err
		}
		if r.rec.NumRows() == 0 {
			r.rec.Release()
			continue
		}
		return r.rec, nil
	}
}

func (s *stream) Close() error {
	if s.started {
		s.cancel()
		for j := range s.order {
			if r := <-j.res; r.rec != nil {
				r.rec.Release()
			}
		}
		_ = s.g.Wait()
		s.started = false
	}
	return s.src.Close()
}
