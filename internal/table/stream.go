package table

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
)

// Stream is a forward-only iterator over record batches sharing one schema.
//
// Next returns io.EOF once exhausted. The caller owns each returned record and
// must Release it. Close releases upstream resources and may be called at any
// point; it is safe to call more than once.
type Stream interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error)
	Close() error
}

// FromRecords returns a stream over recs, taking ownership of them.
func FromRecords(schema *arrow.Schema, recs ...arrow.Record) Stream {
	return &sliceStream{schema: schema, recs: recs}
}

type sliceStream struct {
	schema *arrow.Schema
	recs   []arrow.Record
	i      int
}

func (s *sliceStream) Schema() *arrow.Schema { return s.schema }

func (s *sliceStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.i]
	s.recs[s.i] = nil
	s.i++
	return r, nil
}

func (s *sliceStream) Close() error {
	for ; s.i < len(s.recs); s.i++ {
		if s.recs[s.i] != nil {
			s.recs[s.i].Release()
			s.recs[s.i] = nil
		}
	}
	return nil
}

// Collect drains s and closes it. On error every collected record is released.
func Collect(ctx context.Context, s Stream) ([]arrow.Record, error) {
	defer s.Close()
	var out []arrow.Record
	for {
		rec, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			Release(out)
			return nil, err
		}
		out = append(out, rec)
	}
}

// Release releases every record in recs.
func Release(recs []arrow.Record) {
	for _, r := range recs {
		if r != nil {
			r.Release()
		}
	}
}

// Rows counts the rows across recs.
func Rows(recs []arrow.Record) int64 {
	var n int64
	for _, r := range recs {
		n += r.NumRows()
	}
	return n
}
