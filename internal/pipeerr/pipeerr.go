// Package pipeerr defines the error taxonomy shared by every pipeline stage.
//
// Each failure is wrapped in an *Error carrying its Kind, the stage that
// produced it and the file, shard or column it concerns. Callers match kinds
// with errors.Is:
//
//	if errors.Is(err, pipeerr.PartitionExplosion) { ... }
package pipeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline error.
type Kind string

const (
	SourceNotFound     Kind = "source_not_found"
	SchemaConflict     Kind = "schema_conflict"
	UnknownCategory    Kind = "unknown_category"
	PartitionExplosion Kind = "partition_explosion"
	IOError            Kind = "io_error"
	ConfigError        Kind = "config_error"
)

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is a classified pipeline failure.
type Error struct {
	Kind   Kind
	Stage  string // reader, filter, transform, writer, config, ...
	Object string // file path, shard id or column; optional
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Object != "" {
		b.WriteString(" ")
		b.WriteString(e.Object)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New wraps err with a kind, stage and object.
func New(kind Kind, stage, object string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Object: object, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, stage, object, format string, args ...any) *Error {
	return New(kind, stage, object, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// StageOf returns the stage of the first *Error in err's chain, or "".
func StageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}
