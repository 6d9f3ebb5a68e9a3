// Package metrics is a backend-agnostic façade for the pipeline's
// operational metrics: step outcomes and durations, row counts per kind,
// batches and output files.
//
// A no-op backend is installed by default so instrumentation is always safe
// to call. Concrete systems live in subpackages (prompush, datadog) and are
// installed with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Metric names shared by every backend.
const (
	StepTotal    = "tickpipe_step_total"
	StepDuration = "tickpipe_step_duration_seconds"
	RowsTotal    = "tickpipe_rows_total"
	BatchesTotal = "tickpipe_batches_total"
	FilesTotal   = "tickpipe_files_total"
	BytesTotal   = "tickpipe_bytes_written_total"
)

// Row kinds reported through RecordRow.
const (
	RowsRead    = "read"
	RowsKept    = "kept"
	RowsSkipped = "skipped"
	RowsWritten = "written"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// Nop returns the default backend, which discards everything.
func Nop() Backend { return nopBackend{} }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of a pipeline stage and observes its
// duration, labelled by outcome.
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"job": job, "step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// StartTimer starts timing a stage; the returned func records it.
//
//	done := metrics.StartTimer(job, "writer")
//	defer func() { done(err) }()
func StartTimer(job, step string) func(err error) {
	start := time.Now()
	return func(err error) {
		RecordStep(job, step, err, time.Since(start))
	}
}

// RecordRow increments the row counter for kind (see the Rows* constants).
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{"job": job, "kind": kind})
}

// RecordBatches increments the batch counter for the given job.
func RecordBatches(job string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(BatchesTotal, float64(delta), Labels{"job": job})
}

// RecordFiles counts committed output files and their bytes.
func RecordFiles(job string, files int, bytes int64) {
	if files <= 0 {
		return
	}
	b := current()
	b.IncCounter(FilesTotal, float64(files), Labels{"job": job})
	b.IncCounter(BytesTotal, float64(bytes), Labels{"job": job})
}
