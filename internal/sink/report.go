package sink

import (
	"fmt"
	"io"
	"sort"
)

// File is one committed output file.
type File struct {
	Path      string `json:"path"`
	Partition string `json:"partition"`
	Shard     int    `json:"shard"`
	Rows      int64  `json:"rows"`
	Bytes     int64  `json:"bytes"`
}

// WriteReport summarizes a committed run.
type WriteReport struct {
	RunID            string           `json:"run_id"`
	Destination      string           `json:"destination"`
	Files            []File           `json:"files"`
	RowsPerPartition map[string]int64 `json:"rows_per_partition"`
	TotalRows        int64            `json:"total_rows"`
	TotalBytes       int64            `json:"total_bytes"`

	// Skipped is filled in by the pipeline from the transform stage.
	Skipped int64 `json:"skipped"`
}

// FileCount is the number of files written.
func (r *WriteReport) FileCount() int { return len(r.Files) }

// Partitions lists the partition paths in sorted order.
func (r *WriteReport) Partitions() []string {
	out := make([]string, 0, len(r.RowsPerPartition))
	for p := range r.RowsPerPartition {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Format prints a human-readable summary.
func (r *WriteReport) Format(w io.Writer) {
	fmt.Fprintf(w, "run %s -> %s\n", r.RunID, r.Destination)
	fmt.Fprintf(w, "  files=%d rows=%d bytes=%d skipped=%d\n", r.FileCount(), r.TotalRows, r.TotalBytes, r.Skipped)
	for _, p := range r.Partitions() {
		name := p
		if name == "" {
			name = "(unpartitioned)"
		}
		fmt.Fprintf(w, "  %-40s %d\n", name, r.RowsPerPartition[p])
	}
}
