// Package probe reads Parquet footers without decoding data pages. The source
// reader uses it to check that every matched file has the same columns, and
// the inspect command prints it.
package probe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/segmentio/parquet-go"

	"tickpipe/internal/objstore"
)

// Column is one top-level column of a file.
type Column struct {
	Name     string
	Type     string
	Optional bool
}

// Info summarizes one Parquet file.
type Info struct {
	Path      string
	Size      int64
	Rows      int64
	RowGroups int
	CreatedBy string
	Columns   []Column
}

// Inspect parses the footer of a Parquet file of the given size.
func Inspect(r io.ReaderAt, size int64) (Info, error) {
	f, err := parquet.OpenFile(r, size, parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return Info{}, fmt.Errorf("read footer: %w", err)
	}
	info := Info{
		Size:      size,
		Rows:      f.NumRows(),
		RowGroups: len(f.RowGroups()),
		CreatedBy: f.Metadata().CreatedBy,
	}
	for _, fld := range f.Schema().Fields() {
		typ := "group"
		if fld.Leaf() {
			typ = fld.Type().String()
		}
		info.Columns = append(info.Columns, Column{Name: fld.Name(), Type: typ, Optional: fld.Optional()})
	}
	return info, nil
}

// InspectPath opens path through store and inspects it.
func InspectPath(ctx context.Context, store objstore.Store, path string) (Info, error) {
	f, err := store.Open(ctx, path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	info, err := Inspect(f, f.Size())
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	info.Path = path
	return info, nil
}

// Diff describes the first column difference between a and b, or returns ""
// when both files carry the same column names and types. Nullability is not
// compared: writers disagree on it for otherwise identical data.
func Diff(a, b Info) string {
	if len(a.Columns) != len(b.Columns) {
		return fmt.Sprintf("column count %d != %d (%s vs %s)", len(a.Columns), len(b.Columns), names(a), names(b))
	}
	idx := make(map[string]Column, len(b.Columns))
	for _, c := range b.Columns {
		idx[c.Name] = c
	}
	for _, c := range a.Columns {
		o, ok := idx[c.Name]
		if !ok {
			return fmt.Sprintf("column %q missing", c.Name)
		}
		if o.Type != c.Type {
			return fmt.Sprintf("column %q type %s != %s", c.Name, c.Type, o.Type)
		}
	}
	return ""
}

func names(i Info) string {
	n := make([]string, len(i.Columns))
	for k, c := range i.Columns {
		n[k] = c.Name
	}
	return "[" + strings.Join(n, ",") + "]"
}

// Format renders info as the inspect command prints it.
func Format(w io.Writer, info Info) {
	fmt.Fprintf(w, "%s\n  rows=%d row_groups=%d bytes=%d", info.Path, info.Rows, info.RowGroups, info.Size)
	if info.CreatedBy != "" {
		fmt.Fprintf(w, " created_by=%q", info.CreatedBy)
	}
	fmt.Fprintln(w)
	for _, c := range info.Columns {
		null := ""
		if c.Optional {
			null = " (nullable)"
		}
		fmt.Fprintf(w, "  %-24s %s%s\n", c.Name, c.Type, null)
	}
}
