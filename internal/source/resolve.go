package source

import (
	"context"
	"errors"
	"sort"
	"strings"

	"tickpipe/internal/objstore"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/probe"
)

const stage = "reader"

// Resolve expands patterns into the sorted union of matching files.
func Resolve(ctx context.Context, store objstore.Store, patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, p := range patterns {
		matches, err := store.Glob(ctx, p)
		if err != nil {
			if errors.Is(err, objstore.ErrNoObjectStore) {
				return nil, pipeerr.New(pipeerr.ConfigError, stage, p, err)
			}
			return nil, pipeerr.New(pipeerr.IOError, stage, p, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return nil, pipeerr.Newf(pipeerr.SourceNotFound, stage, strings.Join(patterns, ","), "no files matched")
	}
	sort.Strings(files)
	return files, nil
}

// Inspect reads every file's footer and fails with SchemaConflict naming the
// first file whose columns differ from the first file's. When partitioning
// keys are declared every file must also carry them in its path.
func Inspect(ctx context.Context, store objstore.Store, files []string, partitioning []string) ([]probe.Info, error) {
	infos := make([]probe.Info, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := probe.InspectPath(ctx, store, f)
		if err != nil {
			return nil, pipeerr.New(pipeerr.IOError, stage, f, err)
		}
		if len(infos) > 0 {
			if msg := probe.Diff(infos[0], info); msg != "" {
				return nil, pipeerr.Newf(pipeerr.SchemaConflict, stage, f, "differs from %s: %s", infos[0].Path, msg)
			}
		}
		if _, err := HiveValues(f, partitioning); err != nil {
			return nil, pipeerr.New(pipeerr.SchemaConflict, stage, f, err)
		}
		for _, k := range partitioning {
			for _, c := range info.Columns {
				if c.Name == k {
					return nil, pipeerr.Newf(pipeerr.SchemaConflict, stage, f,
						"column %q is both stored in the file and encoded in the path", k)
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// TotalRows sums the footer row counts.
func TotalRows(infos []probe.Info) int64 {
	var n int64
	for _, i := range infos {
		n += i.Rows
	}
	return n
}
