// Package objstore abstracts where pipeline files live: the local filesystem
// or an S3-compatible object store. Paths are plain local paths (optionally
// file://) or s3://bucket/key URIs; a Router dispatches on the scheme.
package objstore

import (
	"context"
	"io"
	"path"
	"path/filepath"
	"strings"
)

// File is an open, random-access input file.
type File interface {
	io.ReaderAt
	io.Seeker
	io.Closer
	Size() int64
}

// Store lists, opens and publishes files.
type Store interface {
	// Glob returns the sorted files matching pattern. "**" crosses directories.
	Glob(ctx context.Context, pattern string) ([]string, error)

	// Open opens one file for reading.
	Open(ctx context.Context, path string) (File, error)

	// StagingDir returns a local directory in which output for dest is staged
	// before Commit. The caller removes it when done.
	StagingDir(dest, runID string) (string, error)

	// Commit publishes the local staged file at dst. A committed file is
	// either fully visible or absent.
	Commit(ctx context.Context, staged, dst string) error

	// Remove deletes a published file. A missing file is not an error.
	Remove(ctx context.Context, path string) error
}

const s3Scheme = "s3://"

// IsRemote reports whether p names an object-store location.
func IsRemote(p string) bool {
	return strings.HasPrefix(p, s3Scheme)
}

// Join joins path elements onto base, using forward slashes for object keys.
func Join(base string, elem ...string) string {
	if IsRemote(base) {
		return s3Scheme + path.Join(append([]string{strings.TrimPrefix(base, s3Scheme)}, elem...)...)
	}
	return filepath.Join(append([]string{trimFileScheme(base)}, elem...)...)
}

func trimFileScheme(p string) string {
	return strings.TrimPrefix(p, "file://")
}
