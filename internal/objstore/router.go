package objstore

import (
	"context"
	"errors"
)

// ErrNoObjectStore is returned for s3:// paths when no client is configured.
var ErrNoObjectStore = errors.New("s3:// path used but no object store is configured (set TICKPIPE_S3_*)")

// Router sends s3:// paths to the object store and everything else to Local.
type Router struct {
	local Local
	s3    *S3
}

// NewRouter returns a Router; s3 may be nil for local-only runs.
func NewRouter(s3 *S3) *Router {
	return &Router{s3: s3}
}

func (r *Router) pick(p string) (Store, error) {
	if !IsRemote(p) {
		return r.local, nil
	}
	if r.s3 == nil {
		return nil, ErrNoObjectStore
	}
	return r.s3, nil
}

func (r *Router) Glob(ctx context.Context, pattern string) ([]string, error) {
	s, err := r.pick(pattern)
	if err != nil {
		return nil, err
	}
	return s.Glob(ctx, pattern)
}

func (r *Router) Open(ctx context.Context, path string) (File, error) {
	s, err := r.pick(path)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, path)
}

func (r *Router) StagingDir(dest, runID string) (string, error) {
	s, err := r.pick(dest)
	if err != nil {
		return "", err
	}
	return s.StagingDir(dest, runID)
}

func (r *Router) Commit(ctx context.Context, staged, dst string) error {
	s, err := r.pick(dst)
	if err != nil {
		return err
	}
	return s.Commit(ctx, staged, dst)
}

func (r *Router) Remove(ctx context.Context, path string) error {
	s, err := r.pick(path)
	if err != nil {
		return err
	}
	return s.Remove(ctx, path)
}
