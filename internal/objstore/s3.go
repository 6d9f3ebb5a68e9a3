package objstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the object-store client. Values come from the
// environment, never from pipeline files.
type S3Config struct {
	Endpoint        string // host:port, optionally with http:// or https://
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	UseSSL          bool
}

// S3 is an S3-compatible store backed by minio-go. Output is staged in a
// local temp directory and uploaded on Commit; a single PUT is atomic.
type S3 struct {
	client *minio.Client
}

// NewS3 creates a client. It does not contact the server.
func NewS3(cfg S3Config) (*S3, error) {
	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	}
	if endpoint == "" {
		return nil, fmt.Errorf("s3: endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &S3{client: client}, nil
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	if !IsRemote(uri) {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	rest := strings.TrimPrefix(uri, s3Scheme)
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 uri %q has no bucket", uri)
	}
	return bucket, key, nil
}

func (s *S3) Glob(ctx context.Context, pattern string) ([]string, error) {
	bucket, keyPattern, err := ParseURI(pattern)
	if err != nil {
		return nil, err
	}
	base, _ := doublestar.SplitPattern(keyPattern)
	prefix := ""
	if base != "." && base != "" {
		prefix = base + "/"
	}

	var out []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("s3: list %s/%s: %w", bucket, prefix, obj.Err)
		}
		ok, err := doublestar.Match(keyPattern, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("s3: pattern %q: %w", keyPattern, err)
		}
		if ok {
			out = append(out, s3Scheme+bucket+"/"+obj.Key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *S3) Open(ctx context.Context, uri string) (File, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", uri, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, fmt.Errorf("s3: stat %s: %w", uri, err)
	}
	return &s3File{Object: obj, size: info.Size}, nil
}

func (s *S3) StagingDir(_, runID string) (string, error) {
	dir, err := os.MkdirTemp("", "tickpipe-staging-"+runID+"-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

func (s *S3) Commit(ctx context.Context, staged, dst string) error {
	bucket, key, err := ParseURI(dst)
	if err != nil {
		return err
	}
	if _, err := s.client.FPutObject(ctx, bucket, key, staged, minio.PutObjectOptions{
		ContentType: "application/vnd.apache.parquet",
	}); err != nil {
		return fmt.Errorf("s3: put %s: %w", dst, err)
	}
	return os.Remove(staged)
}

func (s *S3) Remove(ctx context.Context, uri string) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("s3: remove %s: %w", uri, err)
	}
	return nil
}

type s3File struct {
	*minio.Object
	size int64
}

func (f *s3File) Size() int64 { return f.size }
