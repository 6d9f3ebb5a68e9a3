package session

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"tickpipe/internal/config"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/storage"
	_ "tickpipe/internal/storage/sqlite"
)

func pipeline() config.Pipeline {
	p := config.Pipeline{Job: "ticks"}
	p.Source.Paths = []string{"data/**/*.parquet"}
	p.Sink.Destination = "out"
	return p
}

func TestOpenLocalOnly(t *testing.T) {
	s, err := Open(context.Background(), pipeline(), config.Env{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if s.RunID == "" || s.Store == nil || s.Mem == nil {
		t.Fatalf("session not initialised: %+v", s)
	}
	if s.Ledger() != nil {
		t.Fatal("Ledger() != nil without ledger config")
	}
	if s.remote {
		t.Fatal("local paths marked remote")
	}
}

func TestOpenWithSQLiteLedger(t *testing.T) {
	p := pipeline()
	p.Ledger = config.Ledger{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db"), Table: "runs"}
	s, err := Open(context.Background(), p, config.Env{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Ledger() == nil || s.Ledger().Table != "runs" {
		t.Fatalf("Ledger() = %+v", s.Ledger())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.Ledger() != nil {
		t.Fatal("ledger kept after Close")
	}
}

func TestOpenLedgerFailure(t *testing.T) {
	orig := openLedgerFn
	openLedgerFn = func(context.Context, storage.Config) (*storage.Ledger, error) {
		return nil, errors.New("connection refused")
	}
	t.Cleanup(func() { openLedgerFn = orig })

	p := pipeline()
	p.Ledger = config.Ledger{Kind: "postgres", DSN: "postgres://x", Table: "runs"}
	_, err := Open(context.Background(), p, config.Env{})
	if !errors.Is(err, pipeerr.IOError) {
		t.Fatalf("Open() error = %v, want IOError", err)
	}
}

func TestRemotePathsDetected(t *testing.T) {
	p := pipeline()
	p.Sink.Destination = "s3://bucket/out"
	s, err := Open(context.Background(), p, config.Env{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if !s.remote {
		t.Fatal("s3 destination not detected")
	}
}

func TestDuckDBOpenedOnce(t *testing.T) {
	calls := 0
	orig := openDuckDBFn
	openDuckDBFn = func() (*sql.DB, error) {
		calls++
		return sql.Open("sqlite", filepath.Join(t.TempDir(), "duck.db"))
	}
	t.Cleanup(func() { openDuckDBFn = orig })

	s, err := Open(context.Background(), pipeline(), config.Env{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	a, err := s.DuckDB(context.Background())
	if err != nil {
		t.Fatalf("DuckDB() error = %v", err)
	}
	b, err := s.DuckDB(context.Background())
	if err != nil {
		t.Fatalf("DuckDB() error = %v", err)
	}
	if a != b || calls != 1 {
		t.Fatalf("DuckDB opened %d times, same handle = %v", calls, a == b)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestS3Statements(t *testing.T) {
	stmts := S3Statements(config.Env{
		S3Endpoint:        "http://minio:9000",
		S3AccessKeyID:     "AK",
		S3SecretAccessKey: "it's",
		S3Region:          "eu-west-1",
		S3UseSSL:          true,
	})
	if len(stmts) != 3 || stmts[0] != "INSTALL httpfs" || stmts[1] != "LOAD httpfs" {
		t.Fatalf("statements = %q", stmts)
	}
	for _, want := range []string{
		"ENDPOINT 'minio:9000'",
		"USE_SSL false",
		"SECRET 'it''s'",
		"REGION 'eu-west-1'",
	} {
		if !strings.Contains(stmts[2], want) {
			t.Errorf("secret statement missing %q: %s", want, stmts[2])
		}
	}
	if strings.Contains(stmts[2], "SESSION_TOKEN") {
		t.Errorf("unexpected session token: %s", stmts[2])
	}
}
