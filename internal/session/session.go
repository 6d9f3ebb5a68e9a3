// Package session owns the engine handles of one run: the object-store
// router, the embedded DuckDB connection and the run ledger. A Session is
// opened at run start and closed at run end; stages borrow its handles but
// never close them.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"tickpipe/internal/config"
	"tickpipe/internal/logger"
	"tickpipe/internal/objstore"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/storage"
)

const stage = "session"

// Test seams.
var (
	openLedgerFn = storage.OpenLedger
	openDuckDBFn = openDuckDB
)

// Session carries the handles shared by the stages of one run.
type Session struct {
	RunID string
	Job   string
	Store objstore.Store
	Mem   memory.Allocator

	env    config.Env
	remote bool
	log    *slog.Logger

	duckMu sync.Mutex
	duck   *sql.DB

	ledger *storage.Ledger
}

// Open builds the object-store router from env and, when p configures one,
// opens the run ledger. DuckDB is opened lazily by DuckDB.
func Open(ctx context.Context, p config.Pipeline, env config.Env) (*Session, error) {
	s := &Session{
		RunID: uuid.NewString(),
		Job:   p.Job,
		Mem:   memory.DefaultAllocator,
		env:   env,
		log:   logger.Stage(stage),
	}
	for _, path := range append(append([]string(nil), p.Source.Paths...), p.Sink.Destination) {
		if objstore.IsRemote(path) {
			s.remote = true
		}
	}

	store, err := NewStore(env)
	if err != nil {
		return nil, err
	}
	s.Store = store

	if p.Ledger.Kind != "" {
		l, err := openLedgerFn(ctx, storage.Config{Kind: p.Ledger.Kind, DSN: p.Ledger.DSN, Table: p.Ledger.Table})
		if err != nil {
			return nil, pipeerr.New(pipeerr.IOError, stage, "ledger", err)
		}
		s.ledger = l
	}
	s.log.Debug("session opened", "run_id", s.RunID, "s3", env.HasS3(), "ledger", p.Ledger.Kind)
	return s, nil
}

// NewStore returns a router over the local filesystem and, when env carries
// credentials, the S3-compatible object store.
func NewStore(env config.Env) (*objstore.Router, error) {
	if !env.HasS3() {
		return objstore.NewRouter(nil), nil
	}
	s3, err := objstore.NewS3(objstore.S3Config{
		Endpoint:        env.S3Endpoint,
		AccessKeyID:     env.S3AccessKeyID,
		SecretAccessKey: env.S3SecretAccessKey,
		SessionToken:    env.S3SessionToken,
		Region:          env.S3Region,
		UseSSL:          env.S3UseSSL,
	})
	if err != nil {
		return nil, pipeerr.New(pipeerr.ConfigError, stage, "s3", err)
	}
	return objstore.NewRouter(s3), nil
}

// Ledger returns the run ledger, or nil when none is configured.
func (s *Session) Ledger() *storage.Ledger { return s.ledger }

// DuckDB returns the session's DuckDB connection, opening it on first use.
// When the run touches s3:// paths the httpfs extension is loaded and an S3
// secret is created from the environment.
func (s *Session) DuckDB(ctx context.Context) (*sql.DB, error) {
	s.duckMu.Lock()
	defer s.duckMu.Unlock()
	if s.duck != nil {
		return s.duck, nil
	}
	db, err := openDuckDBFn()
	if err != nil {
		return nil, pipeerr.New(pipeerr.IOError, stage, "duckdb", err)
	}
	if s.remote && s.env.HasS3() {
		for _, stmt := range S3Statements(s.env) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				db.Close()
				return nil, pipeerr.New(pipeerr.IOError, stage, "duckdb", fmt.Errorf("configure httpfs: %w", err))
			}
		}
	}
	s.duck = db
	return db, nil
}

func openDuckDB() (*sql.DB, error) {
	conn, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(conn), nil
}

// S3Statements renders the DuckDB statements that let read_parquet reach
// the configured object store.
func S3Statements(env config.Env) []string {
	endpoint, ssl := env.S3Endpoint, env.S3UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, ssl = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, ssl = strings.TrimPrefix(endpoint, "http://"), false
	}
	secret := []string{
		"TYPE s3",
		"KEY_ID " + literal(env.S3AccessKeyID),
		"SECRET " + literal(env.S3SecretAccessKey),
		"ENDPOINT " + literal(endpoint),
		"REGION " + literal(env.S3Region),
		fmt.Sprintf("USE_SSL %t", ssl),
		"URL_STYLE 'path'",
	}
	if env.S3SessionToken != "" {
		secret = append(secret, "SESSION_TOKEN "+literal(env.S3SessionToken))
	}
	return []string{
		"INSTALL httpfs",
		"LOAD httpfs",
		"CREATE OR REPLACE SECRET tickpipe_s3 (" + strings.Join(secret, ", ") + ")",
	}
}

func literal(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

// Close releases every handle the session opened.
func (s *Session) Close() error {
	var firstErr error
	s.duckMu.Lock()
	if s.duck != nil {
		firstErr = s.duck.Close()
		s.duck = nil
	}
	s.duckMu.Unlock()
	if s.ledger != nil {
		s.ledger.Close()
		s.ledger = nil
	}
	return firstErr
}
