package postgres

import (
	"context"
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5"

	"tickpipe/internal/storage"
)

func TestSplitFQN(t *testing.T) {
	tests := []struct {
		in   string
		want pgx.Identifier
	}{
		{"runs", pgx.Identifier{"runs"}},
		{"ops.runs", pgx.Identifier{"ops", "runs"}},
		{"ops..runs", pgx.Identifier{"ops", "runs"}},
	}
	for _, tt := range tests {
		if got := splitFQN(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitFQN(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLedgerDDL(t *testing.T) {
	got, err := storage.BuildCreateTableSQL(storage.TableDef{
		FQN:     "ops.runs",
		Columns: []storage.ColumnDef{{Name: "run_id", Type: storage.TypeText}, {Name: "committed_at", Type: storage.TypeTimestamp}},
	}, Dialect)
	if err != nil {
		t.Fatalf("BuildCreateTableSQL() error = %v", err)
	}
	want := "CREATE TABLE IF NOT EXISTS \"ops\".\"runs\" (\n  \"run_id\" text NOT NULL,\n  \"committed_at\" timestamptz NOT NULL\n)"
	if got != want {
		t.Fatalf("got\n%s\nwant\n%s", got, want)
	}
}

type nopRepo struct{}

func (nopRepo) CopyFrom(context.Context, []string, [][]any) (int64, error) { return 0, nil }
func (nopRepo) Exec(context.Context, string) error                         { return nil }
func (nopRepo) Close()                                                     {}

func TestRegisteredFactory(t *testing.T) {
	var gotDSN string
	orig := newRepository
	newRepository = func(_ context.Context, cfg storage.Config) (storage.Repository, error) {
		gotDSN = cfg.DSN
		return nopRepo{}, nil
	}
	t.Cleanup(func() { newRepository = orig })

	if _, err := storage.New(context.Background(), storage.Config{Kind: "postgres", DSN: "postgres://x"}); err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	if gotDSN != "postgres://x" {
		t.Fatalf("factory got DSN %q", gotDSN)
	}
}
