package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLocalGlobDoubleStar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "symbol=B", "part-0.parquet"), "b")
	writeFile(t, filepath.Join(dir, "symbol=A", "day=1", "part-0.parquet"), "a")
	writeFile(t, filepath.Join(dir, "symbol=A", "notes.txt"), "x")

	got, err := Local{}.Glob(context.Background(), filepath.Join(dir, "**", "*.parquet"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	want := []string{
		filepath.Join(dir, "symbol=A", "day=1", "part-0.parquet"),
		filepath.Join(dir, "symbol=B", "part-0.parquet"),
	}
	if len(got) != len(want) {
		t.Fatalf("Glob = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Glob[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLocalOpenHonorsContext(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.bin")
	writeFile(t, p, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Local{}).Open(ctx, p); !errors.Is(err, context.Canceled) {
		t.Fatalf("Open with canceled ctx = %v, want context.Canceled", err)
	}

	f, err := Local{}.Open(context.Background(), "file://"+p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if f.Size() != 5 {
		t.Fatalf("Size = %d, want 5", f.Size())
	}
	buf := make([]byte, 3)
	if _, err := f.ReadAt(buf, 2); err != nil || string(buf) != "llo" {
		t.Fatalf("ReadAt = %q, %v", buf, err)
	}
}

func TestLocalStageAndCommit(t *testing.T) {
	dest := t.TempDir()
	var s Local
	stage, err := s.StagingDir(dest, "run1")
	if err != nil {
		t.Fatalf("StagingDir: %v", err)
	}
	staged := filepath.Join(stage, "x.parquet")
	writeFile(t, staged, "data")

	dst := Join(dest, "symbol=A", "part-run1-0.parquet")
	if err := s.Commit(context.Background(), staged, dst); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if b, err := os.ReadFile(dst); err != nil || string(b) != "data" {
		t.Fatalf("committed file = %q, %v", b, err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("staged file should be gone, stat err = %v", err)
	}
}

func TestParseURIAndJoin(t *testing.T) {
	b, k, err := ParseURI("s3://ticks/raw/2024/x.parquet")
	if err != nil || b != "ticks" || k != "raw/2024/x.parquet" {
		t.Fatalf("ParseURI = %q %q %v", b, k, err)
	}
	if _, _, err := ParseURI("s3:///nobucket"); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if got := Join("s3://ticks/out", "symbol=A", "p.parquet"); got != "s3://ticks/out/symbol=A/p.parquet" {
		t.Fatalf("Join = %q", got)
	}
}

func TestRouterWithoutS3(t *testing.T) {
	r := NewRouter(nil)
	if _, err := r.Glob(context.Background(), "s3://b/*.parquet"); !errors.Is(err, ErrNoObjectStore) {
		t.Fatalf("Glob = %v, want ErrNoObjectStore", err)
	}
	if _, err := r.Glob(context.Background(), filepath.Join(t.TempDir(), "*.parquet")); err != nil {
		t.Fatalf("local Glob through router: %v", err)
	}
}

func TestNewS3RequiresEndpoint(t *testing.T) {
	if _, err := NewS3(S3Config{}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	s, err := NewS3(S3Config{Endpoint: "http://localhost:9000", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil || s == nil {
		t.Fatalf("NewS3 = %v, %v", s, err)
	}
}

func TestLocalRemove(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "k=1", "part-0.parquet")
	writeFile(t, p, "x")

	if err := (Local{}).Remove(context.Background(), "file://"+p); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
	if err := (Local{}).Remove(context.Background(), p); err != nil {
		t.Fatalf("Remove of missing file: %v", err)
	}
}
