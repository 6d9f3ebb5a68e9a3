package pipeerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("run: %w", New(PartitionExplosion, "writer", "symbol", io.ErrShortWrite))

	if !errors.Is(err, PartitionExplosion) {
		t.Fatalf("errors.Is(err, PartitionExplosion) = false, want true")
	}
	if errors.Is(err, IOError) {
		t.Fatalf("errors.Is(err, IOError) = true, want false")
	}
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("cause not reachable through Unwrap")
	}
	if got := KindOf(err); got != PartitionExplosion {
		t.Fatalf("KindOf = %q, want %q", got, PartitionExplosion)
	}
	if got := StageOf(err); got != "writer" {
		t.Fatalf("StageOf = %q, want writer", got)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{New(SourceNotFound, "reader", "data/*.parquet", errors.New("no files matched")),
			"source_not_found [reader] data/*.parquet: no files matched"},
		{Newf(ConfigError, "", "", "bad codec %q", "lzma"),
			`config_error: bad codec "lzma"`},
		{New(IOError, "writer", "", nil), "io_error [writer]"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("x")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
}
