package sink

import (
	"strings"

	"github.com/apache/arrow-go/v18/parquet/compress"

	"tickpipe/internal/pipeerr"
)

var codecs = map[string]compress.Compression{
	"zstd":   compress.Codecs.Zstd,
	"snappy": compress.Codecs.Snappy,
	"gzip":   compress.Codecs.Gzip,
	"brotli": compress.Codecs.Brotli,
	"lz4":    compress.Codecs.Lz4Raw,
	"none":   compress.Codecs.Uncompressed,
}

// Codec resolves a codec name. The empty name selects zstd.
func Codec(name string) (compress.Compression, error) {
	if name == "" {
		return compress.Codecs.Zstd, nil
	}
	c, ok := codecs[strings.ToLower(name)]
	if !ok {
		return 0, pipeerr.Newf(pipeerr.ConfigError, stage, "compression", "unknown codec %q", name)
	}
	return c, nil
}
