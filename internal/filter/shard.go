package filter

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/zeebo/xxh3"

	"tickpipe/internal/table"
)

// KeyShard keeps the rows whose key columns hash to shard Index of Count.
// Rows with equal keys always land in the same shard, so partitions never
// span key shards.
type KeyShard struct {
	Columns []string
	Index   int
	Count   int
}

// ShardOf returns the shard of a rendered key.
func ShardOf(key string, count int) int {
	return int(xxh3.HashString(key) % uint64(count))
}

func (p KeyShard) Mask(rec arrow.Record) ([]bool, error) {
	cols := make([]arrow.Array, len(p.Columns))
	for i, c := range p.Columns {
		col, err := table.ColumnByName(rec, c)
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	n := int(rec.NumRows())
	mask := make([]bool, n)
	var b strings.Builder
	for r := 0; r < n; r++ {
		b.Reset()
		for i, col := range cols {
			if i > 0 {
				b.WriteByte(0)
			}
			v, err := table.ValueAt(col, r)
			if err != nil {
				return nil, err
			}
			b.WriteString(table.FormatValue(v))
		}
		mask[r] = ShardOf(b.String(), p.Count) == p.Index
	}
	return mask, nil
}
