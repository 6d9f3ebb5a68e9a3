package table

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// SortKey orders by one column.
type SortKey struct {
	Column string
	Desc   bool
}

// ParseSortKeys parses "col" (ascending) and "-col" (descending) entries.
func ParseSortKeys(specs []string) []SortKey {
	keys := make([]SortKey, 0, len(specs))
	for _, s := range specs {
		switch {
		case strings.HasPrefix(s, "-"):
			keys = append(keys, SortKey{Column: s[1:], Desc: true})
		case strings.HasPrefix(s, "+"):
			keys = append(keys, SortKey{Column: s[1:]})
		default:
			keys = append(keys, SortKey{Column: s})
		}
	}
	return keys
}

// Sort is the explicit global ordering stage. It drains s, then yields a
// single batch ordered by keys. Nulls sort first; ties keep arrival order.
func Sort(ctx context.Context, mem memory.Allocator, s Stream, keys []SortKey) (Stream, error) {
	schema := s.Schema()
	for _, k := range keys {
		if FieldIndex(schema, k.Column) < 0 {
			s.Close()
			return nil, fmt.Errorf("sort: column %q not found", k.Column)
		}
	}
	recs, err := Collect(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return FromRecords(schema), nil
	}
	all, err := Concat(mem, schema, recs)
	Release(recs)
	if err != nil {
		return nil, err
	}
	defer all.Release()

	n := int(all.NumRows())
	vals := make([][]any, len(keys))
	for k, key := range keys {
		col, _ := ColumnByName(all, key.Column)
		vals[k] = make([]any, n)
		for i := 0; i < n; i++ {
			if vals[k][i], err = ValueAt(col, i); err != nil {
				return nil, fmt.Errorf("sort: column %q: %w", key.Column, err)
			}
		}
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		for k, key := range keys {
			c := compare(vals[k][perm[a]], vals[k][perm[b]])
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	sorted, err := Take(mem, all, perm)
	if err != nil {
		return nil, err
	}
	return FromRecords(schema, sorted), nil
}

// compare orders two Record values of the same column.
func compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case int64:
		y := b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	case string:
		return strings.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case !x && y:
			return -1
		case x && !y:
			return 1
		}
	}
	return 0
}

