package source

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPartition is the hive marker for a null or empty partition value.
const DefaultPartition = "__HIVE_DEFAULT_PARTITION__"

// HiveValues extracts the declared keys from the key=value directory segments
// of path. A nil entry is a null value. Every key must be present. When a key
// repeats, the segment closest to the file wins.
func HiveValues(path string, keys []string) (map[string]*string, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make(map[string]*string, len(keys))

	segs := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	if len(segs) > 0 {
		segs = segs[:len(segs)-1] // file name
	}
	for _, seg := range segs {
		k, v, ok := strings.Cut(seg, "=")
		if !ok || !want[k] {
			continue
		}
		if v == DefaultPartition || v == "" {
			out[k] = nil
			continue
		}
		dec, err := url.PathUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("partition segment %q: %w", seg, err)
		}
		out[k] = &dec
	}
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			return nil, fmt.Errorf("path has no %s=<value> segment", k)
		}
	}
	return out, nil
}

// HiveSegment encodes one key=value directory segment.
func HiveSegment(key string, value *string) string {
	if value == nil || *value == "" {
		return key + "=" + DefaultPartition
	}
	return key + "=" + url.PathEscape(*value)
}
