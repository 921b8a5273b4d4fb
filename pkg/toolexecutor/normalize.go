package toolexecutor

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"
)

// Size limits applied to tool results before they reach the conversation
const (
	MaxInlineBinary     = 16 * 1024
	MaxInlineStructured = 64 * 1024
	MaxInlineString     = 32 * 1024
)

const truncationMarker = "\n... [output truncated]"

// Normalize bounds the size of a tool result. Oversized binaries are replaced
// by a descriptor, oversized maps and lists by a summary, and long strings are
// cut with a marker. Small values are returned unchanged.
func Normalize(output interface{}) (interface{}, bool) {
	switch v := output.(type) {
	case nil:
		return nil, false
	case []byte:
		if len(v) <= MaxInlineBinary {
			return v, false
		}
		return map[string]interface{}{
			"type":        "binary",
			"size_bytes":  len(v),
			"description": fmt.Sprintf("binary output of %d bytes omitted", len(v)),
		}, true
	case string:
		if len(v) <= MaxInlineString {
			return v, false
		}
		return truncateUTF8(v, MaxInlineString) + truncationMarker, true
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return v, false
	}

	rv := reflect.ValueOf(output)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return output, false
		}
		rv = rv.Elem()
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		// Not representable as JSON; fall back to its printed form.
		s, truncated := Normalize(fmt.Sprintf("%v", output))
		return s, truncated
	}
	if len(encoded) <= MaxInlineStructured {
		return output, false
	}

	summary := map[string]interface{}{
		"truncated":  true,
		"size_bytes": len(encoded),
	}
	switch rv.Kind() {
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, fmt.Sprint(k.Interface()))
		}
		sort.Strings(keys)
		summary["keys"] = keys
	case reflect.Slice, reflect.Array:
		summary["length"] = rv.Len()
	case reflect.Struct:
		var fields map[string]json.RawMessage
		if json.Unmarshal(encoded, &fields) == nil {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			summary["keys"] = keys
		}
	}
	return summary, true
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
