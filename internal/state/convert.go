package state

// Conversion helpers for values read out of the document. Values pass
// through JSON, so numbers arrive as float64 and lists as []any;
// readers must not assume one writer shape.

// AsString extracts a string, or "" when absent or differently typed.
func AsString(v any) string {
	s, _ := v.(string)
	return s
}

// AsInt64 extracts an integer from either a float64 (JSON number) or
// a native integer write.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// AsBool extracts a bool, or false.
func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// AsStringSlice extracts a list of strings from []any or []string.
func AsStringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// AsRecord extracts a nested record, or nil.
func AsRecord(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// Contains reports whether the string list value contains s.
func Contains(v any, s string) bool {
	for _, item := range AsStringSlice(v) {
		if item == s {
			return true
		}
	}
	return false
}
