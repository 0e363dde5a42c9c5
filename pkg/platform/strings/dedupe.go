// Package strings provides string slice utilities.
package strings

import "strings"

// Distinct removes duplicates and empty strings from a slice, preserving
// first-seen order. Values are compared exactly; no trimming or case folding.
//
// Example:
//
//	Distinct([]string{"a@x", "", "b@x", "a@x"})
//	// Returns: []string{"a@x", "b@x"}
func Distinct(values []string) []string {
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// PromoteToFront moves value to index 0, inserting it when absent. An empty
// value leaves the slice unchanged. The input slice is not modified.
//
// Example:
//
//	PromoteToFront([]string{"b", "a", "c"}, "a")
//	// Returns: []string{"a", "b", "c"}
func PromoteToFront(values []string, value string) []string {
	if value == "" {
		return values
	}
	result := make([]string, 0, len(values)+1)
	result = append(result, value)
	for _, v := range values {
		if v != value {
			result = append(result, v)
		}
	}
	return result
}

// TrimToNil trims whitespace and returns nil for an empty result, mapping
// request fields onto nullable columns.
func TrimToNil(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// Deref returns the pointed-to string or "" for nil.
func Deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
