// Package keys holds the key and value rules shared by every layer of
// the engine: size limits, validation, and ordering. Keys are UTF-8
// strings compared as unsigned bytes, which is exactly what Go's
// built-in string comparison does, so Compare is a thin wrapper kept
// for readability at call sites.
package keys

import "strings"

const (
	// MaxKeySize is the largest key the engine accepts (10 KiB).
	MaxKeySize = 10 * 1024

	// MaxValueSize is the largest value the engine accepts (1 MiB).
	MaxValueSize = 1024 * 1024
)

// IsValidKey checks if a user key is acceptable. Must be non-empty and
// no larger than MaxKeySize.
func IsValidKey(key string) bool {
	return len(key) > 0 && len(key) <= MaxKeySize
}

// IsValidValue checks if a value is acceptable for a write. Empty
// values are rejected; deletion is the only nil-value path.
func IsValidValue(value []byte) bool {
	return len(value) > 0 && len(value) <= MaxValueSize
}

// Compare orders two keys by unsigned byte comparison.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}
