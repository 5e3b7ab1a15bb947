// Package utils holds small helpers shared by the HTTP and service layers.
package utils

import "strconv"

// Page-size bounds for session listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// NormalizePage bounds a 1-based page and its size. A non-positive size
// falls back to DefaultPageSize.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	return page, Clamp(size, 1, MaxPageSize)
}

// Offset is the row offset of a normalized page.
func Offset(page, size int) int {
	page, size = NormalizePage(page, size)
	return (page - 1) * size
}
