// Package httpbody keeps short, printable excerpts of HTTP response bodies
// for errors and logs.
package httpbody

import (
	"io"
	"unicode/utf8"
)

const (
	// MaxBytes bounds how much of a body is kept for diagnostics.
	MaxBytes = 512

	// readLimit bounds how much of a body is read at all.
	readLimit = 64 * 1024
)

// Truncate shortens s to at most MaxBytes, cutting on a rune boundary, and
// marks the cut with "...".
func Truncate(s string) string {
	if len(s) <= MaxBytes {
		return s
	}

	cut := MaxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Read reads up to 64KiB of r and returns it truncated. A read error is
// returned together with whatever was read before it.
func Read(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, readLimit))
	return Truncate(string(data)), err
}
