// Package chunker splits reply text into bounded pieces that a one-shot speech
// primitive can play without being cut off.
package chunker

import "unicode"

// DefaultMaxLength is the chunk size used when none is configured.
const DefaultMaxLength = 120

// IsTerminalMark reports whether r ends a sentence or clause.
func IsTerminalMark(r rune) bool {
	switch r {
	case '.', '!', '?', ',':
		return true
	}
	return false
}

// SelectChunk returns the next chunk of remaining to speak. Lengths are in
// runes. A terminal mark in the back half of the window wins, then the last
// whitespace, then a hard cut at maxLength. An empty remaining yields "".
func SelectChunk(remaining string, maxLength int) string {
	return string(selectRunes([]rune(remaining), maxLength))
}

// Next is SelectChunk over a rune slice; the result aliases rs.
func Next(rs []rune, maxLength int) []rune {
	return selectRunes(rs, maxLength)
}

func selectRunes(rs []rune, maxLength int) []rune {
	if len(rs) == 0 {
		return nil
	}
	if maxLength < 1 {
		maxLength = 1
	}
	if len(rs) <= maxLength {
		return rs
	}

	// 1-based mark position must fall in [maxLength/2, maxLength].
	lo := maxLength / 2
	if lo < 1 {
		lo = 1
	}
	for pos := maxLength; pos >= lo; pos-- {
		if IsTerminalMark(rs[pos-1]) {
			return rs[:pos]
		}
	}

	// rs has more than maxLength runes, so index maxLength is in range.
	for i := maxLength; i >= 1; i-- {
		if unicode.IsSpace(rs[i]) {
			return rs[:i]
		}
	}

	return rs[:maxLength]
}
