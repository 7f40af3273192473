package lsp

import "unicode/utf16"

// LSP positions count characters in UTF-16 code units. These helpers convert
// between UTF-16 columns and byte offsets within a single line.

// byteOffsetForColumn returns the byte offset in line corresponding to a
// UTF-16 column. The offset one past the end of the line is valid (edits may
// insert at end of line). Returns false if the column lies beyond that.
func byteOffsetForColumn(line string, col int) (int, bool) {
	if col < 0 {
		return 0, false
	}
	units := 0
	for i, r := range line {
		if units == col {
			return i, true
		}
		if units > col {
			// col landed inside a surrogate pair; treat as invalid.
			return 0, false
		}
		units += utf16.RuneLen(r)
	}
	if units == col {
		return len(line), true
	}
	return 0, col == units
}

// utf16Length returns the length of s in UTF-16 code units.
func utf16Length(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// comparePositions orders two positions: -1 if a precedes b, 0 if equal,
// 1 if a follows b.
func comparePositions(a, b Position) int {
	switch {
	case a.Line < b.Line:
		return -1
	case a.Line > b.Line:
		return 1
	case a.Character < b.Character:
		return -1
	case a.Character > b.Character:
		return 1
	default:
		return 0
	}
}

// positionInRange reports whether pos falls within rng. The end position is
// inclusive, matching how diagnostics under a cursor are selected.
func positionInRange(pos Position, rng Range) bool {
	return comparePositions(pos, rng.Start) >= 0 && comparePositions(pos, rng.End) <= 0
}
