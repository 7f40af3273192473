package lsp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NormalizeWorkspaceEdit folds both WorkspaceEdit shapes into one map of
// edits per document. Entries of documentChanges that are not text-document
// edits (file creates, renames, deletes) are skipped.
func NormalizeWorkspaceEdit(edit *WorkspaceEdit) map[DocumentURI][]TextEdit {
	out := make(map[DocumentURI][]TextEdit)
	if edit == nil {
		return out
	}

	for uri, edits := range edit.Changes {
		out[uri] = append(out[uri], edits...)
	}

	for _, raw := range edit.DocumentChanges {
		var tde TextDocumentEdit
		if err := json.Unmarshal(raw, &tde); err != nil || tde.TextDocument.URI == "" {
			continue
		}
		out[tde.TextDocument.URI] = append(out[tde.TextDocument.URI], tde.Edits...)
	}
	return out
}

// ApplyWorkspaceEdit applies a normalized workspace edit to in-memory file
// contents keyed by URI, returning the new contents. Persisting the result
// is the caller's concern. Documents the edit mentions but contents does not
// carry produce an error naming the file.
func ApplyWorkspaceEdit(contents map[DocumentURI]string, edit *WorkspaceEdit) (map[DocumentURI]string, error) {
	byURI := NormalizeWorkspaceEdit(edit)
	out := make(map[DocumentURI]string, len(byURI))

	for uri, edits := range byURI {
		content, ok := contents[uri]
		if !ok {
			return nil, fmt.Errorf("edit targets unknown document %s", URIToFilePath(uri))
		}
		applied, err := ApplyTextEdits(content, edits)
		if err != nil {
			return nil, fmt.Errorf("apply edits to %s: %w", URIToFilePath(uri), err)
		}
		out[uri] = applied
	}
	return out, nil
}

// ApplyTextEdits applies a set of edits to file content, deterministically
// and independent of the input order. Edits are sorted by start position and
// applied from the end of the file toward the beginning, so applying one edit
// never invalidates the coordinates of those not yet applied. Inserts at the
// same position land in their input order, matching protocol semantics.
func ApplyTextEdits(content string, edits []TextEdit) (string, error) {
	if len(edits) == 0 {
		return content, nil
	}

	sorted := make([]TextEdit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return comparePositions(sorted[i].Range.Start, sorted[j].Range.Start) < 0
	})

	lines := strings.Split(content, "\n")
	for i := len(sorted) - 1; i >= 0; i-- {
		var err error
		lines, err = applyOneEdit(lines, sorted[i])
		if err != nil {
			return "", err
		}
	}
	return strings.Join(lines, "\n"), nil
}

// applyOneEdit splices a single edit into the line sequence.
func applyOneEdit(lines []string, edit TextEdit) ([]string, error) {
	start, end := edit.Range.Start, edit.Range.End
	if comparePositions(start, end) > 0 {
		return nil, fmt.Errorf("edit range starts after it ends (%d:%d > %d:%d)",
			start.Line, start.Character, end.Line, end.Character)
	}
	if start.Line >= len(lines) || end.Line >= len(lines) {
		return nil, fmt.Errorf("edit lines %d-%d out of range (document has %d lines)",
			start.Line, end.Line, len(lines))
	}

	startByte, ok := byteOffsetForColumn(lines[start.Line], start.Character)
	if !ok {
		return nil, fmt.Errorf("edit start column %d out of range on line %d", start.Character, start.Line)
	}
	endByte, ok := byteOffsetForColumn(lines[end.Line], end.Character)
	if !ok {
		return nil, fmt.Errorf("edit end column %d out of range on line %d", end.Character, end.Line)
	}

	prefix := lines[start.Line][:startByte]
	suffix := lines[end.Line][endByte:]
	replacement := strings.Split(edit.NewText, "\n")

	// The first replacement line extends the prefix, the last one gains the
	// suffix, and everything between stands alone. A single-line replacement
	// is the degenerate case where prefix and suffix share one line.
	block := make([]string, len(replacement))
	copy(block, replacement)
	block[0] = prefix + block[0]
	block[len(block)-1] += suffix

	out := make([]string, 0, len(lines)-(end.Line-start.Line+1)+len(block))
	out = append(out, lines[:start.Line]...)
	out = append(out, block...)
	out = append(out, lines[end.Line+1:]...)
	return out, nil
}
