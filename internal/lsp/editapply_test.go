package lsp

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edit(startLine, startCol, endLine, endCol int, text string) TextEdit {
	return TextEdit{
		Range: Range{
			Start: Position{Line: startLine, Character: startCol},
			End:   Position{Line: endLine, Character: endCol},
		},
		NewText: text,
	}
}

func TestApplyTextEditsSingleLine(t *testing.T) {
	got, err := ApplyTextEdits("hello world", []TextEdit{edit(0, 6, 0, 11, "gopher")})
	require.NoError(t, err)
	assert.Equal(t, "hello gopher", got)
}

func TestApplyTextEditsInsertion(t *testing.T) {
	// Zero-width range at end of line inserts.
	got, err := ApplyTextEdits("ab", []TextEdit{edit(0, 2, 0, 2, "c")})
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestApplyTextEditsMultiLineRange(t *testing.T) {
	content := "line one\nline two\nline three"
	// Replace from the middle of line 0 to the middle of line 2.
	got, err := ApplyTextEdits(content, []TextEdit{edit(0, 5, 2, 5, "X")})
	require.NoError(t, err)
	assert.Equal(t, "line Xthree", got)
}

func TestApplyTextEditsMultiLineReplacement(t *testing.T) {
	got, err := ApplyTextEdits("one\ntwo", []TextEdit{edit(0, 3, 1, 0, "\nand a half\n")})
	require.NoError(t, err)
	assert.Equal(t, "one\nand a half\ntwo", got)
}

func TestApplyTextEditsOrderIndependent(t *testing.T) {
	content := "alpha\nbeta\ngamma\ndelta\nepsilon\nzeta"
	edits := []TextEdit{
		edit(0, 0, 0, 5, "ALPHA"),
		// Multi-line: collapse beta through delta into a two-line block.
		edit(1, 0, 3, 5, "MIDDLE\nBLOCK"),
		edit(4, 0, 4, 7, "EPSILON"),
		edit(5, 4, 5, 4, " INSERT"),
	}
	want := "ALPHA\nMIDDLE\nBLOCK\nEPSILON\nzeta INSERT"

	forward, err := ApplyTextEdits(content, edits)
	require.NoError(t, err)
	assert.Equal(t, want, forward)

	reversed := []TextEdit{edits[3], edits[2], edits[1], edits[0]}
	backward, err := ApplyTextEdits(content, reversed)
	require.NoError(t, err)
	assert.Equal(t, want, backward)

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 10; trial++ {
		shuffled := make([]TextEdit, len(edits))
		copy(shuffled, edits)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		got, err := ApplyTextEdits(content, shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got, "trial %d", trial)
	}
}

func TestApplyTextEditsSameLineNonOverlapping(t *testing.T) {
	content := "foo(bar, baz)"
	edits := []TextEdit{
		edit(0, 0, 0, 3, "qux"),
		edit(0, 4, 0, 7, "one"),
		edit(0, 9, 0, 12, "two"),
	}
	got, err := ApplyTextEdits(content, edits)
	require.NoError(t, err)
	assert.Equal(t, "qux(one, two)", got)
}

func TestApplyTextEditsIdenticalRangeStableOrder(t *testing.T) {
	// Two insertions at the same position keep their input order.
	edits := []TextEdit{
		edit(0, 1, 0, 1, "b"),
		edit(0, 1, 0, 1, "c"),
	}
	got, err := ApplyTextEdits("ad", edits)
	require.NoError(t, err)
	assert.Equal(t, "abcd", got)
}

func TestApplyTextEditsEmpty(t *testing.T) {
	got, err := ApplyTextEdits("unchanged", nil)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", got)
}

func TestApplyTextEditsErrors(t *testing.T) {
	tests := []struct {
		name string
		e    TextEdit
	}{
		{"line out of range", edit(5, 0, 5, 0, "x")},
		{"end line out of range", edit(0, 0, 9, 0, "x")},
		{"start after end", edit(0, 3, 0, 1, "x")},
		{"column past end of line", edit(0, 50, 0, 50, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyTextEdits("short\nlines", []TextEdit{tt.e})
			assert.Error(t, err)
		})
	}
}

func TestApplyTextEditsUTF16Columns(t *testing.T) {
	// é is one UTF-16 unit but two bytes; 🎉 is two units and four bytes.
	got, err := ApplyTextEdits("café🎉!", []TextEdit{edit(0, 6, 0, 7, "?")})
	require.NoError(t, err)
	assert.Equal(t, "café🎉?", got)

	got, err = ApplyTextEdits("café", []TextEdit{edit(0, 3, 0, 4, "e")})
	require.NoError(t, err)
	assert.Equal(t, "cafe", got)

	// A column landing inside a surrogate pair is rejected.
	_, err = ApplyTextEdits("🎉", []TextEdit{edit(0, 1, 0, 1, "x")})
	assert.Error(t, err)
}

func TestNormalizeWorkspaceEdit(t *testing.T) {
	docEdit, err := json.Marshal(TextDocumentEdit{
		TextDocument: OptionalVersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: "file:///b.go"},
		},
		Edits: []TextEdit{edit(0, 0, 0, 1, "B")},
	})
	require.NoError(t, err)

	we := &WorkspaceEdit{
		Changes: map[DocumentURI][]TextEdit{
			"file:///a.go": {edit(0, 0, 0, 1, "A")},
		},
		DocumentChanges: []json.RawMessage{
			docEdit,
			json.RawMessage(`{"kind":"rename","oldUri":"file:///b.go","newUri":"file:///c.go"}`),
		},
	}

	byURI := NormalizeWorkspaceEdit(we)
	require.Len(t, byURI, 2)
	assert.Len(t, byURI["file:///a.go"], 1)
	assert.Len(t, byURI["file:///b.go"], 1)
	assert.Equal(t, "B", byURI["file:///b.go"][0].NewText)

	assert.Empty(t, NormalizeWorkspaceEdit(nil))
}

func TestApplyWorkspaceEdit(t *testing.T) {
	we := &WorkspaceEdit{
		Changes: map[DocumentURI][]TextEdit{
			"file:///a.go": {edit(0, 0, 0, 3, "new")},
		},
	}

	out, err := ApplyWorkspaceEdit(map[DocumentURI]string{"file:///a.go": "old text"}, we)
	require.NoError(t, err)
	assert.Equal(t, "new text", out["file:///a.go"])

	_, err = ApplyWorkspaceEdit(map[DocumentURI]string{}, we)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/a.go")
}
