package lsp

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// CapabilitySet is the raw capability document a server returned from its
// initialize handshake. Lookups walk the JSON directly so the engine never
// has to model every server's capability shape.
type CapabilitySet struct {
	raw json.RawMessage
}

// NewCapabilitySet wraps a raw capability document.
func NewCapabilitySet(raw json.RawMessage) CapabilitySet {
	return CapabilitySet{raw: raw}
}

// IsZero returns true if no capability document has been negotiated.
func (c CapabilitySet) IsZero() bool {
	return len(c.raw) == 0
}

// Raw returns the underlying capability document.
func (c CapabilitySet) Raw() json.RawMessage {
	return c.raw
}

// Has walks the document by the dot-separated path. A missing segment is
// false, a boolean leaf is its own value, an object leaf means the capability
// is present with options, and any other leaf is false.
func (c CapabilitySet) Has(path string) bool {
	res := gjson.GetBytes(c.raw, path)
	switch {
	case !res.Exists():
		return false
	case res.IsBool():
		return res.Bool()
	case res.IsObject():
		return true
	default:
		return false
	}
}

// SignatureHelpTriggers returns the server's signature-help trigger
// characters, defaulting to "(" and "," when unspecified.
func (c CapabilitySet) SignatureHelpTriggers() []string {
	res := gjson.GetBytes(c.raw, "signatureHelpProvider.triggerCharacters")
	if !res.IsArray() {
		return []string{"(", ","}
	}
	var out []string
	for _, v := range res.Array() {
		out = append(out, v.String())
	}
	if len(out) == 0 {
		return []string{"(", ","}
	}
	return out
}

// SupportsDocumentChanges reports whether the server understands the
// documentChanges form of a WorkspaceEdit.
func (c CapabilitySet) SupportsDocumentChanges() bool {
	return c.Has("workspace.workspaceEdit.documentChanges")
}

// SupportsFileOperations reports whether the server handles workspace file
// operations (willRename and friends).
func (c CapabilitySet) SupportsFileOperations() bool {
	return c.Has("workspace.fileOperations")
}

// SupportsPullDiagnostics reports whether textDocument/diagnostic is
// available.
func (c CapabilitySet) SupportsPullDiagnostics() bool {
	return c.Has("diagnosticProvider")
}

// wellKnownProviders are the capabilities listed in a summary, in a stable
// order.
var wellKnownProviders = []string{
	"completionProvider",
	"hoverProvider",
	"signatureHelpProvider",
	"definitionProvider",
	"typeDefinitionProvider",
	"implementationProvider",
	"referencesProvider",
	"documentSymbolProvider",
	"workspaceSymbolProvider",
	"codeActionProvider",
	"documentFormattingProvider",
	"documentRangeFormattingProvider",
	"renameProvider",
	"diagnosticProvider",
	"callHierarchyProvider",
	"typeHierarchyProvider",
	"foldingRangeProvider",
}

// Summary returns a human-readable list of the well-known provider
// capabilities this server advertises.
func (c CapabilitySet) Summary() string {
	var present []string
	for _, p := range wellKnownProviders {
		if c.Has(p) {
			present = append(present, strings.TrimSuffix(p, "Provider"))
		}
	}
	if len(present) == 0 {
		return "no provider capabilities advertised"
	}
	return "supports: " + strings.Join(present, ", ")
}

// CapabilityCache maps command signatures to their last negotiated capability
// document. Entries outlive sessions so lookups stay valid across a restart
// until the next successful initialize overwrites them.
type CapabilityCache struct {
	mu   sync.RWMutex
	docs map[string]CapabilitySet
}

// NewCapabilityCache creates an empty cache.
func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{docs: make(map[string]CapabilitySet)}
}

// Get returns the cached capability set for a command signature.
func (c *CapabilityCache) Get(signature string) (CapabilitySet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.docs[signature]
	return set, ok
}

// Put overwrites the entry for a command signature.
func (c *CapabilityCache) Put(signature string, set CapabilitySet) {
	c.mu.Lock()
	c.docs[signature] = set
	c.mu.Unlock()
}
