// Package affordance implements the per-tab affordance map: stable refs of
// the form aff:<10-hex> bound to the concrete tool call an agent can
// replay instead of re-deriving a brittle selector.
//
// Grounded on original_source/mcp_servers/browser/affordances.py.
package affordance

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

const maxEntries = 100

// Entry is one affordance binding.
type Entry struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Map is a bounded, per-tab affordance table. Every Record call replaces
// the table wholesale — affordances describe "what's on the page right
// now", not a running history.
type Map struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New returns an empty affordance map.
func New() *Map {
	return &Map{entries: make(map[string]Entry)}
}

// Record replaces the entire table with the given entries in order,
// minting a fresh ref for each, truncated to maxEntries. Returns the refs
// in the same order as the input so the caller can attach them to its
// observation output.
func (m *Map) Record(items []Entry) ([]string, error) {
	if len(items) > maxEntries {
		items = items[:maxEntries]
	}
	fresh := make(map[string]Entry, len(items))
	refs := make([]string, len(items))
	for i, e := range items {
		ref, err := newRef()
		if err != nil {
			return nil, err
		}
		fresh[ref] = e
		refs[i] = ref
	}

	m.mu.Lock()
	m.entries = fresh
	m.mu.Unlock()
	return refs, nil
}

// Resolve looks up a ref, reporting false if it's unknown or was
// invalidated by a subsequent Record.
func (m *Map) Resolve(ref string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ref]
	return e, ok
}

// Clear drops every entry, e.g. as part of recover_reset().
func (m *Map) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]Entry)
	m.mu.Unlock()
}

func newRef() (string, error) {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "aff:" + hex.EncodeToString(b[:]), nil
}
