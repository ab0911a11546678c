// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"sort"
	"sync"

	"github.com/bureau-foundation/conmon/lib/ipc"
)

// Table maps container IDs to handles. The mutex is held only for map
// access, never across I/O.
type Table struct {
	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{handles: make(map[string]*Handle)}
}

// reserve inserts h under its ID. The ID must be unused.
func (t *Table) reserve(h *Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ipc.Errorf(ipc.CodeInternalError, "supervisor is shutting down")
	}
	if _, exists := t.handles[h.id]; exists {
		return ipc.Errorf(ipc.CodeDuplicateID, "container %q already exists", h.id)
	}
	t.handles[h.id] = h
	return nil
}

// release removes the handle for id. Only failed creates release.
func (t *Table) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, id)
}

// close stops further reservations.
func (t *Table) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// Get returns the handle for id.
func (t *Table) Get(id string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	return h, ok
}

// Handles returns every handle, sorted by ID.
func (t *Table) Handles() []*Handle {
	t.mu.Lock()
	handles := make([]*Handle, 0, len(t.handles))
	for _, h := range t.handles {
		handles = append(handles, h)
	}
	t.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].id < handles[j].id })
	return handles
}
