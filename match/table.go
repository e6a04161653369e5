package match

import (
	"fmt"
	"sync"

	"github.com/musleh123/portals4/handle"
)

// Table is an NI's portal table: a fixed-size array of *PT slots, each
// either nil (never allocated) or a live PT, matching PtlPTAlloc's
// "pick the lowest free index" allocator.
type Table struct {
	mu  sync.Mutex
	pts []*PT
}

// NewTable constructs an empty table with size slots (spec §3's
// per-NI portal table size limit).
func NewTable(size int) *Table {
	return &Table{pts: make([]*PT, size)}
}

// Alloc finds the lowest free index and installs a new PT there, bound
// to eq (handle.Invalid if PTL_EQ_NONE).
func (t *Table) Alloc(eq handle.Handle) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, pt := range t.pts {
		if pt == nil {
			t.pts[i] = NewPT(uint32(i), eq)
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("match: portal table exhausted (%d entries)", len(t.pts))
}

// Free removes the PT at index, so a later Alloc may reuse the slot.
func (t *Table) Free(index uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.pts) || t.pts[index] == nil {
		return fmt.Errorf("match: free of unallocated PT index %d", index)
	}
	t.pts[index] = nil
	return nil
}

// Get resolves index to its PT, or nil if the index is unallocated.
func (t *Table) Get(index uint32) *PT {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.pts) {
		return nil
	}
	return t.pts[index]
}

// Enable/Disable toggle whether a PT accepts new requests (PtlPTEnable/
// PtlPTDisable); a disabled PT's Match should not be called by the
// caller -- Table does not enforce this itself since the check happens
// earlier, against the request's operation, not the list walk.
func (t *Table) Enable(index uint32) error {
	pt := t.Get(index)
	if pt == nil {
		return fmt.Errorf("match: enable of unallocated PT index %d", index)
	}
	pt.Disabled = false
	return nil
}

func (t *Table) Disable(index uint32) error {
	pt := t.Get(index)
	if pt == nil {
		return fmt.Errorf("match: disable of unallocated PT index %d", index)
	}
	pt.Disabled = true
	return nil
}
