package match

import (
	"testing"

	"github.com/musleh123/portals4/handle"
)

func TestTableAllocLowestFreeIndex(t *testing.T) {
	tbl := NewTable(4)
	i0, err := tbl.Alloc(handle.Invalid)
	if err != nil || i0 != 0 {
		t.Fatalf("first alloc = %d, %v, want 0, nil", i0, err)
	}
	i1, err := tbl.Alloc(handle.Invalid)
	if err != nil || i1 != 1 {
		t.Fatalf("second alloc = %d, %v, want 1, nil", i1, err)
	}
	if err := tbl.Free(i0); err != nil {
		t.Fatalf("free: %v", err)
	}
	i2, err := tbl.Alloc(handle.Invalid)
	if err != nil || i2 != 0 {
		t.Fatalf("alloc after free = %d, %v, want 0, nil (lowest free index reused)", i2, err)
	}
}

func TestTableAllocExhaustion(t *testing.T) {
	tbl := NewTable(2)
	if _, err := tbl.Alloc(handle.Invalid); err != nil {
		t.Fatalf("alloc 0: %v", err)
	}
	if _, err := tbl.Alloc(handle.Invalid); err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	if _, err := tbl.Alloc(handle.Invalid); err == nil {
		t.Fatalf("expected exhaustion error on third alloc of a size-2 table")
	}
}

func TestTableFreeUnallocatedIsError(t *testing.T) {
	tbl := NewTable(2)
	if err := tbl.Free(0); err == nil {
		t.Fatalf("expected error freeing an unallocated index")
	}
	if err := tbl.Free(5); err == nil {
		t.Fatalf("expected error freeing an out-of-range index")
	}
}

func TestTableGetReturnsNilForUnallocated(t *testing.T) {
	tbl := NewTable(2)
	if tbl.Get(0) != nil {
		t.Fatalf("expected nil for unallocated slot")
	}
	if tbl.Get(99) != nil {
		t.Fatalf("expected nil for out-of-range index")
	}
	idx, _ := tbl.Alloc(handle.Invalid)
	if tbl.Get(idx) == nil {
		t.Fatalf("expected a live PT after alloc")
	}
}

func TestTableEnableDisable(t *testing.T) {
	tbl := NewTable(1)
	idx, _ := tbl.Alloc(handle.Invalid)
	pt := tbl.Get(idx)
	if pt.Disabled {
		t.Fatalf("expected a freshly allocated PT to start enabled")
	}
	if err := tbl.Disable(idx); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !pt.Disabled {
		t.Fatalf("expected PT to be disabled")
	}
	if err := tbl.Enable(idx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if pt.Disabled {
		t.Fatalf("expected PT to be enabled again")
	}
}

func TestTableEnableDisableUnallocatedIsError(t *testing.T) {
	tbl := NewTable(1)
	if err := tbl.Enable(0); err == nil {
		t.Fatalf("expected error enabling an unallocated PT")
	}
	if err := tbl.Disable(0); err == nil {
		t.Fatalf("expected error disabling an unallocated PT")
	}
}
