package match

import "testing"

func TestListAppendFIFOOrder(t *testing.T) {
	var l List
	a, b, c := &Entry{}, &Entry{}, &Entry{}
	l.Append(a, false)
	l.Append(b, false)
	l.Append(c, false)

	var order []*Entry
	l.Walk(func(e *Entry) bool {
		order = append(order, e)
		return false
	})
	if len(order) != 3 || order[0] != a || order[1] != b || order[2] != c {
		t.Fatalf("unexpected order: %v", order)
	}
	if l.Len() != 3 {
		t.Fatalf("len = %d, want 3", l.Len())
	}
}

func TestListPrependGoesToHead(t *testing.T) {
	var l List
	a, b := &Entry{}, &Entry{}
	l.Append(a, false)
	l.Append(b, true)
	if l.First() != b {
		t.Fatalf("expected prepended entry at head")
	}
}

func TestListUnlinkMidListPreservesOrder(t *testing.T) {
	var l List
	a, b, c := &Entry{}, &Entry{}, &Entry{}
	l.Append(a, false)
	l.Append(b, false)
	l.Append(c, false)

	l.Unlink(b)

	var order []*Entry
	l.Walk(func(e *Entry) bool {
		order = append(order, e)
		return false
	})
	if len(order) != 2 || order[0] != a || order[1] != c {
		t.Fatalf("unexpected order after unlink: %v", order)
	}
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}
}

func TestListUnlinkHeadAndTail(t *testing.T) {
	var l List
	a, b := &Entry{}, &Entry{}
	l.Append(a, false)
	l.Append(b, false)

	l.Unlink(a)
	if l.First() != b {
		t.Fatalf("expected b at head after unlinking a")
	}
	l.Unlink(b)
	if l.First() != nil || l.Len() != 0 {
		t.Fatalf("expected empty list")
	}
}

func TestListUnlinkNotMemberIsNoop(t *testing.T) {
	var l List
	a := &Entry{}
	l.Append(a, false)
	unrelated := &Entry{}
	l.Unlink(unrelated) // must not panic or corrupt l
	if l.Len() != 1 || l.First() != a {
		t.Fatalf("unlinking a non-member entry corrupted the list")
	}
}

func TestListWalkStopsAtFirstMatch(t *testing.T) {
	var l List
	a, b, c := &Entry{}, &Entry{}, &Entry{}
	l.Append(a, false)
	l.Append(b, false)
	l.Append(c, false)

	visited := 0
	found := l.Walk(func(e *Entry) bool {
		visited++
		return e == b
	})
	if found != b {
		t.Fatalf("expected to find b")
	}
	if visited != 2 {
		t.Fatalf("visited %d entries, want 2 (stop at b)", visited)
	}
}
