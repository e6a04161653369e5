package match

// List is an intrusive, doubly-linked FIFO of *Entry, used for both a
// PT's priority list and its overflow list. Append/Unlink are O(1)
// given an *Entry, the property spec §4.F's "O(1) unlink from the free
// list" invariant also demands of match lists: a use_once entry that
// matches mid-list must come out without rewalking from the head.
type List struct {
	head, tail *Entry
	len        int
}

// Len reports the number of entries currently linked.
func (l *List) Len() int { return l.len }

// Append adds e to the list. prepend puts it at the head (PtlMEAppend's
// PTL_PRIORITY_LIST with the rare _PREPEND flag); otherwise it goes at
// the tail, preserving the FIFO order matching relies on.
func (l *List) Append(e *Entry, prepend bool) {
	e.list = l
	if l.head == nil {
		l.head, l.tail = e, e
		e.prev, e.next = nil, nil
		l.len++
		return
	}
	if prepend {
		e.next = l.head
		e.prev = nil
		l.head.prev = e
		l.head = e
	} else {
		e.prev = l.tail
		e.next = nil
		l.tail.next = e
		l.tail = e
	}
	l.len++
}

// Unlink removes e from whatever list it is currently linked into. It
// is a no-op if e is not linked (already unlinked), matching the
// original engine's idempotent unlink-on-destroy path.
func (l *List) Unlink(e *Entry) {
	if e.list != l {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next, e.list = nil, nil, nil
	l.len--
}

// First returns the head entry, or nil if the list is empty, the
// starting point for a match walk.
func (l *List) First() *Entry {
	return l.head
}

// Walk calls visit on every entry in FIFO order, stopping (and
// returning that entry) the first time visit returns true -- the
// "strict FIFO, no priority entry is skipped while matching" invariant
// (spec §8) expressed as a single traversal primitive both Match and
// search operations share.
func (l *List) Walk(visit func(e *Entry) bool) *Entry {
	for e := l.head; e != nil; e = e.next {
		if visit(e) {
			return e
		}
	}
	return nil
}
