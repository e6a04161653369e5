// Package queue implements the lock-free fragment queue of component B:
// any number of enqueuers (one per peer rank writing into a receiver's
// mailbox) and exactly one dequeuer (that receiver's progress loop).
// Entries are addressed by Offset rather than by pointer so the same queue
// can live inside a memory-mapped segment shared by unrelated processes,
// each of which maps the segment at its own base address. Grounded on
// nemesis.c and ptl_internal_orderednemesis.h.
package queue

import "sync/atomic"

// Offset identifies a queue entry by its byte offset within whatever
// shared arena holds the fragment, never by process-local pointer. Nil
// means "no entry", matching the NULL sentinel used throughout nemesis.c;
// offset 0 is never a valid entry because the arena header occupies it.
type Offset uint32

// Nil is the empty-link sentinel.
const Nil Offset = 0

// Resolver maps an entry offset to the atomic word holding that entry's
// embedded "next" link, so Nemesis never has to know how entries are laid
// out or where the arena's base address is.
type Resolver interface {
	Next(off Offset) *atomic.Uint32
}

// Nemesis is the unordered NEMESIS MPSC queue. Enqueue is safe from any
// number of concurrent goroutines or processes; Dequeue must only ever be
// called by the single designated consumer (the owning NI's progress
// loop), exactly as nemesis.c documents: "NOT SAFE to use with multiple
// de-queuers".
type Nemesis struct {
	head       atomic.Uint32
	shadowHead atomic.Uint32
	tail       atomic.Uint32
	r          Resolver
}

// NewNemesis constructs an empty queue bound to r.
func NewNemesis(r Resolver) *Nemesis {
	return &Nemesis{r: r}
}

// Enqueue appends entry to the tail via an atomic swap: exactly one of the
// concurrent enqueuers observes prev == Nil and becomes responsible for
// publishing head, the rest link off of whichever entry they displaced.
func (q *Nemesis) Enqueue(entry Offset) {
	prev := Offset(q.tail.Swap(uint32(entry)))
	if prev == Nil {
		q.head.Store(uint32(entry))
		return
	}
	q.r.Next(prev).Store(uint32(entry))
}

// Dequeue removes and returns the head entry, or Nil if the queue is
// transiently empty (an enqueuer may be mid-swap). shadowHead caches the
// next entry once it is known, so a consumer draining several entries
// back to back does not need to touch the enqueuer-contended head word on
// every call.
func (q *Nemesis) Dequeue() Offset {
	h := Offset(q.shadowHead.Load())
	if h == Nil {
		if h = Offset(q.head.Load()); h == Nil {
			return Nil
		}
		q.head.Store(uint32(Nil))
	}
	// If h is still the tail, reset tail so the next Enqueue republishes
	// head; otherwise wait for the enqueuer that swapped past h to link it.
	next := Nil
	for !q.tail.CompareAndSwap(uint32(h), uint32(Nil)) && next == Nil {
		next = Offset(q.r.Next(h).Load())
	}
	q.shadowHead.Store(uint32(next))
	q.r.Next(h).Store(uint32(Nil))
	return h
}

// Empty reports whether both the cached and live heads are unset. Used by
// the blocking wrapper's poll loop, mirroring nemesis.c's
// "q->q.shadow_head == NULL && q->q.head == NULL" condition.
func (q *Nemesis) Empty() bool {
	return q.shadowHead.Load() == uint32(Nil) && q.head.Load() == uint32(Nil)
}
