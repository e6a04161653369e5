package shmem

import "github.com/musleh123/portals4/queue"

// Mailbox is a single rank's inbound fragment queue: the NEMESIS MPSC
// protocol (queue.Nemesis/queue.Blocking), except its head/tail/
// shadow-head/frustration words live inside the mapped segment itself
// rather than in a process-local struct, so any process mapping the
// segment can enqueue into it. Only the rank that owns the mailbox may
// dequeue from it.
type Mailbox struct {
	seg  *Segment
	rank int
	r    queue.Resolver
}

// Mailbox returns the mailbox for rank within seg.
func (s *Segment) Mailbox(rank int) *Mailbox {
	return &Mailbox{seg: s, rank: rank, r: s.Resolver(rank)}
}

// Enqueue posts fragment idx (previously filled in via Fragment) to the
// mailbox, then wakes the owning rank if it was blocked waiting, using a
// futex on Linux (see FutexWake) since the waiter may live in a different
// process and a plain sync.Cond cannot cross that boundary.
func (m *Mailbox) Enqueue(idx uint32) {
	prev := queue.Offset(m.seg.tail(m.rank).Swap(idx))
	if prev == queue.Nil {
		m.seg.head(m.rank).Store(idx)
	} else {
		m.seg.nextWord(m.rank, uint32(prev)).Store(idx)
	}
	if m.seg.frustration(m.rank).Load() != 0 {
		m.seg.frustration(m.rank).Store(0)
		FutexWake(m.seg.frustration(m.rank), 1)
	}
}

// TryDequeue removes and returns the head fragment index without
// blocking, or (0, false) if the mailbox is transiently empty.
func (m *Mailbox) TryDequeue() (uint32, bool) {
	h := m.seg.shadowHead(m.rank).Load()
	if h == 0 {
		if h = m.seg.head(m.rank).Load(); h == 0 {
			return 0, false
		}
		m.seg.head(m.rank).Store(0)
	}
	next := uint32(0)
	for !m.seg.tail(m.rank).CompareAndSwap(h, 0) && next == 0 {
		next = m.seg.nextWord(m.rank, h).Load()
	}
	m.seg.shadowHead(m.rank).Store(next)
	m.seg.nextWord(m.rank, h).Store(0)
	return h, true
}

// Dequeue blocks until a fragment is available, spinning briefly before
// parking on a futex, matching nemesis.c's blocking dequeue loop.
func (m *Mailbox) Dequeue() uint32 {
	if idx, ok := m.TryDequeue(); ok {
		m.seg.frustration(m.rank).Store(0)
		return idx
	}
	f := m.seg.frustration(m.rank)
	for m.seg.shadowHead(m.rank).Load() == 0 && m.seg.head(m.rank).Load() == 0 {
		if v := f.Add(1); v > frustrationLimit {
			FutexWait(f, v)
		}
	}
	idx, _ := m.TryDequeue()
	return idx
}

const frustrationLimit = 1000

// FreeList is a rank's pool of unused fragment indices, the NEMESIS queue
// any rank wanting to send that rank a message must first dequeue from
// (spec §4.B "sender allocates in the receiver's arena"). Any rank may
// enqueue a fragment back onto it once it finishes consuming that
// fragment's payload; only contention on the allocation path, not on the
// return path, matters for throughput, so it is built on the same
// MPSC primitive as Mailbox rather than a dedicated SPSC structure.
type FreeList struct {
	seg  *Segment
	rank int
}

// FreeList returns the free-fragment queue for rank within seg.
func (s *Segment) FreeList(rank int) *FreeList {
	return &FreeList{seg: s, rank: rank}
}

// Put returns fragment idx to the free list.
func (f *FreeList) Put(idx uint32) {
	prev := queue.Offset(f.seg.freeTail(f.rank).Swap(idx))
	if prev == queue.Nil {
		f.seg.freeHead(f.rank).Store(idx)
	} else {
		f.seg.nextWord(f.rank, uint32(prev)).Store(idx)
	}
	if f.seg.freeFrustration(f.rank).Load() != 0 {
		f.seg.freeFrustration(f.rank).Store(0)
		FutexWake(f.seg.freeFrustration(f.rank), 1)
	}
}

// TryGet removes and returns a free fragment index without blocking.
func (f *FreeList) TryGet() (uint32, bool) {
	h := f.seg.freeShadowHead(f.rank).Load()
	if h == 0 {
		if h = f.seg.freeHead(f.rank).Load(); h == 0 {
			return 0, false
		}
		f.seg.freeHead(f.rank).Store(0)
	}
	next := uint32(0)
	for !f.seg.freeTail(f.rank).CompareAndSwap(h, 0) && next == 0 {
		next = f.seg.nextWord(f.rank, h).Load()
	}
	f.seg.freeShadowHead(f.rank).Store(next)
	f.seg.nextWord(f.rank, h).Store(0)
	return h, true
}

// Get blocks until a free fragment is available.
func (f *FreeList) Get() uint32 {
	if idx, ok := f.TryGet(); ok {
		f.seg.freeFrustration(f.rank).Store(0)
		return idx
	}
	fr := f.seg.freeFrustration(f.rank)
	for f.seg.freeShadowHead(f.rank).Load() == 0 && f.seg.freeHead(f.rank).Load() == 0 {
		if v := fr.Add(1); v > frustrationLimit {
			FutexWait(fr, v)
		}
	}
	idx, _ := f.TryGet()
	return idx
}
