package handle

import (
	"sync"
	"sync/atomic"

	"github.com/musleh123/portals4/ptlerr"
)

// Destroyer is implemented by pool payloads that need teardown when their
// refcount reaches zero (mirrors MRPool's Release semantics).
type Destroyer interface {
	Destroy()
}

type slot[T any] struct {
	value      T
	refcount   atomic.Int32
	generation atomic.Uint32
	live       atomic.Bool
}

// Pool is a per-NI slab allocator producing generation-checked handles. It
// is the generic engine behind the per-type NI pools (PT/LE/ME/MD/CT/EQ/
// transaction objects), grounded on fi.MRPool's acquire/release shape and
// hioload-ws's slab-pool free-list reuse, but handle-addressable rather
// than returning bare pointers.
type Pool[T any] struct {
	tag     Tag
	niIndex int

	mu     sync.Mutex
	slots  []*slot[T]
	free   []int // indices with live == false, available for reuse
	closed atomic.Bool
}

// New constructs an empty pool for the given NI index and object tag.
func New[T any](tag Tag, niIndex int) *Pool[T] {
	return &Pool[T]{tag: tag, niIndex: niIndex}
}

// Alloc allocates a new object, running init on the backing value in place,
// and returns its handle with refcount 1. Allocation reuses a freed slot in
// O(1) when one exists; otherwise it grows the slab under the pool mutex.
func (p *Pool[T]) Alloc(init func(v *T)) (Handle, error) {
	if p.closed.Load() {
		return Invalid, ptlerr.New("pool.Alloc", ptlerr.NoSpace)
	}

	p.mu.Lock()
	var idx int
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		idx = len(p.slots)
		p.slots = append(p.slots, &slot[T]{})
		p.slots[idx].generation.Store(1)
	}
	s := p.slots[idx]
	p.mu.Unlock()

	var zero T
	s.value = zero
	if init != nil {
		init(&s.value)
	}
	s.refcount.Store(1)
	s.live.Store(true)

	return Encode(p.tag, p.niIndex, idx, s.generation.Load()), nil
}

// Get increments the refcount of the object referenced by h (incref).
func (p *Pool[T]) Get(h Handle) (*T, error) {
	s, err := p.resolve(h)
	if err != nil {
		return nil, err
	}
	s.refcount.Add(1)
	return &s.value, nil
}

// ToObj resolves h to its object without incrementing the refcount,
// validating tag, NI, index bounds and generation.
func (p *Pool[T]) ToObj(h Handle) (*T, error) {
	s, err := p.resolve(h)
	if err != nil {
		return nil, err
	}
	return &s.value, nil
}

func (p *Pool[T]) resolve(h Handle) (*slot[T], error) {
	if err := CheckTag(h, p.tag, p.niIndex); err != nil {
		return nil, err
	}
	_, _, idx, gen := Decode(h)

	p.mu.Lock()
	if idx < 0 || idx >= len(p.slots) {
		p.mu.Unlock()
		return nil, ptlerr.New("pool.resolve", ptlerr.ArgInvalid)
	}
	s := p.slots[idx]
	p.mu.Unlock()

	if !s.live.Load() || s.generation.Load() != gen {
		return nil, ptlerr.ErrHandleStale
	}
	return s, nil
}

// Put decrements the refcount of the object referenced by h. When the
// refcount reaches zero, the destructor (if the payload implements
// Destroyer) runs and the slot returns to the free list with its
// generation bumped, so any stale handle referencing it now fails the
// generation check in resolve.
func (p *Pool[T]) Put(h Handle) error {
	s, err := p.resolve(h)
	if err != nil {
		return err
	}
	if s.refcount.Add(-1) > 0 {
		return nil
	}
	if !s.live.CompareAndSwap(true, false) {
		return nil // already freed by a concurrent last-put
	}
	if d, ok := any(&s.value).(Destroyer); ok {
		d.Destroy()
	}
	s.generation.Add(1)

	_, _, idx, _ := Decode(h)
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.mu.Unlock()
	return nil
}

// Close marks the pool closed (no further Alloc) and reports whether any
// objects were still live, for NI teardown to assert bottom-up destruction
// actually drained the pool.
func (p *Pool[T]) Close() (liveCount int) {
	p.closed.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.live.Load() {
			liveCount++
		}
	}
	return liveCount
}

// Len reports the current slab size (allocated + free), useful for tests
// asserting pools return to their initial free count after teardown.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// LiveHandles returns a handle for every currently live slot, for NI
// teardown to reach objects (CTs, EQs) that need an explicit wakeup call
// rather than just a refcount drop.
func (p *Pool[T]) LiveHandles() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Handle, 0, len(p.slots))
	for idx, s := range p.slots {
		if s.live.Load() {
			out = append(out, Encode(p.tag, p.niIndex, idx, s.generation.Load()))
		}
	}
	return out
}
