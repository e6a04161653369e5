// Package event implements component J: counting events (a monotonic
// {success, failure} pair with a list of threshold-triggered operations)
// and the bounded event queue ring. Grounded on the CompletionContext
// callback-registry pattern (fi/context.go) adapted from "run once when a
// single completion resolves" to "run once when a monotonic counter
// crosses a threshold", and on fi/wait.go's CV-style blocking wait.
package event

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Trigger is a deferred operation armed on a CT at a given threshold. Fire
// runs at most once, the first time success+failure reaches Threshold.
type Trigger struct {
	Threshold uint64
	Fire      func()
	fired     atomic.Bool
}

// CT is a counting event: the pair of 64-bit counters plus its triggered
// operation list, scanned in threshold order on every bump (spec §4.J).
type CT struct {
	niIndex int

	success atomic.Uint64
	failure atomic.Uint64

	mu       sync.Mutex
	cond     *sync.Cond
	triggers []*Trigger // kept sorted ascending by Threshold
	closed   atomic.Bool
}

// New constructs an empty CT belonging to niIndex.
func New(niIndex int) *CT {
	c := &CT{niIndex: niIndex}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Init (re)initializes c in place, binding its Cond to c's own mutex
// rather than some other CT's. A handle.Pool[CT] slot's value already
// has a stable address the moment Alloc hands it to an init callback, so
// the pool must reinitialize that value directly -- copying the result
// of New would leave cond.L pointing at New's now-orphaned CT instead of
// the slot's.
func (c *CT) Init(niIndex int) {
	*c = CT{niIndex: niIndex}
	c.cond = sync.NewCond(&c.mu)
}

// Read returns the current {success, failure} pair.
func (c *CT) Read() (success, failure uint64) {
	return c.success.Load(), c.failure.Load()
}

// Inc bumps success and/or failure by the given deltas, matching
// PtlCTInc. Either delta may be zero.
func (c *CT) Inc(successDelta, failureDelta uint64) {
	if successDelta != 0 {
		c.success.Add(successDelta)
	}
	if failureDelta != 0 {
		c.failure.Add(failureDelta)
	}
	c.wake()
}

// Set overwrites both counters, matching PtlCTSet. Portals 4 allows a
// PtlCTSet to move the counters to any value, including backwards; callers
// (triggered CT-set) are responsible for honoring the "monotonic across
// the CT's lifetime" invariant documented at the API level.
func (c *CT) Set(success, failure uint64) {
	c.success.Store(success)
	c.failure.Store(failure)
	c.wake()
}

// wake broadcasts to blocked PtlCTWait callers and fires every trigger
// whose threshold has now been reached, each exactly once.
func (c *CT) wake() {
	total := c.success.Load() + c.failure.Load()

	c.mu.Lock()
	c.cond.Broadcast()
	i := 0
	for i < len(c.triggers) && c.triggers[i].Threshold <= total {
		i++
	}
	ready := c.triggers[:i]
	c.triggers = c.triggers[i:]
	c.mu.Unlock()

	for _, t := range ready {
		if t.fired.CompareAndSwap(false, true) {
			t.Fire()
		}
	}
}

// Arm registers fire to run once success+failure reaches threshold. If the
// CT has already reached it, fire runs synchronously before Arm returns.
func (c *CT) Arm(threshold uint64, fire func()) {
	c.mu.Lock()
	total := c.success.Load() + c.failure.Load()
	if threshold <= total {
		c.mu.Unlock()
		fire()
		return
	}
	t := &Trigger{Threshold: threshold, Fire: fire}
	idx := sort.Search(len(c.triggers), func(i int) bool { return c.triggers[i].Threshold >= threshold })
	c.triggers = append(c.triggers, nil)
	copy(c.triggers[idx+1:], c.triggers[idx:])
	c.triggers[idx] = t
	c.mu.Unlock()
}

// Wait blocks until success+failure reaches threshold or the CT is closed,
// matching PtlCTWait.
func (c *CT) Wait(threshold uint64) (success, failure uint64) {
	c.mu.Lock()
	for c.success.Load()+c.failure.Load() < threshold && !c.closed.Load() {
		c.cond.Wait()
	}
	c.mu.Unlock()
	return c.Read()
}

// Close cancels every pending trigger and wakes all waiters, for NI
// teardown (spec §4.J: "already-armed ops survive NI shutdown only to the
// extent their objects are still live; NI teardown cancels them").
func (c *CT) Close() {
	c.closed.Store(true)
	c.mu.Lock()
	c.triggers = nil
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Closed reports whether Close has run.
func (c *CT) Closed() bool { return c.closed.Load() }
