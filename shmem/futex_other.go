//go:build !linux

package shmem

import (
	"runtime"
	"sync/atomic"
)

// FutexWait yields instead of parking on non-Linux platforms, where no
// process-shared futex primitive exists; the frustration-counter spin loop
// in Mailbox.Dequeue still bounds CPU usage well enough for development
// and CI on those platforms.
func FutexWait(addr *atomic.Uint32, val uint32) {
	if addr.Load() == val {
		runtime.Gosched()
	}
}

// FutexWake is a no-op outside Linux; there is no parked waiter to signal.
func FutexWake(addr *atomic.Uint32, n int) {}
