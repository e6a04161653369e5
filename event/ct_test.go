package event

import (
	"sync"
	"testing"
	"time"
)

func TestCTIncWakesWaiter(t *testing.T) {
	ct := New(0)
	done := make(chan struct{})
	go func() {
		s, f := ct.Wait(5)
		if s+f < 5 {
			t.Errorf("wait returned early: success=%d failure=%d", s, f)
		}
		close(done)
	}()

	ct.Inc(3, 0)
	ct.Inc(2, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after threshold reached")
	}
}

func TestCTArmFiresExactlyOnceAtThreshold(t *testing.T) {
	ct := New(0)
	var fired int
	var mu sync.Mutex
	ct.Arm(3, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	ct.Inc(1, 0)
	ct.Inc(1, 0)
	mu.Lock()
	if fired != 0 {
		t.Fatalf("fired before threshold reached: %d", fired)
	}
	mu.Unlock()

	ct.Inc(1, 0) // success=3, reaches threshold
	ct.Inc(10, 0)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("fired %d times, want exactly 1", fired)
	}
}

func TestCTArmBelowCurrentValueFiresImmediately(t *testing.T) {
	ct := New(0)
	ct.Inc(10, 0)

	fired := false
	ct.Arm(3, func() { fired = true })
	if !fired {
		t.Fatalf("arm below current total should fire synchronously")
	}
}

func TestCTCloseWakesWaiter(t *testing.T) {
	ct := New(0)
	done := make(chan struct{})
	go func() {
		ct.Wait(100)
		close(done)
	}()
	ct.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiter")
	}
}

func TestCTSetOverwritesCounters(t *testing.T) {
	ct := New(0)
	ct.Inc(5, 2)
	ct.Set(0, 0)
	s, f := ct.Read()
	if s != 0 || f != 0 {
		t.Fatalf("set did not overwrite: success=%d failure=%d", s, f)
	}
}
