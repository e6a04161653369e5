package shmem

import (
	"path/filepath"
	"sync"
	"testing"
)

func testLayout() Layout {
	return Layout{RankCount: 2, FragmentSize: 64, FragmentsPerRank: 8}
}

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.shm")

	s, err := Create(path, testLayout())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Close()

	opened, err := Open(path, testLayout())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer opened.Close()

	if opened.FragmentsPerRank() != 8 {
		t.Fatalf("fragments per rank = %d, want 8", opened.FragmentsPerRank())
	}
}

func TestOpenRejectsLayoutMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.shm")

	s, err := Create(path, testLayout())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Close()

	bad := testLayout()
	bad.FragmentsPerRank = 16
	if _, err := Open(path, bad); err == nil {
		t.Fatalf("expected layout mismatch error")
	}
}

func TestMailboxSingleProducerConsumer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.shm")

	s, err := Create(path, testLayout())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close()

	mb := s.Mailbox(0)
	copy(s.Fragment(0, 1), []byte("hello"))
	mb.Enqueue(1)

	idx, ok := mb.TryDequeue()
	if !ok || idx != 1 {
		t.Fatalf("dequeue: got (%d, %v)", idx, ok)
	}
	if got := string(s.Fragment(0, idx)[:5]); got != "hello" {
		t.Fatalf("fragment payload = %q", got)
	}

	if _, ok := mb.TryDequeue(); ok {
		t.Fatalf("expected mailbox empty after single dequeue")
	}
}

func TestMailboxMultiProducerSingleConsumer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.shm")

	layout := Layout{RankCount: 1, FragmentSize: 32, FragmentsPerRank: 200}
	s, err := Create(path, layout)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close()

	mb := s.Mailbox(0)
	const producers = 8
	const perProducer = 20

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			base := uint32(p*perProducer + 1)
			for i := 0; i < perProducer; i++ {
				mb.Enqueue(base + uint32(i))
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for len(seen) < producers*perProducer {
		if idx, ok := mb.TryDequeue(); ok {
			if seen[idx] {
				t.Fatalf("fragment %d dequeued twice", idx)
			}
			seen[idx] = true
		}
	}
}

func TestFreeListHandsOutDistinctFragmentsThenBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.shm")

	layout := Layout{RankCount: 1, FragmentSize: 32, FragmentsPerRank: 4}
	s, err := Create(path, layout)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close()

	fl := s.FreeList(0)
	seen := make(map[uint32]bool)
	for i := 0; i < 2; i++ {
		idx, ok := fl.TryGet()
		if !ok {
			t.Fatalf("expected a free fragment on get %d", i)
		}
		if seen[idx] {
			t.Fatalf("fragment %d handed out twice", idx)
		}
		seen[idx] = true
	}
	if _, ok := fl.TryGet(); !ok {
		t.Fatalf("expected the 3rd and last fragment index (1..FragmentsPerRank-1) still free")
	}
	if _, ok := fl.TryGet(); ok {
		t.Fatalf("free list should be exhausted after handing out all non-sentinel fragments")
	}

	fl.Put(2)
	idx, ok := fl.TryGet()
	if !ok || idx != 2 {
		t.Fatalf("expected fragment 2 back from the free list, got (%d, %v)", idx, ok)
	}
}

func TestMailboxBlockingDequeueWakesOnEnqueue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.shm")

	s, err := Create(path, testLayout())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close()

	mb := s.Mailbox(1)
	done := make(chan uint32, 1)
	go func() { done <- mb.Dequeue() }()

	mb.Enqueue(3)

	if got := <-done; got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}
