package buffer

import "testing"

func TestPoolAllocRegistersOnce(t *testing.T) {
	var registerCalls int
	register := func(region []byte) (uint64, error) {
		registerCalls++
		return 0xfeed, nil
	}

	p := NewPool(0, 4096, register)

	h, buf, err := p.Alloc(TypeSend)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if len(buf.Data) != 4096 {
		t.Fatalf("data len = %d, want 4096", len(buf.Data))
	}
	if buf.Cookie != 0xfeed {
		t.Fatalf("cookie = %x, want 0xfeed", buf.Cookie)
	}
	if registerCalls != 1 {
		t.Fatalf("register called %d times, want 1", registerCalls)
	}

	if err := p.Free(h); err != nil {
		t.Fatalf("free: %v", err)
	}

	h2, buf2, err := p.Alloc(TypeRecv)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if buf2.Cookie != 0xfeed {
		t.Fatalf("reused slot should keep its registration cookie")
	}
	if registerCalls != 1 {
		t.Fatalf("register called %d times after reuse, want still 1", registerCalls)
	}
	if buf2.Type != TypeRecv {
		t.Fatalf("type = %v, want TypeRecv", buf2.Type)
	}
	_ = h2
}

func TestPoolFreeReturnsToFreeState(t *testing.T) {
	p := NewPool(0, 128, nil)
	h, buf, err := p.Alloc(TypeSend)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	buf.XXBuf = 0xdead
	if err := p.Free(h); err != nil {
		t.Fatalf("free: %v", err)
	}
	if _, err := p.Get(h); err == nil {
		t.Fatalf("freed buffer handle should not resolve")
	}
}

func TestPoolCloseReportsLiveCount(t *testing.T) {
	p := NewPool(0, 128, nil)
	if _, _, err := p.Alloc(TypeSend); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, _, err := p.Alloc(TypeRecv); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if live := p.Close(); live != 2 {
		t.Fatalf("live count = %d, want 2", live)
	}
}
