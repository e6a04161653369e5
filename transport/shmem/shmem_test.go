package shmem

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/musleh123/portals4/buffer"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/shmem"
	"github.com/musleh123/portals4/transport"
	"github.com/musleh123/portals4/wire"
)

// arenaResolver resolves both RDMADescriptor and SGE addresses as plain
// offsets into a fixed byte arena, standing in for a real memory-region
// table in these tests.
type arenaResolver struct {
	arena []byte
}

func (r *arenaResolver) Resolve(desc wire.RDMADescriptor) ([]byte, error) {
	return r.arena[desc.Address : desc.Address+desc.Length], nil
}

func (r *arenaResolver) ResolveLocal(sge buffer.SGE) ([]byte, error) {
	return r.arena[sge.Addr : sge.Addr+uintptr(sge.Length)], nil
}

func testSegment(t *testing.T) *shmem.Segment {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "job.shm")
	s, err := shmem.Create(path, shmem.Layout{RankCount: 2, FragmentSize: 64, FragmentsPerRank: 8})
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendMessageDeliversToPeerMailbox(t *testing.T) {
	seg := testSegment(t)
	resolver := &arenaResolver{arena: make([]byte, 128)}

	p0 := New(seg, 0, resolver, nil)
	p1 := New(seg, 1, resolver, nil)
	defer p0.Close()
	defer p1.Close()

	if err := p0.SendMessage(transport.ConnID(1), &buffer.Buffer{Data: []byte("ping")}, true); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var comps []transport.Completion
	for time.Now().Before(deadline) {
		comps = p1.Poll(8)
		if len(comps) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(comps) != 1 || string(comps[0].Buf.Data) != "ping" {
		t.Fatalf("unexpected completions on rank 1: %+v", comps)
	}

	sendComps := p0.Poll(8)
	if len(sendComps) != 1 || sendComps[0].Status != transport.StatusSuccess {
		t.Fatalf("unexpected send completion on rank 0: %+v", sendComps)
	}
}

func TestPostTargetDMACopiesBetweenSpans(t *testing.T) {
	seg := testSegment(t)
	arena := make([]byte, 128)
	copy(arena[32:], []byte("remote-data"))
	resolver := &arenaResolver{arena: arena}

	p0 := New(seg, 0, resolver, nil)
	defer p0.Close()

	local := []buffer.SGE{{Addr: 0, Length: 11}}
	desc := wire.RDMADescriptor{Address: 32, Length: 11}
	if err := p0.PostTargetDMA(transport.ConnID(1), transport.DirRead, local, desc, handle.Invalid, true); err != nil {
		t.Fatalf("post dma: %v", err)
	}
	if got := string(arena[:11]); got != "remote-data" {
		t.Fatalf("local span = %q, want remote-data", got)
	}

	comps := p0.Poll(8)
	if len(comps) != 1 || comps[0].Kind != transport.BufKindRDMA {
		t.Fatalf("unexpected dma completion: %+v", comps)
	}
}

func TestSendMessageRejectsOversizePayload(t *testing.T) {
	seg := testSegment(t)
	resolver := &arenaResolver{arena: make([]byte, 128)}
	p0 := New(seg, 0, resolver, nil)
	defer p0.Close()

	big := make([]byte, seg.FragmentSize()+1)
	if err := p0.SendMessage(transport.ConnID(1), &buffer.Buffer{Data: big}, true); err == nil {
		t.Fatalf("expected oversize payload to be rejected")
	}
}
