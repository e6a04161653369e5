// Package shmem implements transport.Provider over a single mapped
// shmem.Segment shared by every rank on a node: SendMessage allocates a
// fragment from the destination rank's free list, copies the payload in,
// and posts it to that rank's mailbox; PostTargetDMA is a direct memcpy
// between two spans of the same mapped region, since same-node ranks
// never need a wire round trip to reach each other's registered memory.
// Grounded on the rest of this module's shmem package (segment.go,
// mailbox.go) generalized from "fragment queue" to "transport.Provider".
package shmem

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/musleh123/portals4/buffer"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/log"
	"github.com/musleh123/portals4/shmem"
	"github.com/musleh123/portals4/transport"
	"github.com/musleh123/portals4/wire"
)

// Resolver translates an RDMADescriptor or local SGE into a span of the
// segment's arena; ni supplies this since only it knows how a registered
// memory region maps onto segment offsets.
type Resolver interface {
	Resolve(desc wire.RDMADescriptor) ([]byte, error)
	ResolveLocal(sge buffer.SGE) ([]byte, error)
}

// Provider implements transport.Provider for same-node ranks. A single
// Provider speaks for one local rank; ConnID values are peer rank
// numbers.
type Provider struct {
	seg      *shmem.Segment
	rank     int
	resolver Resolver
	log      log.Full

	inbox *shmem.Mailbox

	mu        sync.Mutex
	threshold map[transport.ConnID]int

	cqmu sync.Mutex
	cq   []transport.Completion

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a provider speaking for rank within seg, and starts a
// background goroutine draining rank's inbound mailbox into the software
// completion queue.
func New(seg *shmem.Segment, rank int, resolver Resolver, logger log.Full) *Provider {
	if logger == nil {
		logger = log.Nop()
	}
	p := &Provider{
		seg:       seg,
		rank:      rank,
		resolver:  resolver,
		log:       logger,
		inbox:     seg.Mailbox(rank),
		threshold: make(map[transport.ConnID]int),
		stop:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.drainLoop()
	return p
}

func (p *Provider) drainLoop() {
	defer p.wg.Done()
	spins := 0
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		idx, ok := p.inbox.TryDequeue()
		if !ok {
			spins++
			if spins < 1000 {
				runtime.Gosched()
			} else {
				time.Sleep(100 * time.Microsecond)
			}
			continue
		}
		spins = 0
		frag := p.seg.Fragment(p.rank, idx)
		data := make([]byte, len(frag))
		copy(data, frag)
		p.seg.FreeList(p.rank).Put(idx) // the producer's fragment, returned once we've copied its payload out
		p.postCompletion(transport.Completion{
			Kind: transport.BufKindRecv, Status: transport.StatusSuccess,
			Buf: &buffer.Buffer{Type: buffer.TypeRecv, Data: data},
		})
	}
}

// SendMessage allocates a fragment from conn's (the destination rank's)
// free list, copies buf.Data into it, and posts it to that rank's
// mailbox.
func (p *Provider) SendMessage(conn transport.ConnID, buf *buffer.Buffer, signalled bool) error {
	peer := int(conn)
	if uint32(len(buf.Data)) > p.seg.FragmentSize() {
		return fmt.Errorf("shmem: payload %d exceeds fragment size %d", len(buf.Data), p.seg.FragmentSize())
	}

	idx := p.seg.FreeList(peer).Get()
	copy(p.seg.Fragment(peer, idx), buf.Data)
	p.seg.Mailbox(peer).Enqueue(idx)

	p.mu.Lock()
	force := false
	if n := p.threshold[conn]; n > 0 {
		n--
		p.threshold[conn] = n
		force = n == 0
	}
	p.mu.Unlock()

	if signalled || force {
		p.postCompletion(transport.Completion{Conn: conn, Kind: transport.BufKindSend, Status: transport.StatusSuccess, Buf: buf})
	}
	return nil
}

// SetSendCompletionThreshold amortises signalling across conn's next n
// sends.
func (p *Provider) SetSendCompletionThreshold(conn transport.ConnID, n int) {
	p.mu.Lock()
	p.threshold[conn] = n
	p.mu.Unlock()
}

// PostTargetDMA copies bytes directly between the local SGE and the
// memory desc designates; both already live in the same mapped segment,
// so there is no descriptor exchange, only a memcpy.
func (p *Provider) PostTargetDMA(conn transport.ConnID, dir transport.Direction, local []buffer.SGE, desc wire.RDMADescriptor, tag handle.Handle, signalled bool) error {
	if len(local) == 0 {
		return fmt.Errorf("shmem: PostTargetDMA with empty local SGL")
	}
	remote, err := p.resolver.Resolve(desc)
	if err != nil {
		return err
	}
	loc, err := p.resolver.ResolveLocal(local[0])
	if err != nil {
		return err
	}

	switch dir {
	case transport.DirRead:
		copy(loc, remote)
	case transport.DirWrite:
		copy(remote, loc)
	default:
		return fmt.Errorf("shmem: unknown direction %d", dir)
	}

	if signalled {
		p.postCompletion(transport.Completion{Conn: conn, Kind: transport.BufKindRDMA, Status: transport.StatusSuccess, Tag: tag})
	}
	return nil
}

// Poll drains up to batch completions.
func (p *Provider) Poll(batch int) []transport.Completion {
	p.cqmu.Lock()
	defer p.cqmu.Unlock()
	if batch <= 0 || batch > len(p.cq) {
		batch = len(p.cq)
	}
	out := make([]transport.Completion, batch)
	copy(out, p.cq[:batch])
	p.cq = p.cq[batch:]
	return out
}

func (p *Provider) postCompletion(c transport.Completion) {
	p.cqmu.Lock()
	p.cq = append(p.cq, c)
	p.cqmu.Unlock()
}

// Close stops the drain goroutine. The segment itself is owned by the
// caller, since multiple ranks' providers share it.
func (p *Provider) Close() error {
	close(p.stop)
	p.wg.Wait()
	return nil
}

var _ transport.Provider = (*Provider)(nil)
