// Package rdma implements the transport.Provider interface over a
// reliable byte stream (net.Conn), preserving the verbs-shaped request/
// completion vocabulary of the fi package (PostSend/PostRecv/PostRead/
// PostWrite, one completion queue per endpoint) without requiring real
// InfiniBand hardware: each logical queue pair is one net.Conn, each post
// is a length-prefixed frame, and "RDMA read/write" is simulated by a
// request/response exchange that copies bytes out of the peer's
// already-registered buffer.
package rdma

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/musleh123/portals4/buffer"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/log"
	"github.com/musleh123/portals4/transport"
	"github.com/musleh123/portals4/wire"
)

// frameKind tags what a frame on the wire carries, beyond the Portals4
// header the payload itself already encodes; it lets the reader
// distinguish an ordinary send from an RDMA read/write request and its
// response without guessing from payload contents.
type frameKind uint8

const (
	frameSend     frameKind = iota // ordinary SendMessage payload
	frameRDMARead                  // "please send me local[...] bytes at desc"
	frameRDMAData                  // response to frameRDMARead: raw bytes
	frameRDMAWrite                 // "store these bytes at desc" (GET response path)
)

// Resolver translates the two address spaces the provider never owns
// itself: Resolve maps a remote-accessible RDMADescriptor (as carried on
// the wire) to the local []byte it designates, and ResolveLocal maps a
// local scatter-gather entry to its backing []byte. The ni package
// supplies both at construction, keeping rdma ignorant of how buffers
// and memory descriptors map addresses to storage.
type Resolver interface {
	Resolve(desc wire.RDMADescriptor) ([]byte, error)
	ResolveLocal(sge buffer.SGE) ([]byte, error)
}

type conn struct {
	id  transport.ConnID
	nc  net.Conn
	w   *bufio.Writer
	wmu sync.Mutex

	mu        sync.Mutex
	threshold int // sends remaining up to and including the one that is forced-signalled

	readsMu sync.Mutex
	reads   []pendingRead // FIFO: frameRDMARead is answered in issue order
}

// pendingRead remembers where a DirRead's bytes must land once the
// peer's frameRDMAData response arrives, and whose request this was.
type pendingRead struct {
	dst       []byte
	tag       handle.Handle
	signalled bool
}

// Provider implements transport.Provider over a fixed set of net.Conn
// peers, with a single software completion queue shared by all of them,
// mirroring "one CQ per NI" (spec §4.D).
type Provider struct {
	log      log.Full
	resolver Resolver

	mu    sync.Mutex
	conns map[transport.ConnID]*conn
	next  transport.ConnID

	cqmu sync.Mutex
	cq   []transport.Completion

	closed bool
}

// New constructs an empty provider; callers add peers with Attach.
func New(resolver Resolver, logger log.Full) *Provider {
	if logger == nil {
		logger = log.Nop()
	}
	return &Provider{
		log:      logger,
		resolver: resolver,
		conns:    make(map[transport.ConnID]*conn),
	}
}

// Attach registers nc as a new connection and starts its reader
// goroutine, returning the ConnID subsequent Provider calls address it by.
func (p *Provider) Attach(nc net.Conn) transport.ConnID {
	p.mu.Lock()
	id := p.next
	p.next++
	c := &conn{id: id, nc: nc, w: bufio.NewWriter(nc)}
	p.conns[id] = c
	p.mu.Unlock()

	go p.readLoop(c)
	return id
}

// Detach closes and removes a connection.
func (p *Provider) Detach(id transport.ConnID) error {
	p.mu.Lock()
	c, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return c.nc.Close()
}

func (p *Provider) connFor(id transport.ConnID) (*conn, error) {
	p.mu.Lock()
	c, ok := p.conns[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("rdma: unknown connection %d", id)
	}
	return c, nil
}

// frame layout: u8 kind, u64 BE length, payload.
func writeFrame(w *bufio.Writer, kind frameKind, payload []byte) error {
	hdr := [9]byte{}
	hdr[0] = uint8(kind)
	binary.BigEndian.PutUint64(hdr[1:], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (frameKind, []byte, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint64(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return frameKind(hdr[0]), payload, nil
}

// SendMessage posts buf's bytes as a single frame. signalled (or a
// threshold armed by SetSendCompletionThreshold) determines whether a
// Completion is queued once the write lands.
func (p *Provider) SendMessage(id transport.ConnID, buf *buffer.Buffer, signalled bool) error {
	c, err := p.connFor(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	force := false
	if c.threshold > 0 {
		c.threshold--
		force = c.threshold == 0
	}
	c.mu.Unlock()

	c.wmu.Lock()
	err = writeFrame(c.w, frameSend, buf.Data)
	c.wmu.Unlock()

	if err != nil {
		p.postCompletion(transport.Completion{Conn: id, Kind: transport.BufKindSend, Status: transport.StatusError, Buf: buf, Err: err})
		return err
	}
	if signalled || force {
		p.postCompletion(transport.Completion{Conn: id, Kind: transport.BufKindSend, Status: transport.StatusSuccess, Buf: buf})
	}
	return nil
}

// SetSendCompletionThreshold arranges for the nth subsequent send on id
// to be treated as signalled regardless of its own signalled argument,
// amortising completion overhead across a burst (spec §4.D).
func (p *Provider) SetSendCompletionThreshold(id transport.ConnID, n int) {
	c, err := p.connFor(id)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.threshold = n
	c.mu.Unlock()
}

// PostTargetDMA simulates an RDMA read or write against the peer's
// registered memory, described by desc, by round-tripping a frame: a
// DirRead issues frameRDMARead and returns without waiting; the reader
// loop copies the matching frameRDMAData into local and, if signalled,
// queues the completion; a DirWrite pushes local's bytes directly as
// frameRDMAWrite and the peer resolves desc itself on receipt.
func (p *Provider) PostTargetDMA(id transport.ConnID, dir transport.Direction, local []buffer.SGE, desc wire.RDMADescriptor, tag handle.Handle, signalled bool) error {
	c, err := p.connFor(id)
	if err != nil {
		return err
	}

	descBuf := make([]byte, wire.RDMADescriptorSize)
	if err := desc.Encode(descBuf); err != nil {
		return err
	}

	switch dir {
	case transport.DirRead:
		if len(local) == 0 {
			return fmt.Errorf("rdma: PostTargetDMA read with empty local SGL")
		}
		dst, rerr := p.resolver.ResolveLocal(local[0])
		if rerr != nil {
			return rerr
		}
		c.readsMu.Lock()
		c.reads = append(c.reads, pendingRead{dst: dst, tag: tag, signalled: signalled})
		c.readsMu.Unlock()

		c.wmu.Lock()
		err = writeFrame(c.w, frameRDMARead, descBuf)
		c.wmu.Unlock()
		if err != nil {
			p.postCompletion(transport.Completion{Conn: id, Kind: transport.BufKindRDMA, Status: transport.StatusError, Err: err, Tag: tag})
		}
		return err
	case transport.DirWrite:
		if len(local) == 0 {
			return fmt.Errorf("rdma: PostTargetDMA write with empty local SGL")
		}
		src, rerr := p.resolver.ResolveLocal(local[0])
		if rerr != nil {
			return rerr
		}
		payload := make([]byte, len(descBuf)+len(src))
		copy(payload, descBuf)
		copy(payload[len(descBuf):], src)
		c.wmu.Lock()
		err = writeFrame(c.w, frameRDMAWrite, payload)
		c.wmu.Unlock()
	default:
		return fmt.Errorf("rdma: unknown direction %d", dir)
	}

	if err != nil {
		p.postCompletion(transport.Completion{Conn: id, Kind: transport.BufKindRDMA, Status: transport.StatusError, Err: err, Tag: tag})
		return err
	}
	if signalled {
		p.postCompletion(transport.Completion{Conn: id, Kind: transport.BufKindRDMA, Status: transport.StatusSuccess, Tag: tag})
	}
	return nil
}

// Poll drains up to batch completions from the software CQ.
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

// readLoop drains c's net.Conn, turning inbound frames into completions:
// a frameSend becomes a BufKindRecv completion carrying the raw bytes for
// the dispatcher to classify; a frameRDMAWrite is copied into the memory
// its descriptor resolves to and becomes a BufKindRDMA completion with no
// Buf or Tag; a frameRDMARead is
// answered immediately with the requested bytes resolved from the
// descriptor, never surfaced as a completion itself.
func (p *Provider) readLoop(c *conn) {
	r := bufio.NewReader(c.nc)
	for {
		kind, payload, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				p.log.Warnw("rdma: read loop error", "conn", c.id, "err", err)
			}
			return
		}
		switch kind {
		case frameSend:
			p.postCompletion(transport.Completion{
				Conn: c.id, Kind: transport.BufKindRecv, Status: transport.StatusSuccess,
				Buf: &buffer.Buffer{Type: buffer.TypeRecv, Data: payload},
			})
		case frameRDMAWrite:
			if len(payload) < wire.RDMADescriptorSize {
				continue
			}
			desc, derr := wire.DecodeRDMADescriptor(payload[:wire.RDMADescriptorSize])
			if derr != nil {
				continue
			}
			dst, rerr := p.resolver.Resolve(desc)
			if rerr == nil {
				copy(dst, payload[wire.RDMADescriptorSize:])
			}
			p.postCompletion(transport.Completion{Conn: c.id, Kind: transport.BufKindRDMA, Status: transport.StatusSuccess})
		case frameRDMARead:
			if len(payload) < wire.RDMADescriptorSize {
				continue
			}
			desc, derr := wire.DecodeRDMADescriptor(payload[:wire.RDMADescriptorSize])
			if derr != nil {
				continue
			}
			src, rerr := p.resolver.Resolve(desc)
			if rerr != nil {
				continue
			}
			c.wmu.Lock()
			writeFrame(c.w, frameRDMAData, src)
			c.wmu.Unlock()
		case frameRDMAData:
			c.readsMu.Lock()
			var pr pendingRead
			if len(c.reads) > 0 {
				pr = c.reads[0]
				c.reads = c.reads[1:]
			}
			c.readsMu.Unlock()
			if pr.dst != nil {
				copy(pr.dst, payload)
			}
			if pr.signalled {
				p.postCompletion(transport.Completion{
					Conn: c.id, Kind: transport.BufKindRDMA, Status: transport.StatusSuccess,
					Buf: &buffer.Buffer{Type: buffer.TypeRdma, Data: pr.dst}, Tag: pr.tag,
				})
			}
		}
	}
}

// Close closes every attached connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var first error
	for id, c := range p.conns {
		if err := c.nc.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.conns, id)
	}
	return first
}

var _ transport.Provider = (*Provider)(nil)
