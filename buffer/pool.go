package buffer

import "github.com/musleh123/portals4/handle"

// RegisterFunc registers a memory region with the transport, returning an
// opaque cookie the transport uses as an lkey/rkey. Memory registration
// itself is kept out of scope as an external collaborator behind exactly
// this interface.
type RegisterFunc func(region []byte) (cookie uint64, err error)

// Pool is a per-NI buffer pool: size-fixed Data slices (capacity
// bufSize, chosen >= MTU + worst-case header) pre-registered at creation
// time so posting a send never pins memory on the hot path.
type Pool struct {
	niIndex  int
	bufSize  int
	pool     *handle.Pool[Buffer]
	register RegisterFunc
}

// NewPool constructs an empty pool for niIndex; buffers are allocated
// lazily by Alloc and registered once, at first use, via register.
func NewPool(niIndex, bufSize int, register RegisterFunc) *Pool {
	return &Pool{
		niIndex:  niIndex,
		bufSize:  bufSize,
		pool:     handle.New[Buffer](handle.TagBuf, niIndex),
		register: register,
	}
}

// Alloc returns a ready-to-use buffer of typ, registering its backing
// storage with the transport the first time this slot is used.
func (p *Pool) Alloc(typ Type) (handle.Handle, *Buffer, error) {
	h, err := p.pool.Alloc(func(b *Buffer) {
		if b.Data == nil {
			b.Data = make([]byte, p.bufSize)
		}
		b.Type = typ
		b.RecvState = RecvStateNone
	})
	if err != nil {
		return handle.Invalid, nil, err
	}
	obj, err := p.pool.ToObj(h)
	if err != nil {
		return handle.Invalid, nil, err
	}
	if obj.Cookie == 0 && p.register != nil {
		cookie, err := p.register(obj.Data)
		if err != nil {
			p.pool.Put(h)
			return handle.Invalid, nil, err
		}
		obj.Cookie = cookie
	}
	return h, obj, nil
}

// Get resolves h to its buffer without allocating.
func (p *Pool) Get(h handle.Handle) (*Buffer, error) {
	return p.pool.ToObj(h)
}

// Free returns a buffer to the pool's free list.
func (p *Pool) Free(h handle.Handle) error {
	return p.pool.Put(h)
}

// Close marks the pool closed and reports how many buffers were still
// live, for NI teardown's leak assertion (spec §8 scenario 4).
func (p *Pool) Close() (liveCount int) {
	return p.pool.Close()
}
