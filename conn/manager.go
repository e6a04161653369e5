package conn

import (
	"fmt"
	"sync"

	"github.com/musleh123/portals4/transport"
)

// Manager owns every Conn a single NI has opened, addressed either by
// logical rank (a fixed-size table filled in at PtlSetMap time) or by
// physical (NID, PID) (a map grown lazily, standing in for
// get_conn's binary tree -- Go's map gives the same O(log n)-or-better
// lookup without the intrusive tree bookkeeping).
type Manager struct {
	logical bool

	mu        sync.Mutex
	rankTable []*Conn          // logical: index == rank
	physical  map[PeerID]*Conn // physical: keyed by (NID, PID)
}

// NewLogical constructs a Manager for a logical NI with mapSize ranks,
// all starting disconnected (the rank table is allocated up front, per
// ptl_conn.c's comment that "for logical NIs the conn_t structs are all
// allocated when the rank table is loaded").
func NewLogical(mapSize int, kinds []Kind) *Manager {
	m := &Manager{logical: true, rankTable: make([]*Conn, mapSize)}
	for i := range m.rankTable {
		kind := KindRDMA
		if kinds != nil && i < len(kinds) {
			kind = kinds[i]
		}
		c := New(PeerID{Rank: i}, kind)
		if kind == KindShmem {
			// A same-node peer's transport.ConnID is its rank; seed it now
			// since shmem needs no handshake to fill it in.
			c.Establish(transport.ConnID(i))
		}
		m.rankTable[i] = c
	}
	return m
}

// NewPhysical constructs a Manager for a physical NI; its connection
// table starts empty and grows on first use of each peer.
func NewPhysical() *Manager {
	return &Manager{logical: false, physical: make(map[PeerID]*Conn)}
}

// Get looks up (or, for physical NIs, creates) the Conn for id,
// mirroring get_conn's two branches.
func (m *Manager) Get(id PeerID) (*Conn, error) {
	if m.logical {
		if id.Rank < 0 || id.Rank >= len(m.rankTable) {
			return nil, fmt.Errorf("conn: invalid rank %d (map size %d)", id.Rank, len(m.rankTable))
		}
		return m.rankTable[id.Rank], nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id = PeerID{NID: id.NID, PID: id.PID} // physical peers are keyed by (NID, PID) alone
	c, ok := m.physical[id]
	if !ok {
		c = New(id, KindRDMA)
		m.physical[id] = c
	}
	return c, nil
}

// All returns every Conn the manager currently knows about, for
// broadcast-disconnect at NI teardown (initiate_disconnect_all).
func (m *Manager) All() []*Conn {
	if m.logical {
		out := make([]*Conn, len(m.rankTable))
		copy(out, m.rankTable)
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.physical))
	for _, c := range m.physical {
		out = append(out, c)
	}
	return out
}

// ByTransport finds the Conn currently bound to the given transport-level
// connection id, for routing an inbound completion's Conn field back to
// the peer record that owns it (e.g. to apply OP_RDMA_DISC). Conns not yet
// connected never match, since connID is unset until Establish runs.
func (m *Manager) ByTransport(id transport.ConnID) (*Conn, bool) {
	for _, c := range m.All() {
		if got, ready := c.ConnID(); ready && got == id {
			return c, true
		}
	}
	return nil, false
}

// DisconnectAll transitions every known connection into
// StateDisconnecting, the fan-out initiate_disconnect_all performs
// before an NI is torn down. The caller is responsible for actually
// sending OP_RDMA_DISC on each connection that was still connected
// before calling this (dispatch.Dispatcher.DisconnectAll does both).
func (m *Manager) DisconnectAll() {
	for _, c := range m.All() {
		c.BeginDisconnect()
	}
}
