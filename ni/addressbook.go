package ni

import (
	"fmt"
	"sync"

	"github.com/musleh123/portals4/conn"
)

// addressBook is the concrete dispatch.AddressBook a physical NI
// supplies: a plain map filled in by SetMap/SetAddress, standing in for
// the portals name server spec §1 treats as an external collaborator.
type addressBook struct {
	mu   sync.Mutex
	addr map[conn.PeerID]string
}

func newAddressBook() *addressBook {
	return &addressBook{addr: make(map[conn.PeerID]string)}
}

// SetAddress binds peer to a dialable "host:port", the physical-NI
// analogue of a logical NI's PtlSetMap rank table entry.
func (b *addressBook) SetAddress(peer conn.PeerID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addr[peer] = addr
}

// Address implements dispatch.AddressBook.
func (b *addressBook) Address(peer conn.PeerID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, ok := b.addr[peer]
	if !ok {
		return "", fmt.Errorf("ni: no address registered for peer %s", peer)
	}
	return addr, nil
}
