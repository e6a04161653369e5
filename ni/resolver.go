package ni

import (
	"fmt"
	"unsafe"

	"github.com/musleh123/portals4/buffer"
	"github.com/musleh123/portals4/wire"
)

// resolver is the one piece of address-space-crossing magic this engine
// needs: it turns a wire-carried RDMADescriptor or a local SGE back into
// the []byte it names. Grounded on dispatch.sge's &buf[0]/unsafe.Pointer
// crossing -- resolver is exactly that operation run in reverse, and is
// the concrete Resolver both transport/rdma and transport/shmem require
// from their owning NI (spec §1: memory registration/remote-copy is an
// external collaborator behind this facade; here, same process address
// space, so the facade degenerates to a pointer cast rather than a real
// verbs rkey lookup).
type resolver struct{}

func (resolver) Resolve(desc wire.RDMADescriptor) ([]byte, error) {
	if desc.Address == 0 {
		if desc.Length == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("ni: nil rdma descriptor with length %d", desc.Length)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(desc.Address))), int(desc.Length)), nil
}

func (resolver) ResolveLocal(sge buffer.SGE) ([]byte, error) {
	if sge.Addr == 0 {
		if sge.Length == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("ni: nil sge with length %d", sge.Length)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(sge.Addr)), int(sge.Length)), nil
}
