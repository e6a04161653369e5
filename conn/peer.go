// Package conn implements component E: the connection manager. Each NI
// keeps one Conn per peer it has ever talked to, looked up either
// through a logical rank table (logical NIs, filled in once at
// PtlSetMap time) or a physical address table keyed on (NID, PID)
// (physical NIs, grown lazily on first send). Grounded on
// trunk/src/ib/ptl_conn.c's get_conn/conn_init/process_connect_request,
// generalized from pthread_mutex_t + libev callbacks to Go's
// sync.Mutex + goroutines.
package conn

import "fmt"

// PeerID identifies a remote NI the way spec §3's ptl_process_t does:
// either a logical rank, or a physical (NID, PID) pair. Exactly one of
// the two addressing schemes is live for any given NI, chosen at
// PtlNIInit time (spec §3 "NI addressing mode").
type PeerID struct {
	Rank int    // valid when the owning NI is logical
	NID  uint32 // valid when the owning NI is physical
	PID  uint32
}

func (p PeerID) String() string {
	if p.NID == 0 && p.PID == 0 {
		return fmt.Sprintf("rank(%d)", p.Rank)
	}
	return fmt.Sprintf("%d:%d", p.NID, p.PID)
}

// Compare orders two physical IDs by (NID, PID), the tie-break the
// original engine uses both to sort its connection tree and to decide
// which side of a simultaneous connect wins (see reject.go). Logical
// peers compare by rank instead.
func Compare(a, b PeerID) int {
	if a.NID != b.NID {
		if a.NID < b.NID {
			return -1
		}
		return 1
	}
	if a.PID != b.PID {
		if a.PID < b.PID {
			return -1
		}
		return 1
	}
	if a.Rank != b.Rank {
		if a.Rank < b.Rank {
			return -1
		}
		return 1
	}
	return 0
}
