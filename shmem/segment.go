// Package shmem implements the memory-mapped shared-memory segment that
// backs component B's on-node transport: one mmap'd region per job, holding
// a per-rank NEMESIS fragment queue and the arena its fragments are carved
// out of, so same-node ranks can exchange short messages without a kernel
// round trip. Grounded on the segment header/layout approach of
// shm_segment.go and shm_mmap_unix.go, adapted from a two-ring
// client/server transport to a per-rank N-writer/1-reader mailbox layout.
package shmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/musleh123/portals4/queue"
)

var segmentMagic = [8]byte{'P', 'T', 'L', '4', 'S', 'H', 'M', 0}

const segmentVersion = uint32(1)

// headerSize is the fixed, 64-byte-aligned size of Header's on-disk form.
const headerSize = 64

// controlSize is the size of one rank's control region: two independent
// NEMESIS queues back to back, each head/shadowHead/tail/frustration (four
// uint32 words, matching queue.Nemesis/queue.Blocking's atomic fields one
// for one) -- the inbound message mailbox, then the free-fragment list a
// sender consults before it can hand the receiver anything at all. A given
// fragment's embedded next-link word is shared by both queues since a
// fragment is only ever a member of one of them at a time.
const controlSize = 32

// Layout describes a segment's dimensions, fixed at creation time.
type Layout struct {
	RankCount        uint32
	FragmentSize     uint32 // bytes per fragment slot, including the 4-byte next-link header
	FragmentsPerRank uint32
}

func (l Layout) arenaOffset() uint64 {
	return uint64(headerSize) + uint64(l.RankCount)*controlSize
}

func (l Layout) totalSize() uint64 {
	return l.arenaOffset() + uint64(l.RankCount)*uint64(l.FragmentsPerRank)*uint64(l.FragmentSize)
}

// Segment is a mapped shared-memory region plus typed views into its
// header, per-rank queue control blocks, and fragment arena.
type Segment struct {
	file *os.File
	mem  []byte
	path string

	layout Layout
}

// Create allocates a new backing file at path, sized for layout, and maps
// it. Any previous file at path is truncated away, matching
// CreateSegment's O_CREATE|O_EXCL-then-resize approach but tolerant of
// restart since a job's segment path is unique per run.
func Create(path string, layout Layout) (*Segment, error) {
	if layout.RankCount == 0 || layout.FragmentsPerRank == 0 || layout.FragmentSize < controlSize {
		return nil, fmt.Errorf("shmem: invalid layout %+v", layout)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmem: create %s: %w", path, err)
	}

	size := layout.totalSize()
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: truncate %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}

	s := &Segment{file: file, mem: mem, path: path, layout: layout}
	s.writeHeader()
	s.initFreeLists()
	return s, nil
}

// initFreeLists chains fragments 1..FragmentsPerRank-1 of every rank into
// that rank's free-fragment queue; fragment 0 is reserved as the Nil
// sentinel and never handed out.
func (s *Segment) initFreeLists() {
	for rank := 0; rank < int(s.layout.RankCount); rank++ {
		for idx := uint32(1); idx < s.layout.FragmentsPerRank; idx++ {
			prev := s.freeTail(rank).Swap(idx)
			if prev == 0 {
				s.freeHead(rank).Store(idx)
			} else {
				s.nextWord(rank, prev).Store(idx)
			}
		}
	}
}

// Open maps an existing segment and validates its header against layout.
func Open(path string, layout Layout) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	size := layout.totalSize()
	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	s := &Segment{file: file, mem: mem, path: path, layout: layout}
	if err := s.validateHeader(); err != nil {
		unix.Munmap(mem)
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *Segment) writeHeader() {
	copy(s.mem[0:8], segmentMagic[:])
	binary.LittleEndian.PutUint32(s.mem[8:12], segmentVersion)
	binary.LittleEndian.PutUint32(s.mem[12:16], s.layout.RankCount)
	binary.LittleEndian.PutUint32(s.mem[16:20], s.layout.FragmentSize)
	binary.LittleEndian.PutUint32(s.mem[20:24], s.layout.FragmentsPerRank)
}

func (s *Segment) validateHeader() error {
	if [8]byte(s.mem[0:8]) != segmentMagic {
		return fmt.Errorf("shmem: bad magic in %s", s.path)
	}
	if v := binary.LittleEndian.Uint32(s.mem[8:12]); v != segmentVersion {
		return fmt.Errorf("shmem: unsupported version %d in %s", v, s.path)
	}
	rankCount := binary.LittleEndian.Uint32(s.mem[12:16])
	fragSize := binary.LittleEndian.Uint32(s.mem[16:20])
	fragsPerRank := binary.LittleEndian.Uint32(s.mem[20:24])
	if rankCount != s.layout.RankCount || fragSize != s.layout.FragmentSize || fragsPerRank != s.layout.FragmentsPerRank {
		return fmt.Errorf("shmem: layout mismatch in %s: got {%d,%d,%d}, want %+v",
			s.path, rankCount, fragSize, fragsPerRank, s.layout)
	}
	return nil
}

// Close unmaps the segment and closes its backing file.
func (s *Segment) Close() error {
	var firstErr error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			firstErr = err
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// Path is the segment's backing file.
func (s *Segment) Path() string { return s.path }

func (s *Segment) controlOffset(rank int) uint64 {
	return uint64(headerSize) + uint64(rank)*controlSize
}

func (s *Segment) wordAt(off uint64) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.mem[off]))
}

// control block field offsets within a rank's controlSize bytes: the
// inbound mailbox queue occupies the first 16 bytes, the free-fragment
// queue the next 16.
const (
	ctrlHead        = 0
	ctrlShadowHead  = 4
	ctrlTail        = 8
	ctrlFrustration = 12

	ctrlFreeHead        = 16
	ctrlFreeShadowHead  = 20
	ctrlFreeTail        = 24
	ctrlFreeFrustration = 28
)

func (s *Segment) head(rank int) *atomic.Uint32       { return s.wordAt(s.controlOffset(rank) + ctrlHead) }
func (s *Segment) shadowHead(rank int) *atomic.Uint32 { return s.wordAt(s.controlOffset(rank) + ctrlShadowHead) }
func (s *Segment) tail(rank int) *atomic.Uint32       { return s.wordAt(s.controlOffset(rank) + ctrlTail) }
func (s *Segment) frustration(rank int) *atomic.Uint32 {
	return s.wordAt(s.controlOffset(rank) + ctrlFrustration)
}

func (s *Segment) freeHead(rank int) *atomic.Uint32 {
	return s.wordAt(s.controlOffset(rank) + ctrlFreeHead)
}
func (s *Segment) freeShadowHead(rank int) *atomic.Uint32 {
	return s.wordAt(s.controlOffset(rank) + ctrlFreeShadowHead)
}
func (s *Segment) freeTail(rank int) *atomic.Uint32 {
	return s.wordAt(s.controlOffset(rank) + ctrlFreeTail)
}
func (s *Segment) freeFrustration(rank int) *atomic.Uint32 {
	return s.wordAt(s.controlOffset(rank) + ctrlFreeFrustration)
}

// fragmentOffset returns the byte offset of fragment index idx within
// rank's slab. Fragment 0 of every rank is reserved as the Nil sentinel so
// queue.Offset's zero value never aliases a real fragment.
func (s *Segment) fragmentOffset(rank int, idx uint32) uint64 {
	rankArena := s.layout.arenaOffset() + uint64(rank)*uint64(s.layout.FragmentsPerRank)*uint64(s.layout.FragmentSize)
	return rankArena + uint64(idx)*uint64(s.layout.FragmentSize)
}

// Fragment returns the payload bytes (after the embedded next-link word)
// of fragment idx in rank's slab.
func (s *Segment) Fragment(rank int, idx uint32) []byte {
	off := s.fragmentOffset(rank, idx)
	return s.mem[off+4 : off+uint64(s.layout.FragmentSize)]
}

// nextWord returns the embedded next-link word of fragment idx.
func (s *Segment) nextWord(rank int, idx uint32) *atomic.Uint32 {
	return s.wordAt(s.fragmentOffset(rank, idx))
}

// resolver adapts one rank's fragment arena to queue.Resolver, so
// queue.Nemesis and queue.Blocking never need to know they are operating
// on mmap'd memory shared across processes rather than a Go slice.
type resolver struct {
	seg  *Segment
	rank int
}

func (r resolver) Next(off queue.Offset) *atomic.Uint32 {
	return r.seg.nextWord(r.rank, uint32(off))
}

// Resolver returns the queue.Resolver for rank's fragment slab.
func (s *Segment) Resolver(rank int) queue.Resolver {
	return resolver{seg: s, rank: rank}
}

// FragmentsPerRank and FragmentSize expose the layout to callers sizing
// wire payloads against the arena's fixed fragment capacity.
func (s *Segment) FragmentsPerRank() uint32 { return s.layout.FragmentsPerRank }
func (s *Segment) FragmentSize() uint32     { return s.layout.FragmentSize - 4 }
