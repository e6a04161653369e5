// Package handle implements the object-pool/handle system of component A:
// typed slab allocators addressed by a 64-bit opaque handle encoding
// {type-tag, NI-index, pool-index, generation}, with reference counting and
// generation-checked lookup so stale handles are rejected in O(1).
package handle

import "github.com/musleh123/portals4/ptlerr"

// Tag identifies the object type a handle refers to, so a handle minted for
// one pool can never be mistaken for another's, even if the index collides.
type Tag uint8

const (
	TagNI Tag = iota
	TagPT
	TagLE
	TagME
	TagMD
	TagCT
	TagEQ
	TagXI  // initiator transaction
	TagXT  // target transaction
	TagBuf // pool-internal buffer index, never returned to API callers
)

// Handle is the opaque 64-bit value returned to API callers. Layout:
// bits 56-63 tag, bits 40-55 NI index, bits 16-39 pool index, bits 0-15
// generation. The exact bit widths are an implementation detail; callers
// only ever pass handles back through ToObj.
type Handle uint64

const (
	genBits   = 16
	idxBits   = 24
	niBits    = 16
	genMask   = (1 << genBits) - 1
	idxMask   = (1 << idxBits) - 1
	niMask    = (1 << niBits) - 1
)

// Encode packs the four fields into a Handle.
func Encode(tag Tag, niIndex, poolIndex int, generation uint32) Handle {
	return Handle(uint64(tag)<<(niBits+idxBits+genBits) |
		uint64(niIndex&niMask)<<(idxBits+genBits) |
		uint64(poolIndex&idxMask)<<genBits |
		uint64(generation)&genMask)
}

// Decode unpacks a Handle into its fields.
func Decode(h Handle) (tag Tag, niIndex, poolIndex int, generation uint32) {
	generation = uint32(h) & genMask
	poolIndex = int((h >> genBits) & idxMask)
	niIndex = int((h >> (genBits + idxBits)) & niMask)
	tag = Tag(h >> (genBits + idxBits + niBits))
	return
}

// Invalid is the zero handle; no object is ever minted with generation 0,
// so it is always safe to use as a "no handle" sentinel.
const Invalid Handle = 0

// CheckTag validates that h carries the expected tag and NI index before a
// pool attempts to resolve it, surfacing cross-type/cross-NI handle misuse
// as ptlerr.ErrHandleType/ptlerr.ErrHandleCrossNI rather than an
// out-of-range index panic. These are plain sentinel errors; they do not
// carry the ptlerr.ArgInvalid return code.
func CheckTag(h Handle, want Tag, niIndex int) error {
	tag, ni, _, _ := Decode(h)
	if tag != want {
		return ptlerr.ErrHandleType
	}
	if ni != niIndex {
		return ptlerr.ErrHandleCrossNI
	}
	return nil
}
