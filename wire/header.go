// Package wire implements the on-the-wire header encoding of spec §6:
// hdr_common followed by an operation-specific tail. hdr_common is encoded
// in HeaderSize (10) bytes, not in 8: its length field is a full 64 bits
// after two bytes of packed flags and operation. Length is
// big-endian; the small integer fields are little-endian, matching the
// spec's explicit field-order note and grounded on the binary.BigEndian/
// LittleEndian idiom grpc-go-shmem's frame.go uses for its own frame header.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Operation identifies the wire operation code (spec §6).
type Operation uint8

const (
	OpPut Operation = iota
	OpGet
	OpAtomic
	OpFetch
	OpSwap
	OpReply
	OpAck
	OpCTAck
	OpOCAck
	OpRDMADisc
)

func (o Operation) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpGet:
		return "GET"
	case OpAtomic:
		return "ATOMIC"
	case OpFetch:
		return "FETCH"
	case OpSwap:
		return "SWAP"
	case OpReply:
		return "REPLY"
	case OpAck:
		return "ACK"
	case OpCTAck:
		return "CT_ACK"
	case OpOCAck:
		return "OC_ACK"
	case OpRDMADisc:
		return "RDMA_DISC"
	default:
		return "UNKNOWN"
	}
}

// IsRequest reports whether the operation is classified as a target-bound
// request (dispatch §4.I: "operation <= OP_SWAP => Req").
func (o Operation) IsRequest() bool { return o <= OpSwap }

// NIType packs the matching/non-matching x logical/physical axes (spec §3).
type NIType uint8

const (
	NITypeMatchingLogical NIType = iota
	NITypeMatchingPhysical
	NITypeNonMatchingLogical
	NITypeNonMatchingPhysical
)

// PacketFormat selects how the payload/descriptor tail is encoded.
type PacketFormat uint8

const (
	PktFmtShortInBand PacketFormat = iota
	PktFmtRDMADescriptor
	PktFmtIndirect
)

const headerVersion1 = 1

// ErrBadVersion is returned by Decode when the header version field is not
// headerVersion1; callers must DropBuf per spec §4.I, never treat it as fatal.
var ErrBadVersion = errors.New("wire: unsupported header version")

// ErrShortHeader is returned when the buffer is too small to hold even the
// common header.
var ErrShortHeader = errors.New("wire: buffer shorter than common header")

// Common is hdr_common: version/operation/ni_type/pkt_fmt packed into the
// first byte pair, followed by a 64-bit big-endian length.
type Common struct {
	Version   uint8
	Operation Operation
	NIType    NIType
	PktFmt    PacketFormat
	Length    uint64
}

// EncodeCommon writes the 10-byte common header into buf[0:10]: one flags
// byte (version | ni_type | pkt_fmt), one operation byte, then the 8-byte
// big-endian length.
func EncodeCommon(buf []byte, c Common) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	buf[0] = c.Version&0x0F | (uint8(c.NIType)&0x03)<<4 | (uint8(c.PktFmt)&0x03)<<6
	buf[1] = uint8(c.Operation)
	binary.BigEndian.PutUint64(buf[2:10], c.Length)
	return nil
}

// DecodeCommon parses the 10-byte common header; callers must supply at
// least HeaderSize bytes, matching
// EncodeCommon's layout: 1 byte packed flags, 1 byte operation, 8 bytes
// length.
func DecodeCommon(buf []byte) (Common, error) {
	if len(buf) < HeaderSize {
		return Common{}, ErrShortHeader
	}
	c := Common{
		Version:   buf[0] & 0x0F,
		NIType:    NIType((buf[0] >> 4) & 0x03),
		PktFmt:    PacketFormat((buf[0] >> 6) & 0x03),
		Operation: Operation(buf[1]),
		Length:    binary.BigEndian.Uint64(buf[2:10]),
	}
	if c.Version != headerVersion1 {
		return c, ErrBadVersion
	}
	return c, nil
}

// HeaderSize is the total size of the common header as laid out by
// EncodeCommon/DecodeCommon (1 flags byte + 1 operation byte + 8 length
// bytes).
const HeaderSize = 10

// RequestTail is req_hdr (spec §6): the fields carried on PUT/GET/ATOMIC/
// FETCH/SWAP requests.
type RequestTail struct {
	SrcNID    uint32
	SrcPID    uint32
	PTIndex   uint32
	MatchBits uint64
	HdrData   uint64
	RLength   uint64
	ROffset   uint64
	AckReq    AckMode
	AtomOp    AtomicOp
	AtomType  AtomicType
	Operand   uint64
	// CompareOperand carries the second value the swap family needs
	// beyond spec §3's singular "typed operand": the compare value for
	// CSWAP/CSWAP_{NE,LE,LT,GE,GT}, the mask for MSWAP, unused (zero) for
	// plain ATOMIC/FETCH_ATOMIC and unconditional SWAP.
	CompareOperand uint64
	Handle         uint64 // initiator-side transaction handle, echoed back in ACKs
}

// AckMode selects the acknowledgement behaviour requested by the initiator.
type AckMode uint8

const (
	AckNone AckMode = iota
	AckReq
	AckCTAckReq
	AckOCAckReq
)

// AtomicOp enumerates the atomic/fetch-atomic/swap operation codes.
type AtomicOp uint8

const (
	AtomicMin AtomicOp = iota
	AtomicMax
	AtomicSum
	AtomicProd
	AtomicLOR
	AtomicLAND
	AtomicBOR
	AtomicBAND
	AtomicLXOR
	AtomicBXOR
	AtomicSwap
	AtomicCSwap
	AtomicCSwapNE
	AtomicCSwapLE
	AtomicCSwapLT
	AtomicCSwapGE
	AtomicCSwapGT
	AtomicMSwap
)

// AtomicType enumerates the operand datatypes.
type AtomicType uint8

const (
	TypeInt8 AtomicType = iota
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeFloat32Complex
	TypeFloat64Complex
)

// RequestTailSize is the encoded size of a RequestTail. Layout (little-endian small
// integers per spec §6):
//
//	u32 SrcNID, u32 SrcPID, u32 PTIndex, u64 MatchBits, u64 HdrData,
//	u64 RLength, u64 ROffset, u8 AckReq, u8 AtomOp, u8 AtomType,
//	u64 Operand, u64 CompareOperand, u64 Handle
const RequestTailSize = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 1 + 1 + 1 + 8 + 8 + 8

// Encode writes t into buf, which must be at least RequestTailSize bytes.
func (t RequestTail) Encode(buf []byte) error {
	if len(buf) < RequestTailSize {
		return fmt.Errorf("wire: request tail buffer too small (%d < %d)", len(buf), RequestTailSize)
	}
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], t.SrcNID)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], t.SrcPID)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], t.PTIndex)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], t.MatchBits)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], t.HdrData)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], t.RLength)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], t.ROffset)
	o += 8
	buf[o] = uint8(t.AckReq)
	o++
	buf[o] = uint8(t.AtomOp)
	o++
	buf[o] = uint8(t.AtomType)
	o++
	binary.LittleEndian.PutUint64(buf[o:], t.Operand)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], t.CompareOperand)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], t.Handle)
	return nil
}

// DecodeRequestTail parses a RequestTail from buf.
func DecodeRequestTail(buf []byte) (RequestTail, error) {
	if len(buf) < RequestTailSize {
		return RequestTail{}, fmt.Errorf("wire: request tail buffer too small (%d < %d)", len(buf), RequestTailSize)
	}
	var t RequestTail
	o := 0
	t.SrcNID = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	t.SrcPID = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	t.PTIndex = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	t.MatchBits = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.HdrData = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.RLength = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.ROffset = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.AckReq = AckMode(buf[o])
	o++
	t.AtomOp = AtomicOp(buf[o])
	o++
	t.AtomType = AtomicType(buf[o])
	o++
	t.Operand = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.CompareOperand = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.Handle = binary.LittleEndian.Uint64(buf[o:])
	return t, nil
}

// RDMADescriptor is the non-inline data_t variant: a remote-accessible
// address/rkey/length triple (spec §6 "Data descriptors").
type RDMADescriptor struct {
	Address uint64
	RKey    uint64
	Length  uint64
}

const RDMADescriptorSize = 8 + 8 + 8

func (d RDMADescriptor) Encode(buf []byte) error {
	if len(buf) < RDMADescriptorSize {
		return fmt.Errorf("wire: rdma descriptor buffer too small")
	}
	binary.LittleEndian.PutUint64(buf[0:], d.Address)
	binary.LittleEndian.PutUint64(buf[8:], d.RKey)
	binary.LittleEndian.PutUint64(buf[16:], d.Length)
	return nil
}

func DecodeRDMADescriptor(buf []byte) (RDMADescriptor, error) {
	if len(buf) < RDMADescriptorSize {
		return RDMADescriptor{}, fmt.Errorf("wire: rdma descriptor buffer too small")
	}
	return RDMADescriptor{
		Address: binary.LittleEndian.Uint64(buf[0:]),
		RKey:    binary.LittleEndian.Uint64(buf[8:]),
		Length:  binary.LittleEndian.Uint64(buf[16:]),
	}, nil
}

// ReplyTail is the tail carried on OP_REPLY: the initiator's echoed
// transaction handle plus how much data actually moved, since a GET's
// rlength is a request, not a guarantee (truncation per spec §4.F).
type ReplyTail struct {
	Handle  uint64
	MLength uint64
	Offset  uint64
	NIFail  uint8
}

const ReplyTailSize = 8 + 8 + 8 + 1

func (t ReplyTail) Encode(buf []byte) error {
	if len(buf) < ReplyTailSize {
		return fmt.Errorf("wire: reply tail buffer too small")
	}
	binary.LittleEndian.PutUint64(buf[0:], t.Handle)
	binary.LittleEndian.PutUint64(buf[8:], t.MLength)
	binary.LittleEndian.PutUint64(buf[16:], t.Offset)
	buf[24] = t.NIFail
	return nil
}

func DecodeReplyTail(buf []byte) (ReplyTail, error) {
	if len(buf) < ReplyTailSize {
		return ReplyTail{}, fmt.Errorf("wire: reply tail buffer too small")
	}
	return ReplyTail{
		Handle:  binary.LittleEndian.Uint64(buf[0:]),
		MLength: binary.LittleEndian.Uint64(buf[8:]),
		Offset:  binary.LittleEndian.Uint64(buf[16:]),
		NIFail:  buf[24],
	}, nil
}

// AckTail is the tail carried on OP_ACK/OP_CT_ACK/OP_OC_ACK: the
// initiator's echoed handle plus the length the target actually matched,
// so a PUT's sender learns whether it was truncated.
type AckTail struct {
	Handle  uint64
	MLength uint64
	Offset  uint64
	NIFail  uint8
}

const AckTailSize = 8 + 8 + 8 + 1

func (t AckTail) Encode(buf []byte) error {
	if len(buf) < AckTailSize {
		return fmt.Errorf("wire: ack tail buffer too small")
	}
	binary.LittleEndian.PutUint64(buf[0:], t.Handle)
	binary.LittleEndian.PutUint64(buf[8:], t.MLength)
	binary.LittleEndian.PutUint64(buf[16:], t.Offset)
	buf[24] = t.NIFail
	return nil
}

func DecodeAckTail(buf []byte) (AckTail, error) {
	if len(buf) < AckTailSize {
		return AckTail{}, fmt.Errorf("wire: ack tail buffer too small")
	}
	return AckTail{
		Handle:  binary.LittleEndian.Uint64(buf[0:]),
		MLength: binary.LittleEndian.Uint64(buf[8:]),
		Offset:  binary.LittleEndian.Uint64(buf[16:]),
		NIFail:  buf[24],
	}, nil
}

// IndirectDescriptor references an out-of-band SGE list too large for a
// single RDMADescriptor (spec §4.H "Indirect descriptors").
type IndirectDescriptor struct {
	ListAddress uint64
	ListRKey    uint64
	Count       uint32
}

const IndirectDescriptorSize = 8 + 8 + 4

func (d IndirectDescriptor) Encode(buf []byte) error {
	if len(buf) < IndirectDescriptorSize {
		return fmt.Errorf("wire: indirect descriptor buffer too small")
	}
	binary.LittleEndian.PutUint64(buf[0:], d.ListAddress)
	binary.LittleEndian.PutUint64(buf[8:], d.ListRKey)
	binary.LittleEndian.PutUint32(buf[16:], d.Count)
	return nil
}

func DecodeIndirectDescriptor(buf []byte) (IndirectDescriptor, error) {
	if len(buf) < IndirectDescriptorSize {
		return IndirectDescriptor{}, fmt.Errorf("wire: indirect descriptor buffer too small")
	}
	return IndirectDescriptor{
		ListAddress: binary.LittleEndian.Uint64(buf[0:]),
		ListRKey:    binary.LittleEndian.Uint64(buf[8:]),
		Count:       binary.LittleEndian.Uint32(buf[16:]),
	}, nil
}
