// Package initiator implements component G: the Initiator transaction
// state machine that drives one user request (Put/Get/Atomic/Fetch/Swap)
// to completion on the wire. The machine is expressed as data: its
// transition methods (Start, OnConnReady, OnSendPosted, OnSendComplete,
// OnReply) take an event and return the effects the driver (ni/dispatch)
// must carry out, rather than calling into transport/match/event
// directly, so the transition logic stays pure and unit-testable.
// Grounded on spec §4.G's state table and trunk/ib/src/ptl_move.c's
// xi_t lifecycle, with the Go shape of posting work borrowed from
// fi/rma.go and fi/messaging.go's PostWrite/PostSend against a
// CompletionContext.
package initiator

import (
	"github.com/musleh123/portals4/conn"
	"github.com/musleh123/portals4/event"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/ptlerr"
	"github.com/musleh123/portals4/wire"
)

// State enumerates the Initiator machine's states (spec §4.G).
type State int

const (
	StateStart State = iota
	StatePrepReq
	StateWaitConn
	StateSendReq
	StateWaitComp
	StateEarlySendEvent
	StateSendError
	StateWaitRecv
	StateDataIn
	StateLateSendEvent
	StateAckEvent
	StateReplyEvent
	StateCleanup
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StatePrepReq:
		return "PrepReq"
	case StateWaitConn:
		return "WaitConn"
	case StateSendReq:
		return "SendReq"
	case StateWaitComp:
		return "WaitComp"
	case StateEarlySendEvent:
		return "EarlySendEvent"
	case StateSendError:
		return "SendError"
	case StateWaitRecv:
		return "WaitRecv"
	case StateDataIn:
		return "DataIn"
	case StateLateSendEvent:
		return "LateSendEvent"
	case StateAckEvent:
		return "AckEvent"
	case StateReplyEvent:
		return "ReplyEvent"
	case StateCleanup:
		return "Cleanup"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Effect is an action the driver must carry out on the machine's behalf.
// The transition methods never perform I/O themselves; they only
// describe what should happen.
type Effect interface{}

// StartConnect asks the driver to begin (or wait on) the connection
// handshake for Peer, parking xi on conn.buf_list if needed.
type StartConnect struct {
	Peer conn.PeerID
}

// PostSend asks the driver to hand the encoded request header/tail to
// transport.Provider.SendMessage.
type PostSend struct {
	Tail      wire.RequestTail
	Data      []byte // short in-band payload, nil for descriptor-carried data
	AckReq    wire.AckMode
	Handle    handle.Handle
}

// EmitEvent asks the driver to post r to the bound EQ, if any.
type EmitEvent struct {
	Record event.Record
}

// BumpCT asks the driver to call CT.Inc(success, failure) on the bound CT.
type BumpCT struct {
	Success uint64
	Failure uint64
}

// TearDown asks the driver to release xi back to its pool.
type TearDown struct{}

// Request is the immutable description of the user operation this xi
// carries, composed at PtlPut/Get/Atomic/Fetch/Swap call time.
type Request struct {
	Target    conn.PeerID
	Self      conn.PeerID // this NI's own (NID, PID), echoed in the request tail so the target can address a reply
	Operation wire.Operation
	PTIndex   uint32
	MatchBits uint64
	HdrData   uint64
	RLength   uint64
	ROffset   uint64
	AckReq    wire.AckMode
	AtomOp    wire.AtomicOp
	AtomType  wire.AtomicType
	Operand   uint64
	// CompareOperand is the swap family's second value (compare value
	// for CSWAP variants, mask for MSWAP); zero/unused otherwise.
	CompareOperand uint64
	Data           []byte // in-band payload for short PUT/ATOMIC

	GetMD []byte // destination region for GET/FETCH/SWAP replies

	CT handle.Handle
	EQ handle.Handle
}

// XI is one Initiator transaction. Exported fields are read by the
// driver between transition-method calls, which are what advance State.
type XI struct {
	Handle  handle.Handle
	Req     Request
	State   State
	Conn    *conn.Conn
	connID  uint32 // transport.ConnID, kept untyped here to avoid an import cycle
	signalled bool
}

// New constructs an XI in StateStart.
func New(h handle.Handle, req Request, c *conn.Conn) *XI {
	return &XI{Handle: h, Req: req, State: StateStart, Conn: c}
}

// Start runs Start -> PrepReq -> {WaitConn | SendReq}, composing the
// request header and either parking on the connection or asking the
// driver to send immediately.
func (xi *XI) Start() []Effect {
	xi.State = StatePrepReq

	tail := wire.RequestTail{
		SrcNID:    xi.Req.Self.NID,
		SrcPID:    xi.Req.Self.PID,
		PTIndex:   xi.Req.PTIndex,
		MatchBits: xi.Req.MatchBits,
		HdrData:   xi.Req.HdrData,
		RLength:   xi.Req.RLength,
		ROffset:   xi.Req.ROffset,
		AckReq:    xi.Req.AckReq,
		AtomOp:    xi.Req.AtomOp,
		AtomType:  xi.Req.AtomType,
		Operand:   xi.Req.Operand,
		CompareOperand: xi.Req.CompareOperand,
		Handle:    uint64(xi.Handle),
	}

	if xi.Conn == nil || xi.Conn.State() != conn.StateConnected {
		xi.State = StateWaitConn
		return []Effect{StartConnect{Peer: xi.Req.Target}}
	}

	xi.State = StateSendReq
	return []Effect{PostSend{Tail: tail, Data: xi.Req.Data, AckReq: xi.Req.AckReq, Handle: xi.Handle}}
}

// OnConnReady runs WaitConn -> SendReq once the connection manager
// reports the peer is connected (spec §4.G "park on conn.buf_list and
// start connect if needed", resumed here).
func (xi *XI) OnConnReady() []Effect {
	if xi.State != StateWaitConn {
		return nil
	}
	tail := wire.RequestTail{
		SrcNID:    xi.Req.Self.NID,
		SrcPID:    xi.Req.Self.PID,
		PTIndex:   xi.Req.PTIndex,
		MatchBits: xi.Req.MatchBits,
		HdrData:   xi.Req.HdrData,
		RLength:   xi.Req.RLength,
		ROffset:   xi.Req.ROffset,
		AckReq:    xi.Req.AckReq,
		AtomOp:    xi.Req.AtomOp,
		AtomType:  xi.Req.AtomType,
		Operand:   xi.Req.Operand,
		CompareOperand: xi.Req.CompareOperand,
		Handle:    uint64(xi.Handle),
	}
	xi.State = StateSendReq
	return []Effect{PostSend{Tail: tail, Data: xi.Req.Data, AckReq: xi.Req.AckReq, Handle: xi.Handle}}
}

// OnSendPosted runs SendReq -> WaitComp, recording whether the driver
// signalled this send (spec §4.G "record signalled based on the
// per-connection completion threshold").
func (xi *XI) OnSendPosted(signalled bool) {
	xi.signalled = signalled
	xi.State = StateWaitComp
}

// OnSendComplete runs WaitComp -> {EarlySendEvent -> WaitRecv | SendError}.
// A failed send completion tears the transaction down with
// NI_UNDELIVERABLE per spec §4.G; retry is a connection-level concern,
// never an operation-level one.
func (xi *XI) OnSendComplete(ok bool) []Effect {
	if !ok {
		xi.State = StateSendError
		effects := []Effect{
			EmitEvent{Record: event.Record{
				Type:   event.TypeSend,
				NIFail: ptlerr.NIFailUndeliverable,
			}},
			BumpCT{Failure: 1},
			TearDown{},
		}
		xi.State = StateCleanup
		return effects
	}

	xi.State = StateEarlySendEvent
	effects := []Effect{EmitEvent{Record: event.Record{Type: event.TypeSend}}}

	if xi.Req.AckReq == wire.AckNone {
		// No acknowledgement requested: synthesise a local ACK and skip
		// straight to LateSendEvent, per spec §4.G.
		xi.State = StateLateSendEvent
		effects = append(effects, BumpCT{Success: 1})
		xi.State = StateCleanup
		effects = append(effects, TearDown{})
		return effects
	}

	xi.State = StateWaitRecv
	return effects
}

// ReplyInfo is what the dispatcher extracts from an inbound OP_REPLY or
// OP_ACK/OP_CT_ACK/OP_OC_ACK packet before handing it back to the xi it
// names (by echoed Handle).
type ReplyInfo struct {
	IsReply bool // true for OP_REPLY (carries data-in), false for an ACK variant
	Reply   wire.ReplyTail
	Ack     wire.AckTail
	Data    []byte
}

// OnReply runs WaitRecv -> DataIn -> LateSendEvent -> {AckEvent |
// ReplyEvent} -> Cleanup -> Done, streaming reply data into the get-MD
// when present, then posting the terminal event and bumping the CT.
func (xi *XI) OnReply(r ReplyInfo) []Effect {
	if xi.State != StateWaitRecv {
		return nil
	}

	var effects []Effect
	xi.State = StateDataIn

	if r.IsReply {
		n := r.Reply.MLength
		if xi.Req.GetMD != nil && n > 0 {
			end := r.Reply.Offset + n
			if end <= uint64(len(xi.Req.GetMD)) {
				copy(xi.Req.GetMD[r.Reply.Offset:end], r.Data[:n])
			}
		}
		xi.State = StateLateSendEvent
		xi.State = StateReplyEvent
		effects = append(effects, EmitEvent{Record: event.Record{
			Type:    event.TypeReply,
			NIFail:  ptlerr.NIFail(r.Reply.NIFail),
			MLength: r.Reply.MLength,
			Offset:  r.Reply.Offset,
		}})
	} else {
		xi.State = StateLateSendEvent
		xi.State = StateAckEvent
		effects = append(effects, EmitEvent{Record: event.Record{
			Type:    event.TypeAck,
			NIFail:  ptlerr.NIFail(r.Ack.NIFail),
			MLength: r.Ack.MLength,
			Offset:  r.Ack.Offset,
		}})
	}

	if r.Reply.NIFail != 0 || r.Ack.NIFail != 0 {
		effects = append(effects, BumpCT{Failure: 1})
	} else {
		effects = append(effects, BumpCT{Success: 1})
	}

	xi.State = StateCleanup
	effects = append(effects, TearDown{})
	xi.State = StateDone
	return effects
}
