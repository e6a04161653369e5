package conn

// RejectReason is the private-data payload carried on a rejected
// connection request (spec §4.E), letting the rejected side distinguish
// "we already won this race" from "something is actually wrong".
type RejectReason uint32

const (
	RejectNone       RejectReason = iota
	RejectBadParam                // the request's private data was malformed
	RejectNoNI                    // the target NI options don't match
	RejectConnected               // we are already connected to this peer
	RejectConnecting              // we are mid-handshake with this peer (see Arbitrate)
	RejectError                   // catch-all for unexpected local failure
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "NONE"
	case RejectBadParam:
		return "BAD_PARAM"
	case RejectNoNI:
		return "NO_NI"
	case RejectConnected:
		return "CONNECTED"
	case RejectConnecting:
		return "CONNECTING"
	case RejectError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Decision is what a local NI should do in response to an inbound
// connect request while conn is in some local state.
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionAcceptSelf        // loopback: both sides are this same process
	DecisionReject
)

// Arbitrate decides how to respond to an inbound connect request from
// remote while the local Conn for that peer is in localState, following
// process_connect_request's switch statement: a request arriving while
// already CONNECTED is always rejected; a request arriving while
// disconnected is always accepted; a request racing an in-flight local
// connect attempt (RESOLVING_ADDR/RESOLVING_ROUTE/CONNECTING) is decided
// by comparing peer IDs so both ends converge on the same winner without
// talking to each other again.
func Arbitrate(localState State, local, remote PeerID) (Decision, RejectReason) {
	switch localState {
	case StateConnected:
		return DecisionReject, RejectConnected
	case StateDisconnected:
		return DecisionAccept, RejectNone
	case StateResolvingAddr, StateResolvingRoute, StateConnecting:
		switch c := Compare(remote, local); {
		case c > 0:
			return DecisionAccept, RejectNone
		case c < 0:
			return DecisionReject, RejectConnecting
		default:
			return DecisionAcceptSelf, RejectNone
		}
	case StateDisconnecting:
		return DecisionReject, RejectError
	default:
		return DecisionReject, RejectError
	}
}

// SimultaneousConnect reports whether a local rejection carrying reason
// actually indicates both sides raced to connect and the race already
// resolved in our favor elsewhere -- not a real failure, so the dialer
// must not retry (process_connect_reject's REJECT_REASON_CONNECTED/
// REJECT_REASON_CONNECTING early return).
func SimultaneousConnect(reason RejectReason) bool {
	return reason == RejectConnected || reason == RejectConnecting
}
