package match

import "github.com/musleh123/portals4/conn"

// Request is the subset of an inbound request header the match walk
// needs, independent of the wire encoding (wire.RequestTail carries the
// rest for use after a match is found).
type Request struct {
	Initiator conn.PeerID
	MatchBits uint64
	Op        Permission
	Length    uint64
}

// matches reports whether e is a valid candidate for req, implementing
// the predicate `(hdr.match_bits ^ me.match_bits) & ~me.ignore_bits == 0`,
// the id filter, and the permission check. An LE (Kind == KindLE) never
// carries a matching namespace, so it matches unconditionally modulo id
// and permission.
//
// An entry with less remaining capacity than req.Length still matches:
// effective length is min(req.Length, e.Remaining()), and the caller
// truncates and flags the shortfall in the reply rather than skipping the
// entry. Only a fully exhausted entry (Remaining() == 0) is not a
// candidate.
func matches(e *Entry, req Request) bool {
	if e.Permissions&req.Op == 0 {
		return false
	}
	if !e.AnyID && e.ID != req.Initiator {
		return false
	}
	if e.Kind == KindME {
		if (req.MatchBits^e.MatchBits)&^e.IgnoreBits != 0 {
			return false
		}
	}
	if e.Remaining() == 0 {
		return false
	}
	return true
}

// effectiveLength clamps a request's length to what e can actually hold,
// the min(rlength, remaining) truncation matches() allows through.
func effectiveLength(e *Entry, length uint64) uint64 {
	if r := e.Remaining(); r < length {
		return r
	}
	return length
}

// Consume advances e's write cursor by n bytes after a successful
// delivery, and reports whether the entry should be unlinked: either
// because use_once always unlinks after one match, or because
// manage_local's min_free watermark was crossed (spec §4.F invariant:
// "once matched and fully consumed ... a use_once or
// manage_local-exhausted entry is automatically unlinked").
func (e *Entry) Consume(n uint64) (unlink bool) {
	e.Offset += n
	if e.UseOnce {
		return true
	}
	if e.ManageLocal && e.Remaining() < e.MinFree {
		return true
	}
	return false
}
