package match

import (
	"sync"

	"github.com/musleh123/portals4/handle"
)

// UnexpectedMessage records a request that matched in the overflow
// list: the payload already landed in the overflow buffer, but no
// priority-list entry claimed it yet, so a later PtlLESearch/PtlMESearch
// or list-append must be able to bind it (spec §4.F).
type UnexpectedMessage struct {
	Initiator      Request
	HdrData        uint64
	OverflowOffset uint64
	Entry          *Entry // the overflow entry the bytes landed in
}

// PT is one portal table entry: a priority list, an overflow list, the
// event queue requests post completions to, and the unexpected-message
// records search operations consult. Grounded on ptl_internal_PT.h's
// ptl_table_entry_t (priority/overflow queue pair, EQ handle, a lock
// guarding both).
type PT struct {
	Index    uint32
	EQ       handle.Handle
	Disabled bool

	mu       sync.Mutex
	Priority List
	Overflow List

	unexpected []UnexpectedMessage
}

// NewPT constructs an enabled, empty PT for index with the given event
// queue (handle.Invalid if none was bound).
func NewPT(index uint32, eq handle.Handle) *PT {
	return &PT{Index: index, EQ: eq}
}

// Append links e into the overflow list if overflow is set, else into the
// priority list; listKind does not affect which list is chosen.
func (pt *PT) Append(listKind Kind, e *Entry, prepend bool, overflow bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if overflow {
		pt.Overflow.Append(e, prepend)
	} else {
		pt.Priority.Append(e, prepend)
	}
}

// Unlink removes e from whichever of the two lists it belongs to.
func (pt *PT) Unlink(e *Entry) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.Priority.Unlink(e)
	pt.Overflow.Unlink(e)
}

// MatchResult is what a successful Match call found.
type MatchResult struct {
	Entry      *Entry
	Overflow   bool   // true if the match came from the overflow list
	WillUnlink bool   // true if Consume exhausted Entry and Match has already unlinked it
	Offset     uint64 // Entry.Offset before this match's Consume, i.e. where the data lands
}

// Match walks the priority list first, then the overflow list, per
// spec §4.F and §8's "strict FIFO within priority list then within
// overflow list; no priority entry is skipped while matching". A
// priority-list match is Consume()d and, if warranted, unlinked before
// Match returns, so the caller never has to remember to do it. An
// overflow-list match is recorded as an UnexpectedMessage instead of
// being unlinked, since the overflow buffer itself keeps the bytes
// until a search/append binds them.
func (pt *PT) Match(req Request) (MatchResult, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if e := pt.Priority.Walk(func(e *Entry) bool { return matches(e, req) }); e != nil {
		offset := e.Offset
		unlink := e.Consume(effectiveLength(e, req.Length))
		if unlink {
			pt.Priority.Unlink(e)
		}
		return MatchResult{Entry: e, Overflow: false, WillUnlink: unlink, Offset: offset}, true
	}

	if e := pt.Overflow.Walk(func(e *Entry) bool { return matches(e, req) }); e != nil {
		offset := e.Offset
		e.Consume(effectiveLength(e, req.Length))
		pt.unexpected = append(pt.unexpected, UnexpectedMessage{
			Initiator:      req,
			OverflowOffset: offset,
			Entry:          e,
		})
		return MatchResult{Entry: e, Overflow: true, Offset: offset}, true
	}

	return MatchResult{}, false
}

// SearchUnexpected finds and removes the first recorded unexpected
// message matching req's namespace, the binding PtlLESearch/PtlMESearch
// perform against an overflow capture (spec §8 scenario 5). deleteOnly
// mirrors PTL_SEARCH_DELETE vs PTL_SEARCH_ONLY: when false the record
// stays bound for a later search.
func (pt *PT) SearchUnexpected(matchBits, ignoreBits uint64, deleteOnly bool) (UnexpectedMessage, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i, u := range pt.unexpected {
		if (u.Initiator.MatchBits^matchBits)&^ignoreBits != 0 {
			continue
		}
		if deleteOnly {
			pt.unexpected = append(pt.unexpected[:i], pt.unexpected[i+1:]...)
		}
		return u, true
	}
	return UnexpectedMessage{}, false
}
