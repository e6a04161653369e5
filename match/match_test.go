package match

import (
	"testing"

	"github.com/musleh123/portals4/conn"
)

func TestMatchesChecksPermission(t *testing.T) {
	e := &Entry{Kind: KindME, AnyID: true, Length: 100, Permissions: PermGet}
	req := Request{Op: PermPut, Length: 10}
	if matches(e, req) {
		t.Fatalf("expected no match: entry lacks PermPut")
	}
}

func TestMatchesChecksID(t *testing.T) {
	e := &Entry{Kind: KindME, ID: conn.PeerID{Rank: 1}, Length: 100, Permissions: PermPut}
	req := Request{Initiator: conn.PeerID{Rank: 2}, Op: PermPut, Length: 10}
	if matches(e, req) {
		t.Fatalf("expected no match: initiator rank differs and AnyID is false")
	}
	e.AnyID = true
	if !matches(e, req) {
		t.Fatalf("expected match once AnyID is set")
	}
}

func TestMatchesLEIgnoresMatchBits(t *testing.T) {
	e := &Entry{Kind: KindLE, AnyID: true, Length: 100, Permissions: PermPut, MatchBits: 0xFF}
	req := Request{MatchBits: 0x00, Op: PermPut, Length: 10}
	if !matches(e, req) {
		t.Fatalf("expected LE to match regardless of match_bits")
	}
}

func TestMatchesAcceptsLowCapacityEntryForTruncation(t *testing.T) {
	e := &Entry{Kind: KindME, AnyID: true, Offset: 90, Length: 100, Permissions: PermPut}
	req := Request{Op: PermPut, Length: 20}
	if !matches(e, req) {
		t.Fatalf("expected match: an entry with less remaining capacity than the request still matches and truncates, it does not get skipped")
	}
}

func TestMatchesRejectsFullyExhaustedEntry(t *testing.T) {
	e := &Entry{Kind: KindME, AnyID: true, Offset: 100, Length: 100, Permissions: PermPut}
	req := Request{Op: PermPut, Length: 20}
	if matches(e, req) {
		t.Fatalf("expected no match: entry has zero remaining capacity")
	}
}

func TestConsumeUseOnceAlwaysUnlinks(t *testing.T) {
	e := &Entry{UseOnce: true, Length: 1000}
	if unlink := e.Consume(10); !unlink {
		t.Fatalf("expected use_once entry to unlink after a single consume")
	}
	if e.Offset != 10 {
		t.Fatalf("offset = %d, want 10", e.Offset)
	}
}

func TestConsumeManageLocalUnlinksBelowMinFree(t *testing.T) {
	e := &Entry{ManageLocal: true, MinFree: 50, Length: 100}
	if unlink := e.Consume(40); unlink {
		t.Fatalf("expected no unlink: 60 bytes remain, min_free is 50")
	}
	if unlink := e.Consume(20); !unlink {
		t.Fatalf("expected unlink: only 40 bytes remain now, below min_free 50")
	}
}

func TestConsumePlainEntryNeverUnlinks(t *testing.T) {
	e := &Entry{Length: 100}
	if unlink := e.Consume(90); unlink {
		t.Fatalf("expected a plain (non-use_once, non-manage_local) entry to never auto-unlink")
	}
}

func TestRemainingClampsAtZero(t *testing.T) {
	e := &Entry{Offset: 100, Length: 100}
	if e.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", e.Remaining())
	}
	e.Offset = 120
	if e.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0 when offset exceeds length", e.Remaining())
	}
}
