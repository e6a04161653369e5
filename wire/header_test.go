package wire

import "testing"

func TestCommonHeaderRoundTrip(t *testing.T) {
	c := Common{
		Version:   headerVersion1,
		Operation: OpAtomic,
		NIType:    NITypeMatchingLogical,
		PktFmt:    PktFmtRDMADescriptor,
		Length:    1 << 20,
	}
	buf := make([]byte, HeaderSize)
	if err := EncodeCommon(buf, c); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeCommon(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestCommonHeaderRejectsBadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0x07 // version 7, no such version
	if _, err := DecodeCommon(buf); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestCommonHeaderShortBuffer(t *testing.T) {
	buf := make([]byte, 4)
	if _, err := DecodeCommon(buf); err != ErrShortHeader {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	if err := EncodeCommon(buf, Common{}); err != ErrShortHeader {
		t.Fatalf("expected ErrShortHeader on encode, got %v", err)
	}
}

func TestRequestTailRoundTrip(t *testing.T) {
	rt := RequestTail{
		SrcNID:    42,
		SrcPID:    7,
		PTIndex:   3,
		MatchBits: 0xdeadbeefcafebabe,
		HdrData:   0x1122334455667788,
		RLength:   4096,
		ROffset:   128,
		AckReq:    AckCTAckReq,
		AtomOp:    AtomicSum,
		AtomType:  TypeUint64,
		Operand:   99,
		Handle:    0xabcd1234,
	}
	buf := make([]byte, RequestTailSize)
	if err := rt.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRequestTail(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != rt {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rt)
	}
}

func TestRequestTailShortBuffer(t *testing.T) {
	buf := make([]byte, RequestTailSize-1)
	if err := (RequestTail{}).Encode(buf); err == nil {
		t.Fatalf("expected error encoding into short buffer")
	}
	if _, err := DecodeRequestTail(buf); err == nil {
		t.Fatalf("expected error decoding short buffer")
	}
}

func TestRDMADescriptorRoundTrip(t *testing.T) {
	d := RDMADescriptor{Address: 0x1000, RKey: 0xfeed, Length: 8192}
	buf := make([]byte, RDMADescriptorSize)
	if err := d.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRDMADescriptor(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != d {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
	}
}

func TestIndirectDescriptorRoundTrip(t *testing.T) {
	d := IndirectDescriptor{ListAddress: 0x2000, ListRKey: 0xbeef, Count: 12}
	buf := make([]byte, IndirectDescriptorSize)
	if err := d.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeIndirectDescriptor(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != d {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
	}
}

func TestOperationIsRequest(t *testing.T) {
	for _, op := range []Operation{OpPut, OpGet, OpAtomic, OpFetch, OpSwap} {
		if !op.IsRequest() {
			t.Fatalf("%v should be classified as a request", op)
		}
	}
	for _, op := range []Operation{OpReply, OpAck, OpCTAck, OpOCAck, OpRDMADisc} {
		if op.IsRequest() {
			t.Fatalf("%v should not be classified as a request", op)
		}
	}
}
