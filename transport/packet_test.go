package transport

import (
	"bytes"
	"testing"
)

func TestLongHeaderRoundTrip(t *testing.T) {
	p := packet{
		typ:          packetTypeClientInitial,
		hasCID:       true,
		cid:          0x0102030405060708,
		version:      QuicVersion,
		packetNumber: 42,
	}
	b := make([]byte, 64)
	n, err := p.encodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != longHeaderLen {
		t.Fatalf("expect header length %d, actual %d", longHeaderLen, n)
	}
	if b[0] != headerFormLong|byte(packetTypeClientInitial) {
		t.Fatalf("flags %x", b[0])
	}
	var q packet
	if err := q.decode(b[:32]); err != nil {
		t.Fatal(err)
	}
	if q.typ != p.typ || q.cid != p.cid || q.version != p.version || q.packetNumber != 42 || q.pnLen != 4 {
		t.Fatalf("decoded %+v", q)
	}
}

func TestShortHeaderRoundTrip(t *testing.T) {
	p := packet{
		typ:          packetType1RTTKeyPhase1,
		keyPhase:     1,
		hasCID:       true,
		cid:          0xdeadbeef,
		packetNumber: 0x1234,
		pnLen:        2,
	}
	b := make([]byte, 32)
	n, err := p.encodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1+8+2 {
		t.Fatalf("header length %d", n)
	}
	var q packet
	if err := q.decode(b[:16]); err != nil {
		t.Fatal(err)
	}
	if q.typ != packetType1RTTKeyPhase1 || q.keyPhase != 1 || !q.hasCID ||
		q.cid != p.cid || q.packetNumber != 0x1234 || q.pnLen != 2 {
		t.Fatalf("decoded %+v", q)
	}
}

func TestShortHeaderNoCID(t *testing.T) {
	p := packet{
		typ:          packetType1RTTKeyPhase0,
		packetNumber: 7,
		pnLen:        1,
	}
	b := make([]byte, 8)
	n, err := p.encodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("header length %d", n)
	}
	var q packet
	if err := q.decode(b[:4]); err != nil {
		t.Fatal(err)
	}
	if q.hasCID || q.packetNumber != 7 {
		t.Fatalf("decoded %+v", q)
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	for _, tt := range [][]byte{
		nil,
		{headerFormLong | 0x00, 1, 2}, // long too short, and type 0 invalid
		{headerFormLong | 0x7f, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, // bad type byte
		{0x00},       // pn width 0
		{0x04},       // pn width bits 4
		{0x41, 1, 2}, // cid asserted but missing
	} {
		var p packet
		err := p.decode(tt)
		if err == nil {
			t.Fatalf("expect error for %x", tt)
		}
		if e := err.(*Error); e.Code != InvalidPacketHeader {
			t.Fatalf("expect invalid_packet_header for %x, actual %v", tt, err)
		}
	}
}

func TestFNVSealVerify(t *testing.T) {
	b := make([]byte, 0, 64)
	b = append(b, []byte("header")...)
	b = append(b, []byte("payload")...)
	b = append(b, make([]byte, fnvTrailerLen)...)
	fnvSeal(b)
	payload, err := fnvVerify(b[:6], b[6:])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, []byte("payload")) {
		t.Fatalf("payload %q", payload)
	}
	// Flip a bit anywhere and verification fails.
	b[3] ^= 1
	if _, err := fnvVerify(b[:6], b[6:]); err == nil {
		t.Fatal("expect mismatch")
	} else if err.(*Error).Code != DecryptionFailure {
		t.Fatalf("expect decryption_failure, actual %v", err)
	}
}

func TestFNVOffsetBasis(t *testing.T) {
	// Hash of the empty input is the offset basis.
	if h := fnv1a(nil); h != fnvOffsetBasis {
		t.Fatalf("actual %x", h)
	}
	// Known FNV-1a vector: "a" hashes to 0xaf63dc4c8601ec8c.
	if h := fnv1a([]byte("a")); h != 0xaf63dc4c8601ec8c {
		t.Fatalf("actual %x", h)
	}
}

func TestDecodePacketNumber(t *testing.T) {
	tests := []struct {
		truncated, win, expected, full uint64
	}{
		{0, 1 << 32, 0, 0},
		{5, 1 << 8, 4, 5},
		{0x02, 1 << 8, 0x101, 0x102},
		{0xfe, 1 << 8, 0x101, 0xfe},
		{0x00, 1 << 16, 0x1ffff, 0x20000},
	}
	for _, tt := range tests {
		if v := decodePacketNumber(tt.truncated, tt.win, tt.expected); v != tt.full {
			t.Fatalf("decodePacketNumber(%x, %x, %x): expect %x actual %x",
				tt.truncated, tt.win, tt.expected, tt.full, v)
		}
	}
}

func TestGCMAEADRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 12)
	aead, err := NewGCMAEAD(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	header := []byte{0x43, 1, 2, 3}
	payload := append(make([]byte, 0, 32), []byte("secret data")...)
	sealed := aead.Seal(9, header, payload)
	if len(sealed) != len("secret data")+aead.Overhead() {
		t.Fatalf("sealed length %d", len(sealed))
	}
	plain, err := aead.Open(9, header, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "secret data" {
		t.Fatalf("plain %q", plain)
	}
	// Wrong packet number fails.
	sealed2 := aead.Seal(10, header, append(make([]byte, 0, 32), []byte("secret data")...))
	if _, err := aead.Open(11, header, sealed2); err == nil {
		t.Fatal("expect failure for wrong nonce")
	}
}
