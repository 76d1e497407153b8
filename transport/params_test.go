package transport

import "testing"

func testParams() Parameters {
	return Parameters{
		InitialMaxStreamData: 8192,
		InitialMaxData:       16,
		InitialMaxStreamID:   100,
		IdleTimeout:          60,
	}
}

func TestClientParamsRoundTrip(t *testing.T) {
	p := testParams()
	p.TruncateConnectionID = true
	b := encodeClientParams(QuicVersion, QuicVersion, &p)
	negotiated, initial, q, err := decodeClientParams(b)
	if err != nil {
		t.Fatal(err)
	}
	if negotiated != QuicVersion || initial != QuicVersion {
		t.Fatalf("versions %x %x", negotiated, initial)
	}
	if q != p {
		t.Fatalf("expect %+v actual %+v", p, q)
	}
}

func TestServerParamsRoundTrip(t *testing.T) {
	p := testParams()
	b := encodeServerParams([]uint32{0xff000006, QuicVersion}, &p)
	supported, q, err := decodeServerParams(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(supported) != 2 || supported[1] != QuicVersion {
		t.Fatalf("supported %x", supported)
	}
	if q != p {
		t.Fatalf("expect %+v actual %+v", p, q)
	}
}

func TestParamsUnknownIDSkipped(t *testing.T) {
	p := testParams()
	body := make([]byte, p.encodedLen()+6)
	// Unknown parameter 99 first, then the known block.
	put16(body, 99)
	put16(body[2:], 2)
	put16(body[4:], 0xabcd)
	p.encode(body[6:])
	q, err := decodeParamBlock(body)
	if err != nil {
		t.Fatal(err)
	}
	if q != p {
		t.Fatalf("expect %+v actual %+v", p, q)
	}
}

func TestParamsDuplicateRejected(t *testing.T) {
	p := testParams()
	body := make([]byte, 2*p.encodedLen())
	n := p.encode(body)
	p.encode(body[n:])
	if _, err := decodeParamBlock(body); err == nil {
		t.Fatal("expect duplicate error")
	}
}

func TestParamsMissingRequired(t *testing.T) {
	body := make([]byte, 8)
	put16(body, paramInitialMaxData)
	put16(body[2:], 4)
	put32(body[4:], 16)
	if _, err := decodeParamBlock(body); err == nil {
		t.Fatal("expect missing-parameter error")
	}
}

func TestParamsTruncatedBlock(t *testing.T) {
	p := testParams()
	body := make([]byte, p.encodedLen())
	n := p.encode(body)
	for cut := 1; cut < n; cut++ {
		if _, err := decodeParamBlock(body[:cut]); err == nil {
			t.Fatalf("expect error at cut %d", cut)
		}
	}
}
