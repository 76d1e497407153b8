package transport

import (
	"bytes"
	"testing"
)

func TestSendBufferWriteEmit(t *testing.T) {
	var s sendBuffer
	s.init()
	s.write([]byte("hello "))
	s.write([]byte("world"))
	s.shutdown()
	if s.eos != 11 {
		t.Fatalf("eos %d", s.eos)
	}
	off, data, fin, end := s.pop(100, offsetUnset)
	if off != 0 || string(data) != "hello world" || !fin || end != 12 {
		t.Fatalf("pop %d %q %v %d", off, data, fin, end)
	}
	if s.flushable() {
		t.Fatal("nothing should remain pending")
	}
	s.ack(0, 12)
	if !s.complete() {
		t.Fatal("expect transfer complete")
	}
}

func TestSendBufferWriteAfterShutdown(t *testing.T) {
	var s sendBuffer
	s.init()
	s.shutdown()
	if _, err := s.write([]byte("x")); err == nil {
		t.Fatal("expect error")
	}
}

func TestSendBufferPartialEmit(t *testing.T) {
	var s sendBuffer
	s.init()
	s.write(bytes.Repeat([]byte("a"), 10))
	s.shutdown()
	off, data, fin, _ := s.pop(4, offsetUnset)
	if off != 0 || len(data) != 4 || fin {
		t.Fatalf("pop %d %d %v", off, len(data), fin)
	}
	off, data, fin, _ = s.pop(100, offsetUnset)
	if off != 4 || len(data) != 6 || !fin {
		t.Fatalf("pop %d %d %v", off, len(data), fin)
	}
}

func TestSendBufferFlowCap(t *testing.T) {
	var s sendBuffer
	s.init()
	s.write(bytes.Repeat([]byte("b"), 2048))
	off, data, _, end := s.pop(4096, 1024)
	if off != 0 || len(data) != 1024 || end != 1024 {
		t.Fatalf("pop %d %d %d", off, len(data), end)
	}
	// Fully blocked.
	if _, _, _, end := s.pop(4096, 1024); end != 0 {
		t.Fatalf("expect blocked, end %d", end)
	}
	// Unblocked after the cap grows.
	off, data, _, _ = s.pop(4096, 2048)
	if off != 1024 || len(data) != 1024 {
		t.Fatalf("pop %d %d", off, len(data))
	}
}

func TestSendBufferLostReschedules(t *testing.T) {
	var s sendBuffer
	s.init()
	s.write(bytes.Repeat([]byte("c"), 300))
	s.shutdown()
	var chunks []numericRange
	for {
		off, data, fin, end := s.pop(100, offsetUnset)
		if end == 0 {
			break
		}
		_ = fin
		chunks = append(chunks, numericRange{off, off + uint64(len(data))})
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks %+v", chunks)
	}
	// Ack 1 and 3, lose 2 (and the FIN pseudo-byte with chunk 3 acked).
	s.ack(0, 100)
	s.ack(200, 301)
	s.lost(100, 200)
	if s.complete() {
		t.Fatal("must not be complete with a hole")
	}
	off, data, _, _ := s.pop(1000, offsetUnset)
	if off != 100 || len(data) != 100 {
		t.Fatalf("retransmit pop %d %d", off, len(data))
	}
	s.ack(100, 200)
	if !s.complete() {
		t.Fatal("expect complete")
	}
}

func TestSendBufferAckedNeverPending(t *testing.T) {
	var s sendBuffer
	s.init()
	s.write(bytes.Repeat([]byte("d"), 100))
	s.pop(100, offsetUnset)
	s.ack(0, 50)
	// Losing the whole emission must only reschedule the unacked half.
	s.lost(0, 100)
	off, data, _, _ := s.pop(100, offsetUnset)
	if off != 50 || len(data) != 50 {
		t.Fatalf("pop %d %d", off, len(data))
	}
}

func TestSendBufferFinOnly(t *testing.T) {
	var s sendBuffer
	s.init()
	s.write([]byte("xyz"))
	off, data, fin, end := s.pop(100, offsetUnset)
	if off != 0 || len(data) != 3 || fin || end != 3 {
		t.Fatalf("pop %d %d %v %d", off, len(data), fin, end)
	}
	s.shutdown()
	off, data, fin, end = s.pop(100, offsetUnset)
	if off != 3 || len(data) != 0 || !fin || end != 4 {
		t.Fatalf("fin pop %d %d %v %d", off, len(data), fin, end)
	}
}

func TestRecvBufferInOrder(t *testing.T) {
	var r recvBuffer
	r.init()
	if err := r.write(0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if string(r.available()) != "hello" {
		t.Fatalf("available %q", r.available())
	}
	r.shift(5)
	r.retain()
	if err := r.markEOS(5); err != nil {
		t.Fatal(err)
	}
	if !r.complete() {
		t.Fatal("expect complete")
	}
}

func TestRecvBufferReorder(t *testing.T) {
	var r recvBuffer
	r.init()
	if err := r.write(5, []byte("56789")); err != nil {
		t.Fatal(err)
	}
	if len(r.available()) != 0 {
		t.Fatalf("nothing contiguous yet: %q", r.available())
	}
	if err := r.write(0, []byte("01234")); err != nil {
		t.Fatal(err)
	}
	if string(r.available()) != "0123456789" {
		t.Fatalf("available %q", r.available())
	}
}

func TestRecvBufferOverlap(t *testing.T) {
	var r recvBuffer
	r.init()
	r.write(0, []byte("abc"))
	r.retain()
	r.write(2, []byte("cde"))
	if string(r.available()) != "abcde" {
		t.Fatalf("available %q", r.available())
	}
	r.shift(3)
	// Duplicate of consumed data is ignored.
	if err := r.write(0, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if string(r.available()) != "de" {
		t.Fatalf("available %q", r.available())
	}
}

func TestRecvBufferBorrowFastPath(t *testing.T) {
	var r recvBuffer
	r.init()
	src := []byte("zero copy")
	r.write(0, src)
	avail := r.available()
	if &avail[0] != &src[0] {
		t.Fatal("expect borrowed view")
	}
	r.shift(5)
	r.retain()
	// The unread tail survives reuse of the source buffer.
	copy(src, "XXXXXXXXX")
	if string(r.available()) != "copy" {
		t.Fatalf("available %q", r.available())
	}
}

func TestRecvBufferEOSErrors(t *testing.T) {
	var r recvBuffer
	r.init()
	r.write(0, []byte("abcd"))
	r.retain()
	if err := r.markEOS(2); err == nil {
		t.Fatal("expect error: data past eos")
	}
	if err := r.markEOS(4); err != nil {
		t.Fatal(err)
	}
	if err := r.markEOS(5); err == nil {
		t.Fatal("expect error: conflicting eos")
	}
	if err := r.write(3, []byte("xy")); err == nil {
		t.Fatal("expect error: write past eos")
	}
}

func TestMaxSender(t *testing.T) {
	var m maxSender
	m.init(100)
	if m.shouldUpdate(0, 100, 50) {
		t.Fatal("no consumption yet")
	}
	if !m.shouldUpdate(60, 100, 50) {
		t.Fatal("expect update due")
	}
	m.record(160)
	if m.shouldUpdate(60, 100, 50) {
		t.Fatal("update already in flight")
	}
	// Loss rewinds so the advertisement is scheduled again.
	m.lost(160)
	if !m.shouldUpdate(60, 100, 50) {
		t.Fatal("expect update after loss")
	}
	m.record(160)
	m.acked(160)
	// A late loss of an older value must not rewind past the ack.
	m.lost(150)
	if m.maxInflight != 160 {
		t.Fatalf("maxInflight %d", m.maxInflight)
	}
}
