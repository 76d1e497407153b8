package transport

import "io"

// senderState tracks a one-shot stream-state frame (RST_STREAM or
// STOP_SENDING) through transmission and acknowledgement.
type senderState uint8

const (
	senderStateNone senderState = iota
	senderStateSend
	senderStateUnacked
	senderStateAcked
)

// Stream is a reliable byte channel inside a connection. Stream 0 carries
// the TLS handshake and is not accessible to the application.
type Stream struct {
	conn *Conn
	id   uint32

	send sendBuffer
	recv recvBuffer

	// Send-side auxiliary state.
	maxStreamData uint64 // peer-granted flow-control cap, absolute offset
	maxSent       uint64 // highest data offset ever transmitted
	rstState      senderState
	rstCode       uint32
	stopState     senderState
	stopCode      uint32
	maxDataSender maxSender // local MAX_STREAM_DATA advertising

	// Receive-side auxiliary state.
	window       uint64 // local receive window
	recvHighmark uint64 // highest received offset, for connection flow control
	rstReceived  bool
	rstRecvCode  uint32

	closeRequested bool
	updateFn       func(*Stream)
}

func newStream(c *Conn, id uint32, maxStreamData, window uint64) *Stream {
	st := &Stream{
		conn:          c,
		id:            id,
		maxStreamData: maxStreamData,
		window:        window,
	}
	st.send.init()
	st.recv.init()
	st.maxDataSender.init(window)
	return st
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// OnUpdate sets the callback invoked when the stream becomes readable or
// changes state.
func (s *Stream) OnUpdate(fn func(*Stream)) {
	s.updateFn = fn
}

// Write appends b to the send buffer. The bytes are transmitted as flow
// control and packet space permit.
func (s *Stream) Write(b []byte) (int, error) {
	if s.rstState != senderStateNone {
		return 0, newError(InvalidStreamData, "write after reset")
	}
	return s.send.write(b)
}

// Shutdown marks the end of the send side; a FIN is scheduled alongside the
// final byte range.
func (s *Stream) Shutdown() {
	s.send.shutdown()
}

// Reset abruptly terminates the send side. When every data byte up to the FIN
// offset has already been transmitted the FIN is left to do the job and no
// RST_STREAM is scheduled.
func (s *Stream) Reset(errorCode uint32) {
	if s.rstState != senderStateNone {
		return
	}
	if s.send.eos != offsetUnset && s.maxSent == s.send.eos {
		return
	}
	s.send.stop()
	s.rstState = senderStateSend
	s.rstCode = errorCode
}

// StopSending asks the peer to stop transmitting on this stream.
func (s *Stream) StopSending(errorCode uint32) {
	if s.stopState != senderStateNone {
		return
	}
	s.stopState = senderStateSend
	s.stopCode = errorCode
}

// Read copies contiguous received bytes into b. It returns io.EOF once the
// stream is complete and (0, nil) when no data is currently available.
func (s *Stream) Read(b []byte) (int, error) {
	avail := s.recv.available()
	if len(avail) == 0 {
		if s.recv.complete() || s.rstReceived {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(b, avail)
	s.consume(n)
	return n, nil
}

// consume advances the receive buffer and the flow-control counters.
func (s *Stream) consume(n int) {
	s.recv.shift(n)
	if s.id != 0 {
		s.conn.maxDataConsumed += uint64(n)
	}
}

// ResetReceived reports whether the peer reset its send side, and the
// carried application code.
func (s *Stream) ResetReceived() (bool, uint32) {
	return s.rstReceived, s.rstRecvCode
}

// Close requests destruction of the stream. The stream is destroyed once the
// send side is fully acknowledged (or the RST is acknowledged) and the
// receive side is transfer-complete.
func (s *Stream) Close() error {
	if s.id == 0 {
		return newError(InvalidStreamData, "cannot close stream 0")
	}
	s.closeRequested = true
	s.conn.maybeDestroyStream(s)
	return nil
}

// sendComplete reports whether the send side reached its terminal state.
func (s *Stream) sendComplete() bool {
	if s.rstState != senderStateNone {
		return s.rstState == senderStateAcked
	}
	return s.send.complete()
}

// recvComplete reports whether the receive side reached its terminal state.
func (s *Stream) recvComplete() bool {
	return s.rstReceived || s.recv.complete()
}

func (s *Stream) update() {
	if s.updateFn != nil {
		s.updateFn(s)
	}
}

// flushable reports whether the stream has anything to transmit.
func (s *Stream) flushable() bool {
	return s.rstState == senderStateSend || s.stopState == senderStateSend ||
		s.send.flushable()
}
