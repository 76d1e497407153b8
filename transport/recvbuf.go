package transport

// recvBuffer reassembles out-of-order stream data and exposes the contiguous
// prefix. When an incoming chunk extends the prefix and nothing else is
// buffered, the chunk is exposed as a borrowed view instead of being copied;
// retain converts whatever the application left unread into owned storage.
type recvBuffer struct {
	data     []byte   // owned storage from dataOff
	dataOff  uint64   // consumption offset, stream offset of the next byte to deliver
	received rangeSet // absorbed ranges at or above dataOff
	eos      uint64   // offsetUnset until FIN

	borrow []byte // borrowed fast-path view starting at dataOff
}

func (s *recvBuffer) init() {
	s.eos = offsetUnset
}

// write merges [off, off+len(b)) into the buffer.
func (s *recvBuffer) write(off uint64, b []byte) error {
	end := off + uint64(len(b))
	if s.eos != offsetUnset && end > s.eos {
		return newError(InvalidStreamData, "data past end of stream")
	}
	if end <= s.dataOff {
		return nil // duplicate of consumed data
	}
	if off < s.dataOff {
		b = b[s.dataOff-off:]
		off = s.dataOff
	}
	if off == s.dataOff && len(s.received) == 0 && s.borrow == nil {
		// Fast path: the chunk is the new contiguous prefix.
		s.borrow = b
		s.received.update(off, end)
		return nil
	}
	s.retain()
	idx := off - s.dataOff
	if need := idx + uint64(len(b)); uint64(len(s.data)) < need {
		grown := make([]byte, need)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[idx:], b)
	s.received.update(off, end)
	return nil
}

// markEOS fixes the final offset.
func (s *recvBuffer) markEOS(off uint64) error {
	if s.eos != offsetUnset {
		if s.eos != off {
			return newError(InvalidStreamData, "conflicting end of stream")
		}
		return nil
	}
	if len(s.received) > 0 && s.received.max() >= off {
		return newError(InvalidStreamData, "data past end of stream")
	}
	if s.dataOff > off {
		return newError(InvalidStreamData, "data past end of stream")
	}
	s.eos = off
	return nil
}

// available returns the contiguous readable bytes starting at dataOff.
func (s *recvBuffer) available() []byte {
	if s.borrow != nil {
		return s.borrow
	}
	if len(s.received) == 0 || s.received[0].start != s.dataOff {
		return nil
	}
	n := s.received[0].end - s.dataOff
	return s.data[:n]
}

// shift consumes n bytes of the contiguous prefix.
func (s *recvBuffer) shift(n int) {
	s.dataOff += uint64(n)
	if s.borrow != nil {
		s.borrow = s.borrow[n:]
		if len(s.borrow) == 0 {
			s.borrow = nil
		}
	} else {
		s.data = s.data[n:]
	}
	s.received.shrinkLeft(s.dataOff)
}

// retain copies any remaining borrowed view into owned storage. Must be
// called before the datagram buffer backing the view is reused.
func (s *recvBuffer) retain() {
	if s.borrow == nil {
		return
	}
	b := s.borrow
	s.borrow = nil
	if uint64(len(s.data)) < uint64(len(b)) {
		grown := make([]byte, len(b))
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data, b)
}

// complete reports whether all data up to FIN has been consumed.
func (s *recvBuffer) complete() bool {
	return s.eos != offsetUnset && s.dataOff == s.eos
}
