package transport

import "math"

const offsetUnset = math.MaxUint64

// sendBuffer is an ordered byte queue addressed by absolute stream offset.
// The FIN signal occupies the pseudo-byte at offset eos, so range bookkeeping
// runs over [0, eos+1).
type sendBuffer struct {
	data    []byte // bytes from dataOff
	dataOff uint64 // stream offset of data[0]; advances as the acked prefix is released
	written uint64 // tail offset, total bytes appended
	eos     uint64 // offset of FIN, offsetUnset until fixed

	pending rangeSet // offsets yet to transmit (or retransmit)
	acked   rangeSet // acknowledged offsets; never re-enter pending
}

func (s *sendBuffer) init() {
	s.eos = offsetUnset
}

// write appends b and schedules it for transmission.
func (s *sendBuffer) write(b []byte) (int, error) {
	if s.eos != offsetUnset {
		return 0, newError(InvalidStreamData, "write after shutdown")
	}
	s.data = append(s.data, b...)
	s.pending.update(s.written, s.written+uint64(len(b)))
	s.written += uint64(len(b))
	return len(b), nil
}

// shutdown fixes eos at the current tail and schedules the FIN pseudo-byte.
func (s *sendBuffer) shutdown() {
	if s.eos != offsetUnset {
		return
	}
	s.eos = s.written
	s.pending.update(s.eos, s.eos+1)
}

// stop fixes eos and abandons all untransmitted data. Used when the stream
// is reset: an RST_STREAM replaces the remaining transfer.
func (s *sendBuffer) stop() {
	if s.eos == offsetUnset {
		s.eos = s.written
	}
	s.pending.clear()
}

// pop returns the next chunk to transmit: at most maxLen data bytes from the
// first pending range, not crossing maxOffset (flow-control cap on data
// bytes). fin is set when the chunk reaches through the FIN pseudo-byte.
// The returned end is the exclusive end of the popped range including the
// pseudo-byte when fin is set; the caller records [off, end) with the ack
// ledger. A (0, 0, false) return with end == 0 means nothing was popped.
func (s *sendBuffer) pop(maxLen int, maxOffset uint64) (off uint64, data []byte, fin bool, end uint64) {
	if len(s.pending) == 0 || maxLen < 0 {
		return 0, nil, false, 0
	}
	r := s.pending[0]
	off = r.start
	// Clip the data portion to eos, the length budget and the flow cap.
	dataEnd := r.end
	if s.eos != offsetUnset && dataEnd > s.eos {
		dataEnd = s.eos
	}
	if dataEnd > off+uint64(maxLen) {
		dataEnd = off + uint64(maxLen)
	}
	if dataEnd > maxOffset {
		dataEnd = maxOffset
	}
	if dataEnd < off {
		dataEnd = off
	}
	end = dataEnd
	// The FIN pseudo-byte travels once the range reaches through eos.
	if s.eos != offsetUnset && r.end > s.eos && dataEnd == s.eos {
		fin = true
		end = s.eos + 1
	}
	if end == off {
		// Blocked by flow control.
		return 0, nil, false, 0
	}
	data = s.data[off-s.dataOff : dataEnd-s.dataOff]
	s.pending.subtract(off, end)
	return off, data, fin, end
}

// ack marks [start, end) delivered and releases the acked prefix.
func (s *sendBuffer) ack(start, end uint64) {
	s.acked.update(start, end)
	if len(s.acked) > 0 && s.acked[0].start == 0 {
		release := s.acked[0].end
		if release > s.written {
			release = s.written // exclude the FIN pseudo-byte
		}
		if release > s.dataOff {
			s.data = s.data[release-s.dataOff:]
			s.dataOff = release
		}
	}
}

// lost reschedules [start, end) for transmission, excluding anything that
// has been acknowledged meanwhile.
func (s *sendBuffer) lost(start, end uint64) {
	s.pending.update(start, end)
	for _, a := range s.acked {
		s.pending.subtract(a.start, a.end)
	}
}

// complete reports whether the FIN pseudo-byte (and everything before it)
// has been acknowledged.
func (s *sendBuffer) complete() bool {
	return s.eos != offsetUnset && len(s.acked) == 1 &&
		s.acked[0].start == 0 && s.acked[0].end == s.eos+1
}

// flushable reports whether anything is waiting for transmission.
func (s *sendBuffer) flushable() bool {
	return len(s.pending) > 0
}
