package transport

// maxSender advertises a monotonically increasing flow-control limit,
// transmitting each increment once and rewinding on loss so it is scheduled
// again. Units are whatever the caller uses on the wire (bytes for
// MAX_STREAM_DATA, kilobytes for MAX_DATA).
type maxSender struct {
	maxAcked    uint64 // highest advertisement known delivered
	maxInflight uint64 // highest advertisement transmitted
}

func (s *maxSender) init(initial uint64) {
	s.maxAcked = initial
	s.maxInflight = initial
}

// shouldUpdate reports whether advertising consumed+window now would exceed
// the in-flight value by at least slack.
func (s *maxSender) shouldUpdate(consumed, window, slack uint64) bool {
	return consumed+window >= s.maxInflight+slack
}

// record registers a transmitted advertisement.
func (s *maxSender) record(value uint64) {
	if value > s.maxInflight {
		s.maxInflight = value
	}
}

// acked latches a delivered advertisement.
func (s *maxSender) acked(value uint64) {
	if value > s.maxAcked {
		s.maxAcked = value
	}
}

// lost rewinds the in-flight high-water so the advertisement is scheduled
// again, unless a higher value has been delivered meanwhile.
func (s *maxSender) lost(value uint64) {
	if value > s.maxAcked && s.maxInflight <= value {
		s.maxInflight = s.maxAcked
	}
}
