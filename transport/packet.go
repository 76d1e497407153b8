package transport

import "fmt"

// QuicVersion is the draft revision implemented by this package.
const QuicVersion uint32 = 0xff000005

// Packet types. Value 8 is shared with PUBLIC_RESET in the draft; it is
// treated as key phase 1 here and public reset is not handled.
const (
	packetTypeVersionNegotiation   packetType = 1
	packetTypeClientInitial        packetType = 2
	packetTypeServerStatelessRetry packetType = 3
	packetTypeServerCleartext      packetType = 4
	packetTypeClientCleartext      packetType = 5
	packetTypeZeroRTTProtected     packetType = 6
	packetType1RTTKeyPhase0        packetType = 7
	packetType1RTTKeyPhase1        packetType = 8
)

const (
	headerFormLong     = 0x80
	headerFlagConnID   = 0x40
	headerFlagKeyPhase = 0x20

	longHeaderLen = 17 // flags + cid + packet number + version
	fnvTrailerLen = 8

	// MinInitialPayloadLen is the exact payload length of a CLIENT_INITIAL
	// packet, before the FNV trailer.
	MinInitialPayloadLen = 1272
)

type packetType uint8

func (t packetType) String() string {
	switch t {
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	case packetTypeClientInitial:
		return "client_initial"
	case packetTypeServerStatelessRetry:
		return "server_stateless_retry"
	case packetTypeServerCleartext:
		return "server_cleartext"
	case packetTypeClientCleartext:
		return "client_cleartext"
	case packetTypeZeroRTTProtected:
		return "zero_rtt_protected"
	case packetType1RTTKeyPhase0:
		return "one_rtt_key_phase_0"
	case packetType1RTTKeyPhase1:
		return "one_rtt_key_phase_1"
	}
	return "unknown"
}

// isCleartext reports whether packets of this type are authenticated with the
// FNV-1a trailer rather than an AEAD.
func (t packetType) isCleartext() bool {
	switch t {
	case packetTypeClientInitial, packetTypeServerCleartext, packetTypeClientCleartext,
		packetTypeVersionNegotiation, packetTypeServerStatelessRetry:
		return true
	}
	return false
}

func (t packetType) isLong() bool {
	return t != packetType1RTTKeyPhase0 && t != packetType1RTTKeyPhase1
}

// packet is a decoded or to-be-encoded packet.
type packet struct {
	typ      packetType
	keyPhase int
	hasCID   bool
	cid      uint64
	version  uint32

	// packetNumber is truncated to pnLen bytes on decode; the connection
	// reconstructs the full value.
	packetNumber uint64
	pnLen        int

	header  []byte // header octets, set by decode
	payload []byte // payload octets including trailer or AEAD tag, set by decode
}

func (p *packet) String() string {
	return fmt.Sprintf("type=%s cid=%x pn=%d", p.typ, p.cid, p.packetNumber)
}

// decode splits b into header and payload and extracts the header fields.
func (p *packet) decode(b []byte) error {
	if len(b) == 0 {
		return newError(InvalidPacketHeader, "empty datagram")
	}
	flags := b[0]
	if flags&headerFormLong != 0 {
		return p.decodeLong(b)
	}
	return p.decodeShort(b)
}

func (p *packet) decodeLong(b []byte) error {
	if len(b) < longHeaderLen {
		return newError(InvalidPacketHeader, "long header too short")
	}
	typ := packetType(b[0] & 0x7f)
	if typ < packetTypeVersionNegotiation || typ > packetType1RTTKeyPhase1 {
		return newError(InvalidPacketHeader, "invalid type byte")
	}
	p.typ = typ
	p.hasCID = true
	p.cid = get64(b[1:])
	p.packetNumber = get32(b[9:])
	p.pnLen = 4
	p.version = uint32(get32(b[13:]))
	p.header = b[:longHeaderLen]
	p.payload = b[longHeaderLen:]
	return nil
}

func (p *packet) decodeShort(b []byte) error {
	flags := b[0]
	pnLen := 0
	switch flags & 0x07 {
	case 1:
		pnLen = 1
	case 2:
		pnLen = 2
	case 3:
		pnLen = 4
	default:
		return newError(InvalidPacketHeader, "unknown packet number width")
	}
	if flags&headerFlagKeyPhase != 0 {
		p.typ = packetType1RTTKeyPhase1
		p.keyPhase = 1
	} else {
		p.typ = packetType1RTTKeyPhase0
		p.keyPhase = 0
	}
	off := 1
	if flags&headerFlagConnID != 0 {
		if len(b) < off+8 {
			return newError(InvalidPacketHeader, "short header too short")
		}
		p.hasCID = true
		p.cid = get64(b[off:])
		off += 8
	}
	if len(b) < off+pnLen {
		return newError(InvalidPacketHeader, "short header too short")
	}
	pn, _ := getN(b[off:], pnLen)
	p.packetNumber = pn
	p.pnLen = pnLen
	off += pnLen
	p.header = b[:off]
	p.payload = b[off:]
	return nil
}

// encodeHeader writes the packet header into b and returns its length.
func (p *packet) encodeHeader(b []byte) (int, error) {
	if p.typ.isLong() {
		if len(b) < longHeaderLen {
			return 0, newError(InternalError, "buffer too short for header")
		}
		b[0] = headerFormLong | byte(p.typ)
		put64(b[1:], p.cid)
		put32(b[9:], p.packetNumber)
		put32(b[13:], uint64(p.version))
		return longHeaderLen, nil
	}
	flags := byte(0)
	if p.keyPhase == 1 {
		flags |= headerFlagKeyPhase
	}
	n := 1
	if p.hasCID {
		flags |= headerFlagConnID
		n += 8
	}
	pnLen := p.pnLen
	switch pnLen {
	case 1:
		flags |= 1
	case 2:
		flags |= 2
	case 4:
		flags |= 3
	default:
		return 0, newError(InternalError, "invalid packet number width")
	}
	if len(b) < n+pnLen {
		return 0, newError(InternalError, "buffer too short for header")
	}
	b[0] = flags
	if p.hasCID {
		put64(b[1:], p.cid)
	}
	putN(b[n:], p.packetNumber, pnLen)
	return n + pnLen, nil
}

func (p *packet) headerLen() int {
	if p.typ.isLong() {
		return longHeaderLen
	}
	n := 1 + p.pnLen
	if p.hasCID {
		n += 8
	}
	return n
}

// FNV-1a 64 over header followed by payload. Cleartext packets carry the
// big-endian hash as an 8-byte trailer.
const (
	fnvOffsetBasis uint64 = 0xcbf29ce484222325
	fnvPrime       uint64 = 0x100000001b3
)

func fnv1a(spans ...[]byte) uint64 {
	h := fnvOffsetBasis
	for _, s := range spans {
		for _, c := range s {
			h ^= uint64(c)
			h *= fnvPrime
		}
	}
	return h
}

// fnvVerify checks the trailer of a cleartext packet and returns the payload
// without it.
func fnvVerify(header, payload []byte) ([]byte, error) {
	if len(payload) < fnvTrailerLen {
		return nil, newError(DecryptionFailure, "missing auth trailer")
	}
	body := payload[:len(payload)-fnvTrailerLen]
	sum := fnv1a(header, body)
	if get64(payload[len(body):]) != sum {
		return nil, newError(DecryptionFailure, "auth trailer mismatch")
	}
	return body, nil
}

// fnvSeal appends the trailer for b, which holds header and payload, in place.
// b must have the trailer bytes reserved at the tail.
func fnvSeal(b []byte) {
	body := b[:len(b)-fnvTrailerLen]
	put64(b[len(body):], fnv1a(body))
}

// decodePacketNumber expands a truncated packet number to the full value
// closest to expected. win is the window size of the truncated field.
func decodePacketNumber(truncated, win, expected uint64) uint64 {
	candidate := (expected &^ (win - 1)) | truncated
	if candidate+win/2 <= expected && candidate+win > candidate {
		return candidate + win
	}
	if candidate > expected+win/2 && candidate >= win {
		return candidate - win
	}
	return candidate
}
