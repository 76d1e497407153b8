package transport

// Transport parameters travel in TLS extension 26. The client body wraps the
// negotiated and initial versions; the server body is prefixed with its
// supported-versions list, in which the client must find the negotiated
// version.

// TransportParamsExtensionType is the TLS extension carrying the parameters.
const TransportParamsExtensionType = 26

const (
	paramInitialMaxStreamData = 0
	paramInitialMaxData       = 1 // kilobytes
	paramInitialMaxStreamID   = 2
	paramIdleTimeout          = 3 // seconds
	paramTruncateConnectionID = 4
)

// Parameters are the negotiated connection-level limits.
type Parameters struct {
	InitialMaxStreamData uint32
	InitialMaxData       uint32 // kilobytes
	InitialMaxStreamID   uint32
	IdleTimeout          uint16 // seconds
	TruncateConnectionID bool
}

// defaultParameters apply to the peer until its real parameters arrive with
// the handshake.
func defaultParameters() Parameters {
	return Parameters{
		InitialMaxStreamData: 8192,
		InitialMaxData:       16,
		InitialMaxStreamID:   100,
		IdleTimeout:          60,
	}
}

func (p *Parameters) encodedLen() int {
	n := (2+2+4)*3 + (2 + 2 + 2)
	if p.TruncateConnectionID {
		n += 2 + 2
	}
	return n
}

func (p *Parameters) encode(b []byte) int {
	i := 0
	put := func(id uint64, width int, v uint64) {
		put16(b[i:], id)
		put16(b[i+2:], uint64(width))
		putN(b[i+4:], v, width)
		i += 4 + width
	}
	put(paramInitialMaxStreamData, 4, uint64(p.InitialMaxStreamData))
	put(paramInitialMaxData, 4, uint64(p.InitialMaxData))
	put(paramInitialMaxStreamID, 4, uint64(p.InitialMaxStreamID))
	put(paramIdleTimeout, 2, uint64(p.IdleTimeout))
	if p.TruncateConnectionID {
		put(paramTruncateConnectionID, 0, 0)
	}
	return i
}

// decodeParamBlock parses the {id, length, value} sequence. Duplicates of
// known ids are rejected; unknown ids are skipped; the four required ids
// must all be present.
func decodeParamBlock(b []byte) (Parameters, error) {
	var p Parameters
	var seen uint64
	for len(b) > 0 {
		if len(b) < 4 {
			return p, newError(InvalidFrameData, "transport parameter header")
		}
		id := get16(b)
		length := int(get16(b[2:]))
		b = b[4:]
		if len(b) < length {
			return p, newError(InvalidFrameData, "transport parameter length")
		}
		value := b[:length]
		b = b[length:]
		if id <= paramTruncateConnectionID {
			if seen&(1<<id) != 0 {
				return p, newError(InvalidFrameData, "duplicate transport parameter")
			}
			seen |= 1 << id
		}
		switch id {
		case paramInitialMaxStreamData, paramInitialMaxData, paramInitialMaxStreamID:
			if length != 4 {
				return p, newError(InvalidFrameData, "transport parameter length")
			}
			v := uint32(get32(value))
			switch id {
			case paramInitialMaxStreamData:
				p.InitialMaxStreamData = v
			case paramInitialMaxData:
				p.InitialMaxData = v
			case paramInitialMaxStreamID:
				p.InitialMaxStreamID = v
			}
		case paramIdleTimeout:
			if length != 2 {
				return p, newError(InvalidFrameData, "transport parameter length")
			}
			p.IdleTimeout = uint16(get16(value))
		case paramTruncateConnectionID:
			if length != 0 {
				return p, newError(InvalidFrameData, "transport parameter length")
			}
			p.TruncateConnectionID = true
		}
	}
	const required = 1<<paramInitialMaxStreamData | 1<<paramInitialMaxData |
		1<<paramInitialMaxStreamID | 1<<paramIdleTimeout
	if seen&required != required {
		return p, newError(InvalidFrameData, "missing transport parameter")
	}
	return p, nil
}

// encodeClientParams builds the extension body sent by the client.
func encodeClientParams(negotiated, initial uint32, p *Parameters) []byte {
	b := make([]byte, 8+p.encodedLen())
	put32(b, uint64(negotiated))
	put32(b[4:], uint64(initial))
	n := p.encode(b[8:])
	return b[:8+n]
}

// decodeClientParams parses the extension body sent by the client.
func decodeClientParams(b []byte) (negotiated, initial uint32, p Parameters, err error) {
	if len(b) < 8 {
		err = newError(InvalidFrameData, "transport parameters too short")
		return
	}
	negotiated = uint32(get32(b))
	initial = uint32(get32(b[4:]))
	p, err = decodeParamBlock(b[8:])
	return
}

// encodeServerParams builds the extension body sent by the server, prefixed
// with its supported-versions list.
func encodeServerParams(supported []uint32, p *Parameters) []byte {
	b := make([]byte, 1+4*len(supported)+p.encodedLen())
	b[0] = byte(len(supported))
	i := 1
	for _, v := range supported {
		put32(b[i:], uint64(v))
		i += 4
	}
	n := p.encode(b[i:])
	return b[:i+n]
}

// decodeServerParams parses the extension body sent by the server.
func decodeServerParams(b []byte) (supported []uint32, p Parameters, err error) {
	if len(b) < 1 {
		err = newError(InvalidFrameData, "transport parameters too short")
		return
	}
	count := int(b[0])
	b = b[1:]
	if len(b) < 4*count {
		err = newError(InvalidFrameData, "transport parameters too short")
		return
	}
	for i := 0; i < count; i++ {
		supported = append(supported, uint32(get32(b[4*i:])))
	}
	p, err = decodeParamBlock(b[4*count:])
	return
}
