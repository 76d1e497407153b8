package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

// insecureHandshake is a certificate-less handshake engine implementing
// HandshakeEngine for demos and tests. It exchanges random nonces over
// stream 0, carries the transport-parameters extension verbatim, and derives
// exporter secrets with HKDF over the joined nonces. It provides no
// authentication whatsoever; production embeddings supply a real TLS 1.3
// engine.
//
// Messages are framed as {type u8, length u24, body}:
//
//	1 hello    client nonce + params extension
//	2 accept   server nonce + params extension
//	3 confirm  empty
const (
	insecureMsgHello   = 1
	insecureMsgAccept  = 2
	insecureMsgConfirm = 3

	insecureNonceLen = 32
)

type insecureHandshake struct {
	isClient   bool
	started    bool
	complete   bool
	buf        []byte // partial inbound message
	localExt   []byte
	peerExt    []byte
	localNonce [insecureNonceLen]byte
	peerNonce  [insecureNonceLen]byte
	secret     []byte
}

// NewInsecureHandshake returns an engine factory for Config.Handshake.
func NewInsecureHandshake() func() HandshakeEngine {
	return func() HandshakeEngine { return &insecureHandshake{} }
}

func (h *insecureHandshake) start(props *HandshakeProperties) error {
	if h.started {
		return errors.New("handshake already started")
	}
	h.started = true
	if _, err := rand.Read(h.localNonce[:]); err != nil {
		return err
	}
	if props != nil {
		h.localExt = append([]byte(nil), props.TransportParams...)
	}
	return nil
}

func (h *insecureHandshake) StartClient(serverName string, props *HandshakeProperties) ([]byte, error) {
	if err := h.start(props); err != nil {
		return nil, err
	}
	h.isClient = true
	body := append(append([]byte(nil), h.localNonce[:]...), h.localExt...)
	return frameMsg(insecureMsgHello, body), nil
}

func (h *insecureHandshake) StartServer(props *HandshakeProperties) error {
	return h.start(props)
}

func (h *insecureHandshake) Handshake(in []byte) (int, []byte, error) {
	consumed := len(in)
	h.buf = append(h.buf, in...)
	var out []byte
	for {
		typ, body, n := nextMsg(h.buf)
		if n == 0 {
			break
		}
		h.buf = h.buf[n:]
		reply, err := h.handleMsg(typ, body)
		if err != nil {
			return 0, nil, err
		}
		out = append(out, reply...)
	}
	return consumed, out, nil
}

func (h *insecureHandshake) handleMsg(typ byte, body []byte) ([]byte, error) {
	switch typ {
	case insecureMsgHello:
		if h.isClient {
			return nil, errors.New("unexpected hello")
		}
		if len(body) < insecureNonceLen {
			return nil, errors.New("short hello")
		}
		copy(h.peerNonce[:], body)
		h.peerExt = append([]byte(nil), body[insecureNonceLen:]...)
		reply := append(append([]byte(nil), h.localNonce[:]...), h.localExt...)
		return frameMsg(insecureMsgAccept, reply), nil
	case insecureMsgAccept:
		if !h.isClient {
			return nil, errors.New("unexpected accept")
		}
		if len(body) < insecureNonceLen {
			return nil, errors.New("short accept")
		}
		copy(h.peerNonce[:], body)
		h.peerExt = append([]byte(nil), body[insecureNonceLen:]...)
		h.deriveSecret()
		h.complete = true
		return frameMsg(insecureMsgConfirm, nil), nil
	case insecureMsgConfirm:
		if h.isClient {
			return nil, errors.New("unexpected confirm")
		}
		h.deriveSecret()
		h.complete = true
		return nil, nil
	}
	return nil, errors.New("unknown handshake message")
}

// deriveSecret computes the master secret both sides agree on: the digest of
// the client nonce followed by the server nonce.
func (h *insecureHandshake) deriveSecret() {
	d := sha256.New()
	if h.isClient {
		d.Write(h.localNonce[:])
		d.Write(h.peerNonce[:])
	} else {
		d.Write(h.peerNonce[:])
		d.Write(h.localNonce[:])
	}
	h.secret = d.Sum(nil)
}

func (h *insecureHandshake) Complete() bool {
	return h.complete
}

func (h *insecureHandshake) PeerTransportParams() []byte {
	return h.peerExt
}

func (h *insecureHandshake) ExportSecret(label string) ([]byte, error) {
	if !h.complete {
		return nil, errors.New("handshake not complete")
	}
	return hkdfExpand(h.secret, label, 32), nil
}

func (h *insecureHandshake) NewAEAD(secret []byte) (AEAD, error) {
	key := hkdfExpand(secret, "quic key", 16)
	iv := hkdfExpand(secret, "quic iv", 12)
	return NewGCMAEAD(key, iv)
}

func frameMsg(typ byte, body []byte) []byte {
	b := make([]byte, 4+len(body))
	b[0] = typ
	b[1] = byte(len(body) >> 16)
	b[2] = byte(len(body) >> 8)
	b[3] = byte(len(body))
	copy(b[4:], body)
	return b
}

// nextMsg returns the next complete message in b, or n == 0.
func nextMsg(b []byte) (typ byte, body []byte, n int) {
	if len(b) < 4 {
		return 0, nil, 0
	}
	length := int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if len(b) < 4+length {
		return 0, nil, 0
	}
	return b[0], b[4 : 4+length], 4 + length
}
