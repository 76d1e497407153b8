package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Exporter labels for the two 1-RTT secrets. The client encrypts with the
// client secret; which secret protects which direction is chosen by role.
const (
	ExporterLabelClient = "EXPORTER-QUIC client 1-RTT Secret"
	ExporterLabelServer = "EXPORTER-QUIC server 1-RTT Secret"
)

// Key slots of a protection direction. Only phase 0 is installed.
const (
	keyPhase0 = iota
	keyPhase1
	keyEarly
	keyCount
)

// AEAD protects packet payloads. The packet number is the nonce and the
// header is the associated data. Implementations must tolerate in-place use:
// Open decrypts over the ciphertext buffer.
type AEAD interface {
	Overhead() int
	// Seal encrypts payload in place and returns it with the tag appended.
	// payload must have Overhead() spare capacity.
	Seal(packetNumber uint64, header, payload []byte) []byte
	// Open decrypts payload in place and returns the plaintext.
	Open(packetNumber uint64, header, payload []byte) ([]byte, error)
}

// HandshakeEngine is the TLS 1.3 engine consumed by the core. It exposes
// handshake-message I/O, exporter secrets, and AEAD construction for the
// negotiated cipher suite; record-layer and X.509 details stay inside the
// engine.
type HandshakeEngine interface {
	// StartClient initializes the client side and returns the first
	// flight. props carries the raw transport-parameters extension this
	// endpoint offers.
	StartClient(serverName string, props *HandshakeProperties) ([]byte, error)
	// StartServer initializes the server side.
	StartServer(props *HandshakeProperties) error
	// Handshake consumes peer handshake bytes and returns the number of
	// bytes accepted along with any bytes to transmit.
	Handshake(in []byte) (int, []byte, error)
	// Complete reports whether the handshake has finished.
	Complete() bool
	// PeerTransportParams returns the peer's raw transport-parameters
	// extension. Valid once complete.
	PeerTransportParams() []byte
	// ExportSecret derives an exporter secret for the given label.
	ExportSecret(label string) ([]byte, error)
	// NewAEAD keys an AEAD of the negotiated suite from an exporter secret.
	NewAEAD(secret []byte) (AEAD, error)
}

// HandshakeProperties carries per-connection handshake inputs.
type HandshakeProperties struct {
	// TransportParams is the encoded transport-parameters extension
	// (type 26) offered by this endpoint.
	TransportParams []byte
}

// protection is the per-direction packet protection state.
type protection struct {
	packetNumber uint64   // next egress packet number
	received     rangeSet // ingress acceptance set of ack-eliciting packets
	secret       []byte   // exported 1-RTT secret
	aead         [keyCount]AEAD
}

// gcmAEAD is AES-GCM with the packet number xored into the IV tail, provided
// for engines whose suite resolves to AES-GCM.
type gcmAEAD struct {
	aead cipher.AEAD
	iv   [12]byte
}

// NewGCMAEAD builds an AES-GCM packet protection from key material.
func NewGCMAEAD(key, iv []byte) (AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	g := &gcmAEAD{aead: aead}
	copy(g.iv[:], iv)
	return g, nil
}

func (g *gcmAEAD) nonce(packetNumber uint64) []byte {
	var n [12]byte
	copy(n[:], g.iv[:])
	for i := 0; i < 8; i++ {
		n[11-i] ^= byte(packetNumber >> (8 * i))
	}
	return n[:]
}

func (g *gcmAEAD) Overhead() int {
	return g.aead.Overhead()
}

func (g *gcmAEAD) Seal(packetNumber uint64, header, payload []byte) []byte {
	return g.aead.Seal(payload[:0], g.nonce(packetNumber), payload, header)
}

func (g *gcmAEAD) Open(packetNumber uint64, header, payload []byte) ([]byte, error) {
	p, err := g.aead.Open(payload[:0], g.nonce(packetNumber), payload, header)
	if err != nil {
		return nil, newError(DecryptionFailure, "aead open")
	}
	return p, nil
}

// hkdfExpand derives length bytes from secret for the given label.
func hkdfExpand(secret []byte, label string, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err) // hkdf cannot fail for these lengths
	}
	return out
}
