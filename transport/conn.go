package transport

import (
	"crypto/rand"
	"net"
	"sort"
	"time"
)

type connState uint8

const (
	stateBeforeSH connState = iota // client waiting for the server's first flight
	stateBeforeSF                  // handshake in progress
	state1RTTEncrypted
)

func (s connState) String() string {
	switch s {
	case stateBeforeSH:
		return "before_sh"
	case stateBeforeSF:
		return "before_sf"
	case state1RTTEncrypted:
		return "one_rtt_encrypted"
	}
	return "unknown"
}

// Config carries the external collaborators and tunables of a connection.
// The core performs no I/O of its own: the caller feeds received datagrams
// to Receive, drains Send, and drives the clock.
type Config struct {
	// Handshake builds the TLS engine for a new connection.
	Handshake func() HandshakeEngine
	// MaxPacketSize caps produced datagrams. It must accommodate the
	// padded CLIENT_INITIAL.
	MaxPacketSize int
	// InitialRTO is the fixed retransmission timeout.
	InitialRTO time.Duration
	// Params are the transport parameters offered by this endpoint.
	Params Parameters
	// AllocPacket and FreePacket manage outbound datagram buffers.
	// Buffers handed out by Send are owned by the caller.
	AllocPacket func(size int) []byte
	FreePacket  func(b []byte)
	// OnStreamOpen is invoked for every peer-initiated stream.
	OnStreamOpen func(*Stream)
	// Now is the clock.
	Now func() time.Time
	// SetTimeout asks the caller to schedule the next Send. Optional.
	SetTimeout func(d time.Duration)
}

// MinPacketBufferSize is the smallest usable MaxPacketSize: a padded
// CLIENT_INITIAL with its FNV trailer.
const MinPacketBufferSize = longHeaderLen + MinInitialPayloadLen + fnvTrailerLen

// NewConfig returns a Config with protocol defaults.
func NewConfig() *Config {
	return &Config{
		MaxPacketSize: MinPacketBufferSize,
		InitialRTO:    500 * time.Millisecond,
		Params:        defaultParameters(),
		AllocPacket:   func(size int) []byte { return make([]byte, size) },
		FreePacket:    func([]byte) {},
		Now:           time.Now,
	}
}

// Conn is a QUIC connection. It is not safe for concurrent use; all entry
// points must execute under mutual exclusion per connection.
type Conn struct {
	isClient bool
	version  uint32
	cid      uint64
	peerAddr net.Addr
	state    connState

	config     *Config
	handshake  HandshakeEngine
	peerParams Parameters

	streams             map[uint32]*Stream
	hostNextStreamID    uint32
	peerNextStreamID    uint32
	hostStreamsDisabled bool
	peerStreamsDisabled bool

	ingress protection
	egress  protection

	// Connection-level flow control. Egress in bytes against the peer's
	// advertisement; ingress consumption against our own, advertised in
	// kilobyte units by maxDataSender.
	maxDataPermitted uint64
	maxDataSent      uint64
	maxDataConsumed  uint64
	maxDataSender    maxSender
	ingressTotal     uint64 // received high-water sum across streams

	acks ackLedger

	ackElicited           bool
	acksRequireEncryption bool
	nextRecvPN            uint64
	largestRecvTime       time.Time

	logEventFn func(LogEvent)
	logFrames  []frame
}

// Connect creates a client connection and queues the first handshake flight.
func Connect(config *Config, serverName string, peerAddr net.Addr) (*Conn, error) {
	c, err := newConn(config, peerAddr, true)
	if err != nil {
		return nil, err
	}
	var cid [8]byte
	if _, err := rand.Read(cid[:]); err != nil {
		return nil, err
	}
	c.cid = get64(cid[:])
	ext := encodeClientParams(c.version, c.version, &config.Params)
	out, err := c.handshake.StartClient(serverName, &HandshakeProperties{TransportParams: ext})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, newError(InternalError, "handshake produced no initial flight")
	}
	if _, err := c.streams[0].send.write(out); err != nil {
		return nil, err
	}
	c.state = stateBeforeSH
	return c, nil
}

// Accept creates a server connection from the client's first packet, which
// must be a CLIENT_INITIAL.
func Accept(config *Config, peerAddr net.Addr, firstPacket []byte) (*Conn, error) {
	c, err := newConn(config, peerAddr, false)
	if err != nil {
		return nil, err
	}
	ext := encodeServerParams([]uint32{c.version}, &config.Params)
	if err := c.handshake.StartServer(&HandshakeProperties{TransportParams: ext}); err != nil {
		return nil, err
	}
	p := packet{}
	if err := p.decode(firstPacket); err != nil {
		return nil, err
	}
	if p.typ != packetTypeClientInitial {
		return nil, newError(InvalidPacketHeader, "expected client initial")
	}
	c.cid = p.cid
	c.state = stateBeforeSF
	if err := c.Receive(firstPacket); err != nil {
		return nil, err
	}
	return c, nil
}

func newConn(config *Config, peerAddr net.Addr, isClient bool) (*Conn, error) {
	if config == nil || config.Handshake == nil {
		return nil, newError(InternalError, "config with handshake engine required")
	}
	if config.MaxPacketSize < MinPacketBufferSize {
		return nil, newError(InternalError, "max packet size below padded initial")
	}
	c := &Conn{
		isClient:   isClient,
		version:    QuicVersion,
		peerAddr:   peerAddr,
		config:     config,
		handshake:  config.Handshake(),
		peerParams: defaultParameters(),
		streams:    make(map[uint32]*Stream),
	}
	if isClient {
		c.hostNextStreamID, c.peerNextStreamID = 1, 2
	} else {
		c.hostNextStreamID, c.peerNextStreamID = 2, 1
	}
	c.maxDataPermitted = uint64(c.peerParams.InitialMaxData) * 1024
	c.maxDataSender.init(uint64(config.Params.InitialMaxData))
	c.streams[0] = newStream(c, 0,
		uint64(c.peerParams.InitialMaxStreamData),
		uint64(config.Params.InitialMaxStreamData))
	return c, nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.peerAddr
}

// CID returns the connection id.
func (c *Conn) CID() uint64 {
	return c.cid
}

// IsEstablished reports whether the handshake has completed.
func (c *Conn) IsEstablished() bool {
	return c.state == state1RTTEncrypted
}

// Receive processes one decoded datagram. The buffer is decrypted in place
// and must not be reused by the caller until Receive returns. A returned
// error with code PacketIgnored or DecryptionFailure leaves the connection
// valid; stream and flow-control violations are connection-fatal.
func (c *Conn) Receive(b []byte) error {
	now := c.config.Now()
	p := packet{}
	if err := p.decode(b); err != nil {
		return err
	}
	if p.hasCID && p.cid != c.cid {
		c.logPacketDropped(&p, now)
		return newError(PacketIgnored, "unknown connection id")
	}
	pn := decodePacketNumber(p.packetNumber, uint64(1)<<(8*uint(p.pnLen)), c.nextRecvPN)
	p.packetNumber = pn

	var payload []byte
	var err error
	switch p.typ {
	case packetTypeClientInitial, packetTypeClientCleartext:
		if c.isClient {
			return newError(InvalidPacketHeader, "client packet received by client")
		}
		if p.version != c.version {
			return newError(InvalidPacketHeader, "version mismatch")
		}
		payload, err = fnvVerify(p.header, p.payload)
	case packetTypeServerCleartext:
		if !c.isClient {
			return newError(InvalidPacketHeader, "server packet received by server")
		}
		if p.version != c.version {
			return newError(InvalidPacketHeader, "version mismatch")
		}
		payload, err = fnvVerify(p.header, p.payload)
	case packetType1RTTKeyPhase0, packetType1RTTKeyPhase1:
		if c.state != state1RTTEncrypted {
			c.logPacketDropped(&p, now)
			return newError(PacketIgnored, "no 1-rtt keys yet")
		}
		aead := c.ingress.aead[p.keyPhase]
		if aead == nil {
			c.logPacketDropped(&p, now)
			return newError(PacketIgnored, "no key for phase")
		}
		payload, err = aead.Open(pn, p.header, p.payload)
	default:
		c.logPacketDropped(&p, now)
		return newError(PacketIgnored, sprint("unhandled packet type ", p.typ.String()))
	}
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return newError(InvalidFrameData, "empty payload")
	}
	c.logPacketReceived(&p, now)

	ackEliciting, err := c.processFrames(payload, now)
	if err != nil {
		return err
	}
	if ackEliciting {
		c.ingress.received.update(pn, pn+1)
		c.ackElicited = true
		c.largestRecvTime = now
		if !c.isClient && !p.typ.isCleartext() {
			// Data arrived under 1-RTT protection; acknowledging it in
			// cleartext would leak progress.
			c.acksRequireEncryption = true
		}
	}
	if pn >= c.nextRecvPN {
		c.nextRecvPN = pn + 1
	}
	return nil
}

func (c *Conn) processFrames(b []byte, now time.Time) (bool, error) {
	ackEliciting := false
	for len(b) > 0 {
		typ := b[0]
		var n int
		var err error
		switch {
		case typ == frameTypePadding:
			n, err = c.recvFramePadding(b, now)
		case typ == frameTypeRstStream:
			n, err = c.recvFrameRstStream(b, now)
		case typ == frameTypeStopSending:
			n, err = c.recvFrameStopSending(b, now)
		case typ == frameTypeMaxData:
			n, err = c.recvFrameMaxData(b, now)
		case typ == frameTypeMaxStreamData:
			n, err = c.recvFrameMaxStreamData(b, now)
		case typ >= frameTypeAck && typ <= frameTypeAckEnd:
			n, err = c.recvFrameAck(b, now)
		case typ >= frameTypeStream:
			n, err = c.recvFrameStream(b, now)
		default:
			return false, newError(InvalidFrameData, sprint("unsupported frame ", typ))
		}
		if err != nil {
			debug("error processing frame 0x%x: %v", typ, err)
			return false, err
		}
		if !ackEliciting {
			ackEliciting = isFrameAckEliciting(typ)
		}
		b = b[n:]
	}
	return ackEliciting, nil
}

func (c *Conn) recvFramePadding(b []byte, now time.Time) (int, error) {
	var f paddingFrame
	n, err := f.decode(b)
	c.logFrameProcessed(&f, now)
	return n, err
}

func (c *Conn) recvFrameStream(b []byte, now time.Time) (int, error) {
	var f streamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	st, err := c.prepareStream(f.streamID)
	if err != nil {
		return 0, err
	}
	if st == nil {
		// Stream already came and went.
		c.logFrameProcessed(&f, now)
		return n, nil
	}
	end := f.offset + uint64(len(f.data))
	if end > st.maxDataSender.maxInflight {
		return 0, newError(InvalidStreamData, "stream flow control exceeded")
	}
	if err := c.accountIngress(st, end); err != nil {
		return 0, err
	}
	if err := st.recv.write(f.offset, f.data); err != nil {
		return 0, err
	}
	if f.fin {
		if err := st.recv.markEOS(end); err != nil {
			return 0, err
		}
	}
	if st.id == 0 {
		if err := c.processStream0(); err != nil {
			return 0, err
		}
	} else if len(st.recv.available()) > 0 || st.recv.complete() {
		st.update()
	}
	// The datagram buffer is reused after Receive returns.
	st.recv.retain()
	c.maybeDestroyStream(st)
	c.logFrameProcessed(&f, now)
	return n, nil
}

// accountIngress charges newly received offsets against connection-level
// flow control. Stream 0 is exempt.
func (c *Conn) accountIngress(st *Stream, end uint64) error {
	if end <= st.recvHighmark {
		return nil
	}
	delta := end - st.recvHighmark
	if st.id != 0 {
		advertised := c.maxDataSender.maxInflight * 1024
		if c.ingressTotal+delta > advertised {
			return newError(InvalidStreamData, "connection flow control exceeded")
		}
		c.ingressTotal += delta
	}
	st.recvHighmark = end
	return nil
}

func (c *Conn) recvFrameAck(b []byte, now time.Time) (int, error) {
	var f ackFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	ranges := f.toRangeSet()
	if ranges == nil {
		return 0, newError(InvalidFrameData, sprint("invalid ack ranges ", f.String()))
	}
	matched := false
	for i := range c.acks.records {
		rec := &c.acks.records[i]
		if !rec.active {
			continue
		}
		if rec.packetNumber > f.largestAck {
			break
		}
		if ranges.contains(rec.packetNumber) {
			c.dispatchAckRecord(rec, true)
			c.acks.release(i)
			matched = true
		}
	}
	c.acks.compact()
	if !matched {
		debug("duplicate ack ignored largest=%d", f.largestAck)
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameRstStream(b []byte, now time.Time) (int, error) {
	var f rstStreamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if f.streamID == 0 {
		return 0, newError(InvalidStreamData, "reset of stream 0")
	}
	st, err := c.prepareStream(f.streamID)
	if err != nil {
		return 0, err
	}
	if st == nil {
		c.logFrameProcessed(&f, now)
		return n, nil
	}
	if f.finalOffset < st.recvHighmark {
		return 0, newError(InvalidStreamData, "final offset below received data")
	}
	if err := c.accountIngress(st, f.finalOffset); err != nil {
		return 0, err
	}
	if !st.rstReceived && f.finalOffset > st.recv.dataOff {
		// Bytes that will never be read count as consumed so the connection
		// window reopens for them.
		c.maxDataConsumed += f.finalOffset - st.recv.dataOff
	}
	st.rstReceived = true
	st.rstRecvCode = f.errorCode
	// Buffered data is discarded; the receive side is complete.
	st.recv.borrow = nil
	st.recv.data = nil
	st.recv.received.clear()
	st.update()
	c.maybeDestroyStream(st)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameStopSending(b []byte, now time.Time) (int, error) {
	var f stopSendingFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if f.streamID == 0 {
		return 0, newError(InvalidStreamData, "stop sending stream 0")
	}
	if st := c.streams[f.streamID]; st != nil {
		// The peer discards incoming data; answer with a reset.
		st.Reset(f.errorCode)
		st.update()
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameMaxData(b []byte, now time.Time) (int, error) {
	var f maxDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	permitted := f.maximumData * 1024
	if permitted < c.maxDataPermitted {
		return 0, newError(FlowControlError, "max_data shrank")
	}
	c.maxDataPermitted = permitted
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameMaxStreamData(b []byte, now time.Time) (int, error) {
	var f maxStreamDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if st := c.streams[f.streamID]; st != nil {
		if f.maximumData < st.maxStreamData {
			return 0, newError(FlowControlError, "max_stream_data shrank")
		}
		st.maxStreamData = f.maximumData
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// dispatchAckRecord replays a record's action on ack or loss. This is the
// unit of retransmission.
func (c *Conn) dispatchAckRecord(rec *ackRecord, acked bool) {
	switch rec.kind {
	case ackKindStream:
		st := c.streams[rec.streamID]
		if st == nil {
			return
		}
		if acked {
			st.send.ack(rec.start, rec.end)
			if st.sendComplete() {
				st.update()
				c.maybeDestroyStream(st)
			}
		} else {
			st.send.lost(rec.start, rec.end)
		}
	case ackKindMaxData:
		if acked {
			c.maxDataSender.acked(rec.value)
		} else {
			c.maxDataSender.lost(rec.value)
		}
	case ackKindMaxStreamData:
		st := c.streams[rec.streamID]
		if st == nil {
			return
		}
		if acked {
			st.maxDataSender.acked(rec.value)
		} else {
			st.maxDataSender.lost(rec.value)
		}
	case ackKindStreamState:
		if acked {
			*rec.sender = senderStateAcked
			if st := c.streams[rec.streamID]; st != nil {
				st.update()
				c.maybeDestroyStream(st)
			}
		} else if *rec.sender == senderStateUnacked {
			*rec.sender = senderStateSend
		}
	}
}

// prepareStream resolves a stream id named by the peer, opening every gap up
// to a new peer-parity id. A nil stream with nil error means the frame
// references a destroyed stream and should be dropped.
func (c *Conn) prepareStream(id uint32) (*Stream, error) {
	if st, ok := c.streams[id]; ok {
		return st, nil
	}
	if id == 0 {
		return nil, newError(InternalError, "stream 0 missing")
	}
	hostParity := c.hostNextStreamID % 2
	if id%2 == hostParity {
		return nil, newError(InvalidStreamData, sprint("stream ", id, " not opened by us"))
	}
	if c.peerStreamsDisabled || id < c.peerNextStreamID {
		return nil, nil
	}
	if id > c.config.Params.InitialMaxStreamID {
		return nil, newError(InvalidStreamData, sprint("stream ", id, " exceeds max stream id"))
	}
	for sid := c.peerNextStreamID; ; sid += 2 {
		st := newStream(c, sid,
			uint64(c.peerParams.InitialMaxStreamData),
			uint64(c.config.Params.InitialMaxStreamData))
		c.streams[sid] = st
		if c.config.OnStreamOpen != nil {
			c.config.OnStreamOpen(st)
		}
		next := sid + 2
		if next < sid {
			// Stream-id space exhausted; no further peer streams.
			c.peerStreamsDisabled = true
		} else {
			c.peerNextStreamID = next
		}
		if sid == id || c.peerStreamsDisabled {
			break
		}
	}
	return c.streams[id], nil
}

// OpenStream creates a new host-initiated stream.
func (c *Conn) OpenStream() (*Stream, error) {
	if c.hostStreamsDisabled {
		return nil, newError(TooManyOpenStreams, "stream id space exhausted")
	}
	id := c.hostNextStreamID
	if id > c.peerParams.InitialMaxStreamID {
		return nil, newError(TooManyOpenStreams, "peer max stream id reached")
	}
	st := newStream(c, id,
		uint64(c.peerParams.InitialMaxStreamData),
		uint64(c.config.Params.InitialMaxStreamData))
	c.streams[id] = st
	next := id + 2
	if next < id {
		c.hostStreamsDisabled = true
	} else {
		c.hostNextStreamID = next
	}
	return st, nil
}

// Stream returns an open stream, or nil. Stream 0 is internal and not
// returned.
func (c *Conn) Stream(id uint32) *Stream {
	if id == 0 {
		return nil
	}
	return c.streams[id]
}

// CloseStream requests destruction of a stream, per the lifecycle rule.
func (c *Conn) CloseStream(id uint32) error {
	st := c.Stream(id)
	if st == nil {
		return newError(InvalidStreamData, sprint("stream ", id, " not open"))
	}
	return st.Close()
}

func (c *Conn) maybeDestroyStream(st *Stream) {
	if st.id == 0 || !st.closeRequested {
		return
	}
	if st.sendComplete() && st.recvComplete() {
		delete(c.streams, st.id)
	}
}

// NumActiveStreams reports open application streams.
func (c *Conn) NumActiveStreams() int {
	return len(c.streams) - 1
}

// Free releases every stream and pending ack record. The connection must
// not be used afterwards.
func (c *Conn) Free() {
	c.streams = make(map[uint32]*Stream)
	c.acks.clear()
	c.ingress = protection{}
	c.egress = protection{}
}

// Send fills out with encoded datagrams ready for transmission and returns
// how many were produced. Buffers come from AllocPacket and are owned by
// the caller.
func (c *Conn) Send(out [][]byte) (int, error) {
	if c.streams[0] == nil {
		// Freed connection.
		return 0, nil
	}
	now := c.config.Now()
	c.scanRTO(now)
	n := 0
	// Cleartext pass: stream 0 and, when permitted, acknowledgements.
	for n < len(out) {
		pkt, initial, err := c.sendCleartextPacket(now)
		if err != nil {
			return n, err
		}
		if pkt == nil {
			break
		}
		out[n] = pkt
		n++
		if initial {
			// A single padded datagram must carry the whole first flight.
			if c.streams[0].send.flushable() {
				return n, newError(HandshakeTooLarge, "initial flight exceeds one datagram")
			}
			break
		}
	}
	// Encrypted pass.
	if c.state == state1RTTEncrypted {
		for n < len(out) {
			pkt, err := c.sendEncryptedPacket(now)
			if err != nil {
				return n, err
			}
			if pkt == nil {
				break
			}
			out[n] = pkt
			n++
		}
	}
	if c.acks.hasActive() && c.config.SetTimeout != nil {
		c.config.SetTimeout(c.config.InitialRTO)
	}
	return n, nil
}

// scanRTO declares every record older than now-initialRTO lost and replays
// its action. Loss is not an error; the callbacks re-queue the data.
func (c *Conn) scanRTO(now time.Time) {
	cutoff := now.Add(-c.config.InitialRTO)
	for i := range c.acks.records {
		rec := &c.acks.records[i]
		if !rec.active {
			continue
		}
		if rec.sentAt.After(cutoff) {
			break
		}
		debug("rto: packet %d lost", rec.packetNumber)
		c.dispatchAckRecord(rec, false)
		c.acks.release(i)
	}
	c.acks.compact()
}

func (c *Conn) cleartextPacketType() packetType {
	if c.isClient {
		if c.state == stateBeforeSH {
			return packetTypeClientInitial
		}
		return packetTypeClientCleartext
	}
	return packetTypeServerCleartext
}

func (c *Conn) sendCleartextPacket(now time.Time) ([]byte, bool, error) {
	typ := c.cleartextPacketType()
	ackAllowed := !c.acksRequireEncryption || typ == packetTypeClientInitial
	st0 := c.streams[0]
	needAck := c.ackElicited && ackAllowed && len(c.ingress.received) > 0
	if !needAck && !st0.flushable() && !c.streamWindowUpdateDue(st0) {
		return nil, false, nil
	}
	buf := c.config.AllocPacket(c.config.MaxPacketSize)
	if buf == nil {
		return nil, false, newError(NoMemory, "packet allocation failed")
	}
	pn := c.egress.packetNumber
	p := packet{
		typ:          typ,
		hasCID:       true,
		cid:          c.cid,
		version:      c.version,
		packetNumber: pn & 0xffffffff,
	}
	hdrLen, err := p.encodeHeader(buf)
	if err != nil {
		c.config.FreePacket(buf)
		return nil, false, err
	}
	maxPayload := c.config.MaxPacketSize - hdrLen - fnvTrailerLen
	if typ == packetTypeClientInitial {
		maxPayload = MinInitialPayloadLen
	}
	payload := buf[hdrLen : hdrLen+maxPayload]
	written := 0
	if needAck {
		written += c.emitAck(payload, now)
	}
	written += c.emitStreamFrames(payload[written:], st0, pn, now)
	if written == 0 {
		c.config.FreePacket(buf)
		return nil, false, nil
	}
	if typ == packetTypeClientInitial && written < maxPayload {
		pad := newPaddingFrame(maxPayload - written)
		if _, err := pad.encode(payload[written:]); err != nil {
			c.config.FreePacket(buf)
			return nil, false, err
		}
		c.logFrame(pad)
		written = maxPayload
	}
	total := hdrLen + written + fnvTrailerLen
	fnvSeal(buf[:total])
	c.egress.packetNumber++
	p.packetNumber = pn
	c.logPacketSent(&p, written, now)
	return buf[:total], typ == packetTypeClientInitial, nil
}

func (c *Conn) sendEncryptedPacket(now time.Time) ([]byte, error) {
	aead := c.egress.aead[keyPhase0]
	if aead == nil {
		return nil, newError(InternalError, "1-rtt keys not installed")
	}
	buf := c.config.AllocPacket(c.config.MaxPacketSize)
	if buf == nil {
		return nil, newError(NoMemory, "packet allocation failed")
	}
	pn := c.egress.packetNumber
	p := packet{
		typ:          packetType1RTTKeyPhase0,
		hasCID:       !c.peerParams.TruncateConnectionID,
		cid:          c.cid,
		packetNumber: pn & 0xffffffff,
		pnLen:        4,
	}
	hdrLen, err := p.encodeHeader(buf)
	if err != nil {
		c.config.FreePacket(buf)
		return nil, err
	}
	header := buf[:hdrLen]
	maxPayload := c.config.MaxPacketSize - hdrLen - aead.Overhead()
	payload := buf[hdrLen : hdrLen+maxPayload]
	written := 0
	if c.ackElicited && len(c.ingress.received) > 0 {
		written += c.emitAck(payload, now)
	}
	// Connection-level MAX_DATA.
	windowKB := uint64(c.config.Params.InitialMaxData)
	slack := windowKB / 2
	if slack == 0 {
		slack = 1
	}
	if c.maxDataSender.shouldUpdate(c.maxDataConsumed/1024, windowKB, slack) {
		value := c.maxDataConsumed/1024 + windowKB
		f := newMaxDataFrame(value)
		if n := f.encodedLen(); written+n <= maxPayload {
			if _, err := f.encode(payload[written:]); err == nil {
				rec := c.acks.allocate(pn, now)
				rec.kind = ackKindMaxData
				rec.value = value
				c.maxDataSender.record(value)
				c.logFrame(f)
				written += n
			}
		}
	}
	for _, id := range c.sortedStreamIDs() {
		if id == 0 {
			continue
		}
		written += c.emitStreamFrames(payload[written:], c.streams[id], pn, now)
	}
	if written == 0 {
		c.config.FreePacket(buf)
		return nil, nil
	}
	sealed := aead.Seal(pn, header, payload[:written])
	total := hdrLen + len(sealed)
	c.egress.packetNumber++
	p.packetNumber = pn
	c.logPacketSent(&p, written, now)
	return buf[:total], nil
}

func (c *Conn) sortedStreamIDs() []uint32 {
	ids := make([]uint32, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// emitAck writes an ACK frame covering the ingress acceptance set.
func (c *Conn) emitAck(b []byte, now time.Time) int {
	delay := uint64(0)
	if !c.largestRecvTime.IsZero() {
		if d := now.Sub(c.largestRecvTime).Microseconds(); d > 0 {
			delay = uint64(d)
			if delay > 0xffff {
				delay = 0xffff
			}
		}
	}
	f := newAckFrame(delay, c.ingress.received)
	if f == nil {
		return 0
	}
	n := f.encodedLen()
	if n > len(b) {
		return 0
	}
	if _, err := f.encode(b); err != nil {
		return 0
	}
	c.ackElicited = false
	c.logFrame(f)
	return n
}

// emitStreamFrames writes the stream's control frames (STOP_SENDING, RST,
// MAX_STREAM_DATA) followed by STREAM frames, as far as space and flow
// control permit.
func (c *Conn) emitStreamFrames(b []byte, st *Stream, pn uint64, now time.Time) int {
	written := 0
	if st.stopState == senderStateSend {
		f := newStopSendingFrame(st.id, st.stopCode)
		if n := f.encodedLen(); written+n <= len(b) {
			f.encode(b[written:])
			rec := c.acks.allocate(pn, now)
			rec.kind = ackKindStreamState
			rec.streamID = st.id
			rec.sender = &st.stopState
			st.stopState = senderStateUnacked
			c.logFrame(f)
			written += n
		}
	}
	if st.rstState == senderStateSend {
		f := newRstStreamFrame(st.id, st.rstCode, st.send.eos)
		if n := f.encodedLen(); written+n <= len(b) {
			f.encode(b[written:])
			rec := c.acks.allocate(pn, now)
			rec.kind = ackKindStreamState
			rec.streamID = st.id
			rec.sender = &st.rstState
			st.rstState = senderStateUnacked
			c.logFrame(f)
			written += n
		}
	}
	if c.streamWindowUpdateDue(st) {
		value := st.recv.dataOff + st.window
		f := newMaxStreamDataFrame(st.id, value)
		if n := f.encodedLen(); written+n <= len(b) {
			f.encode(b[written:])
			rec := c.acks.allocate(pn, now)
			rec.kind = ackKindMaxStreamData
			rec.streamID = st.id
			rec.value = value
			st.maxDataSender.record(value)
			c.logFrame(f)
			written += n
		}
	}
	for {
		left := len(b) - written - maxStreamFrameOverhead
		if left <= 0 || !st.send.flushable() {
			break
		}
		maxOffset := st.maxStreamData
		if st.id != 0 {
			remaining := c.maxDataPermitted - c.maxDataSent
			if lim := st.maxSent + remaining; lim < maxOffset {
				maxOffset = lim
			}
		}
		off, data, fin, end := st.send.pop(left, maxOffset)
		if end == 0 {
			break
		}
		f := newStreamFrame(st.id, data, off, fin)
		n, err := f.encode(b[written:])
		if err != nil {
			break
		}
		rec := c.acks.allocate(pn, now)
		rec.kind = ackKindStream
		rec.streamID = st.id
		rec.start = off
		rec.end = end
		if dataEnd := off + uint64(len(data)); dataEnd > st.maxSent {
			if st.id != 0 {
				c.maxDataSent += dataEnd - st.maxSent
			}
			st.maxSent = dataEnd
		}
		c.logFrame(f)
		written += n
	}
	return written
}

// streamWindowUpdateDue reports whether the stream's receive-window
// advertisement should be refreshed.
func (c *Conn) streamWindowUpdateDue(st *Stream) bool {
	if st.window == 0 || st.rstReceived || st.recv.complete() {
		return false
	}
	slack := st.window / 2
	if slack == 0 {
		slack = 1
	}
	return st.maxDataSender.shouldUpdate(st.recv.dataOff, st.window, slack)
}

// OnLogEvent sets the handler for transport log events.
func (c *Conn) OnLogEvent(fn func(LogEvent)) {
	c.logEventFn = fn
}

func (c *Conn) logFrame(f frame) {
	if c.logEventFn != nil {
		c.logFrames = append(c.logFrames, f)
	}
}

func (c *Conn) logPacketDropped(p *packet, now time.Time) {
	if c.logEventFn != nil {
		c.logEventFn(newLogEventPacket(now, logEventPacketDropped, p))
	}
}

func (c *Conn) logPacketReceived(p *packet, now time.Time) {
	if c.logEventFn != nil {
		c.logEventFn(newLogEventPacket(now, logEventPacketReceived, p))
	}
}

func (c *Conn) logPacketSent(p *packet, payloadLen int, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEventPacket(now, logEventPacketSent, p)
		e.addField("payload_length", payloadLen)
		c.logEventFn(e)
		for _, f := range c.logFrames {
			c.logEventFn(newLogEventFrame(now, logEventFramesProcessed, f))
		}
	}
	c.logFrames = c.logFrames[:0]
}

func (c *Conn) logFrameProcessed(f frame, now time.Time) {
	if c.logEventFn != nil {
		c.logEventFn(newLogEventFrame(now, logEventFramesProcessed, f))
	}
}
