package transport

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2020, time.January, 5, 2, 3, 4, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func testAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func newTestConfig(clk *testClock) *Config {
	cfg := NewConfig()
	cfg.Handshake = NewInsecureHandshake()
	cfg.Now = clk.Now
	cfg.InitialRTO = 100 * time.Millisecond
	return cfg
}

type testPair struct {
	t              *testing.T
	clk            *testClock
	client, server *Conn
}

// newTestPair connects a client and a server through an in-memory datagram
// exchange and completes the handshake.
func newTestPair(t *testing.T, clientCfg, serverCfg *Config) *testPair {
	t.Helper()
	clk := newTestClock()
	if clientCfg == nil {
		clientCfg = newTestConfig(clk)
	} else {
		clientCfg.Now = clk.Now
	}
	if serverCfg == nil {
		serverCfg = newTestConfig(clk)
	} else {
		serverCfg.Now = clk.Now
	}
	client, err := Connect(clientCfg, "echo.test", testAddr(4433))
	require.NoError(t, err)
	out := make([][]byte, 4)
	n, err := client.Send(out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, out[0], MinPacketBufferSize)
	server, err := Accept(serverCfg, testAddr(1234), out[0])
	require.NoError(t, err)
	p := &testPair{t: t, clk: clk, client: client, server: server}
	p.converge()
	require.True(t, client.IsEstablished())
	require.True(t, server.IsEstablished())
	return p
}

// deliver drains one Send from one side into the other. The drop filter may
// discard packets by index.
func (p *testPair) deliver(from, to *Conn, drop func(i int, pkt []byte) bool) int {
	p.t.Helper()
	out := make([][]byte, 16)
	n, err := from.Send(out)
	require.NoError(p.t, err)
	for i := 0; i < n; i++ {
		if drop != nil && drop(i, out[i]) {
			continue
		}
		require.NoError(p.t, to.Receive(out[i]))
	}
	return n
}

func (p *testPair) converge() {
	p.t.Helper()
	for i := 0; i < 32; i++ {
		a := p.deliver(p.client, p.server, nil)
		b := p.deliver(p.server, p.client, nil)
		if a == 0 && b == 0 {
			return
		}
	}
	p.t.Fatal("connections did not go idle")
}

// collector reads everything a stream offers on update.
type collector struct {
	data    []byte
	calls   int
	gotEOF  bool
	gotRST  bool
	rstCode uint32
}

func (c *collector) update(st *Stream) {
	c.calls++
	if rst, code := st.ResetReceived(); rst {
		c.gotRST = true
		c.rstCode = code
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := st.Read(buf)
		if n > 0 {
			c.data = append(c.data, buf[:n]...)
		}
		if err == io.EOF {
			c.gotEOF = true
			return
		}
		if n == 0 {
			return
		}
	}
}

func TestConnHandshake(t *testing.T) {
	clk := newTestClock()
	clientCfg := newTestConfig(clk)
	serverCfg := newTestConfig(clk)
	serverCfg.Params.InitialMaxData = 32
	serverCfg.Params.InitialMaxStreamData = 4096
	p := newTestPair(t, clientCfg, serverCfg)

	// Both peers hold the other's parameter set.
	require.Equal(t, serverCfg.Params, p.client.peerParams)
	require.Equal(t, clientCfg.Params, p.server.peerParams)
	// Exporter secrets are installed under opposite labels.
	require.Equal(t, p.client.egress.secret, p.server.ingress.secret)
	require.Equal(t, p.client.ingress.secret, p.server.egress.secret)
	require.NotEqual(t, p.client.egress.secret, p.client.ingress.secret)
	// Committed windows.
	require.Equal(t, uint64(32*1024), p.client.maxDataPermitted)
}

func TestConnEchoSmoke(t *testing.T) {
	clk := newTestClock()
	serverCfg := newTestConfig(clk)
	var serverStream *Stream
	echo := &collector{}
	serverCfg.OnStreamOpen = func(st *Stream) {
		serverStream = st
		st.OnUpdate(func(st *Stream) {
			echo.update(st)
			if len(echo.data) > 0 {
				st.Write(echo.data)
				echo.data = echo.data[:0]
			}
			if echo.gotEOF {
				st.Shutdown()
			}
		})
	}
	p := newTestPair(t, nil, serverCfg)

	st, err := p.client.OpenStream()
	require.NoError(t, err)
	require.Equal(t, uint32(1), st.ID())
	got := &collector{}
	st.OnUpdate(got.update)

	_, err = st.Write([]byte("hello"))
	require.NoError(t, err)
	st.Shutdown()
	p.converge()

	require.Equal(t, "hello", string(got.data))
	require.True(t, got.gotEOF)
	require.True(t, st.sendComplete())
	require.True(t, serverStream.sendComplete())

	// Destruction: close on both ends, both sides already terminal.
	require.NoError(t, st.Close())
	require.NoError(t, serverStream.Close())
	require.Nil(t, p.client.Stream(1))
	require.Nil(t, p.server.Stream(1))
	p.converge()
}

func TestConnReorderedPackets(t *testing.T) {
	clk := newTestClock()
	serverCfg := newTestConfig(clk)
	got := &collector{}
	serverCfg.OnStreamOpen = func(st *Stream) {
		st.OnUpdate(got.update)
	}
	p := newTestPair(t, nil, serverCfg)

	st, err := p.client.OpenStream()
	require.NoError(t, err)

	out := make([][]byte, 4)
	st.Write([]byte("01234"))
	n, err := p.client.Send(out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	first := out[0]
	st.Write([]byte("56789"))
	n, err = p.client.Send(out[1:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	second := out[1]

	// Deliver in reverse order: contiguous delivery happens once.
	require.NoError(t, p.server.Receive(second))
	require.Equal(t, 0, got.calls)
	require.NoError(t, p.server.Receive(first))
	require.Equal(t, 1, got.calls)
	require.Equal(t, "0123456789", string(got.data))
	p.converge()
}

func TestConnRetransmit(t *testing.T) {
	clk := newTestClock()
	serverCfg := newTestConfig(clk)
	got := &collector{}
	serverCfg.OnStreamOpen = func(st *Stream) {
		st.OnUpdate(got.update)
	}
	p := newTestPair(t, nil, serverCfg)

	st, err := p.client.OpenStream()
	require.NoError(t, err)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	out := make([][]byte, 4)
	var packets [][]byte
	for i := 0; i < 3; i++ {
		st.Write(payload[i*100 : (i+1)*100])
		n, err := p.client.Send(out)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		packets = append(packets, out[0])
	}
	// Drop the middle packet.
	require.NoError(t, p.server.Receive(packets[0]))
	require.NoError(t, p.server.Receive(packets[2]))
	require.Equal(t, "", string(got.data[100:])) // nothing past the hole yet
	require.Equal(t, 100, len(got.data))

	// Server acks what it has; the hole stays in the client's ledger.
	p.deliver(p.server, p.client, nil)

	// RTO fires and the missing bytes reappear in a new STREAM frame.
	p.clk.advance(150 * time.Millisecond)
	n, err := p.client.Send(out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, p.server.Receive(out[0]))
	require.Equal(t, payload, got.data)
	p.converge()
}

func TestConnRstWinsOverFin(t *testing.T) {
	clk := newTestClock()
	serverCfg := newTestConfig(clk)
	got := &collector{}
	var serverStream *Stream
	serverCfg.OnStreamOpen = func(st *Stream) {
		serverStream = st
		st.OnUpdate(got.update)
	}
	p := newTestPair(t, nil, serverCfg)

	st, err := p.client.OpenStream()
	require.NoError(t, err)
	_, err = st.Write(make([]byte, 1000))
	require.NoError(t, err)
	st.Shutdown()
	st.Reset(9)

	p.deliver(p.client, p.server, nil)
	require.NotNil(t, serverStream)
	require.True(t, got.gotRST)
	require.Equal(t, uint32(9), got.rstCode)
	require.Equal(t, uint64(1000), serverStream.recvHighmark)

	// ACKED only after the RST itself is acknowledged.
	require.False(t, st.sendComplete())
	p.deliver(p.server, p.client, nil)
	require.True(t, st.sendComplete())
	p.converge()
}

func TestConnFlowControlStall(t *testing.T) {
	clk := newTestClock()
	serverCfg := newTestConfig(clk)
	serverCfg.Params.InitialMaxData = 1 // 1 KB connection window
	got := &collector{}
	serverCfg.OnStreamOpen = func(st *Stream) {
		st.OnUpdate(got.update)
	}
	p := newTestPair(t, nil, serverCfg)
	require.Equal(t, uint64(1024), p.client.maxDataPermitted)

	st, err := p.client.OpenStream()
	require.NoError(t, err)
	_, err = st.Write(make([]byte, 2048))
	require.NoError(t, err)
	st.Shutdown()

	p.deliver(p.client, p.server, nil)
	require.Equal(t, 1024, len(got.data))
	require.Equal(t, uint64(1024), p.client.maxDataSent)
	require.LessOrEqual(t, p.client.maxDataSent, p.client.maxDataPermitted)

	// Nothing more may leave until the window opens.
	out := make([][]byte, 4)
	n, err := p.client.Send(out)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// The server consumed 1 KB; its MAX_DATA advertises 2 KB and unblocks
	// the remainder.
	p.deliver(p.server, p.client, nil)
	require.Equal(t, uint64(2048), p.client.maxDataPermitted)
	p.converge()
	require.Equal(t, 2048, len(got.data))
	require.True(t, got.gotEOF)
}

func TestConnDuplicateAck(t *testing.T) {
	p := newTestPair(t, nil, nil)
	st, err := p.client.OpenStream()
	require.NoError(t, err)
	st.Write([]byte("data"))
	p.deliver(p.client, p.server, nil)

	out := make([][]byte, 4)
	n, err := p.server.Send(out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ackCopy := append([]byte(nil), out[0]...)

	require.NoError(t, p.client.Receive(out[0]))
	require.False(t, p.client.acks.hasActive())
	// The same ACK again invokes no callback and is dropped silently.
	require.NoError(t, p.client.Receive(ackCopy))
	require.False(t, p.client.acks.hasActive())
	p.converge()
}

func TestConnHandshakeTooLarge(t *testing.T) {
	clk := newTestClock()
	cfg := newTestConfig(clk)
	client, err := Connect(cfg, "echo.test", testAddr(4433))
	require.NoError(t, err)
	// Grow the first flight beyond one padded datagram.
	_, err = client.streams[0].send.write(make([]byte, 2*MinInitialPayloadLen))
	require.NoError(t, err)
	out := make([][]byte, 4)
	n, err := client.Send(out)
	require.Error(t, err)
	require.Equal(t, HandshakeTooLarge, err.(*Error).Code)
	require.Equal(t, 1, n)
}

func TestConnTooManyOpenStreams(t *testing.T) {
	clk := newTestClock()
	cfg := newTestConfig(clk)
	client, err := Connect(cfg, "echo.test", testAddr(4433))
	require.NoError(t, err)
	// Default peer max stream id is 100: odd ids 1..99.
	opened := 0
	for {
		_, err := client.OpenStream()
		if err != nil {
			require.Equal(t, TooManyOpenStreams, err.(*Error).Code)
			break
		}
		opened++
	}
	require.Equal(t, 50, opened)
}

func TestConnUnknownCID(t *testing.T) {
	p := newTestPair(t, nil, nil)
	st, err := p.client.OpenStream()
	require.NoError(t, err)
	st.Write([]byte("x"))
	out := make([][]byte, 4)
	n, err := p.client.Send(out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	out[0][5] ^= 0xff // corrupt the connection id
	err = p.server.Receive(out[0])
	require.Error(t, err)
	require.Equal(t, PacketIgnored, err.(*Error).Code)
}

func TestConnShortHeaderBeforeHandshake(t *testing.T) {
	clk := newTestClock()
	cfg := newTestConfig(clk)
	client, err := Connect(cfg, "echo.test", testAddr(4433))
	require.NoError(t, err)
	// A short-header packet for this connection before 1-RTT keys is
	// silently dropped.
	b := []byte{0x43, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3}
	put64(b[1:], client.cid)
	err = client.Receive(b)
	require.Error(t, err)
	require.Equal(t, PacketIgnored, err.(*Error).Code)
}

func TestConnEmptyPayload(t *testing.T) {
	clk := newTestClock()
	cfg := newTestConfig(clk)
	client, err := Connect(cfg, "echo.test", testAddr(4433))
	require.NoError(t, err)
	b := make([]byte, longHeaderLen+fnvTrailerLen)
	p := packet{
		typ:     packetTypeServerCleartext,
		hasCID:  true,
		cid:     client.cid,
		version: QuicVersion,
	}
	_, err = p.encodeHeader(b)
	require.NoError(t, err)
	fnvSeal(b)
	err = client.Receive(b)
	require.Error(t, err)
	require.Equal(t, InvalidFrameData, err.(*Error).Code)
}

func TestConnVersionMismatchRejected(t *testing.T) {
	clk := newTestClock()
	cfg := newTestConfig(clk)
	client, err := Connect(cfg, "echo.test", testAddr(4433))
	require.NoError(t, err)
	b := make([]byte, longHeaderLen+8+fnvTrailerLen)
	p := packet{
		typ:     packetTypeServerCleartext,
		hasCID:  true,
		cid:     client.cid,
		version: 0xff000001,
	}
	_, err = p.encodeHeader(b)
	require.NoError(t, err)
	fnvSeal(b)
	err = client.Receive(b)
	require.Error(t, err)
	require.Equal(t, InvalidPacketHeader, err.(*Error).Code)
}

func TestConnRoleMismatchRejected(t *testing.T) {
	p := newTestPair(t, nil, nil)
	// A server packet looped back to the server fails the role gate.
	b := make([]byte, longHeaderLen+8+fnvTrailerLen)
	pkt := packet{
		typ:     packetTypeServerCleartext,
		hasCID:  true,
		cid:     p.server.cid,
		version: QuicVersion,
	}
	_, err := pkt.encodeHeader(b)
	require.NoError(t, err)
	fnvSeal(b)
	err = p.server.Receive(b)
	require.Error(t, err)
	require.Equal(t, InvalidPacketHeader, err.(*Error).Code)
}

func TestConnMaxDataShrinkFatal(t *testing.T) {
	p := newTestPair(t, nil, nil)
	// Craft an encrypted packet from the server carrying a shrinking
	// MAX_DATA advertisement.
	aead := p.server.egress.aead[keyPhase0]
	buf := make([]byte, 64)
	pn := p.server.egress.packetNumber
	pkt := packet{
		typ:          packetType1RTTKeyPhase0,
		hasCID:       true,
		cid:          p.server.cid,
		packetNumber: pn,
		pnLen:        4,
	}
	hdrLen, err := pkt.encodeHeader(buf)
	require.NoError(t, err)
	f := newMaxDataFrame(1) // below the handshake-committed window
	n, err := f.encode(buf[hdrLen:])
	require.NoError(t, err)
	sealed := aead.Seal(pn, buf[:hdrLen], buf[hdrLen:hdrLen+n])
	err = p.client.Receive(buf[:hdrLen+len(sealed)])
	require.Error(t, err)
	require.Equal(t, FlowControlError, err.(*Error).Code)
}

func TestConnStopSendingTriggersReset(t *testing.T) {
	clk := newTestClock()
	serverCfg := newTestConfig(clk)
	got := &collector{}
	serverCfg.OnStreamOpen = func(st *Stream) {
		st.OnUpdate(got.update)
	}
	p := newTestPair(t, nil, serverCfg)

	st, err := p.client.OpenStream()
	require.NoError(t, err)
	st.Write(bytes.Repeat([]byte("z"), 64))
	p.deliver(p.client, p.server, nil)

	serverStream := p.server.Stream(1)
	require.NotNil(t, serverStream)
	serverStream.StopSending(5)
	p.deliver(p.server, p.client, nil)
	// The client answered with a reset carrying the same code.
	require.NotEqual(t, senderStateNone, st.rstState)
	require.Equal(t, uint32(5), st.rstCode)
	p.converge()
}
