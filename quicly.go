// Package quicly is a UDP endpoint for the transport package: it owns the
// socket, maps datagrams to connections, and drives per-connection timers.
// The protocol state machine itself lives in the transport package and is
// single-threaded per connection; the endpoint serializes all access with a
// per-connection mutex.
package quicly

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/bhesmans/quicly/transport"
)

// Handler receives connection callbacks. Serve is invoked for every
// peer-initiated stream; the handler wires its own stream update callback.
type Handler interface {
	Serve(c *Conn, st *transport.Stream)
}

// Conn couples a transport connection with its endpoint bookkeeping.
type Conn struct {
	mu   sync.Mutex
	conn *transport.Conn
	addr net.Addr
	id   xid.ID // correlation id for logs and metrics
	ep   *endpoint

	timer *time.Timer
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.addr
}

// Stream returns an open stream by id.
func (c *Conn) Stream(id uint32) *transport.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Stream(id)
}

// OpenStream opens a host-initiated stream.
func (c *Conn) OpenStream() (*transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.OpenStream()
}

// Do runs fn under the connection lock. Stream operations outside a
// callback must go through here.
func (c *Conn) Do(fn func(*transport.Conn)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.conn)
}

// flush drains outgoing packets to the socket. Must be called with the
// connection lock held.
func (c *Conn) flush() {
	out := make([][]byte, 8)
	for {
		n, err := c.conn.Send(out)
		if err != nil {
			c.ep.log.WithError(err).WithField("cid", c.id).Error("send failed")
			return
		}
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			if _, err := c.ep.socket.WriteTo(out[i], c.addr); err != nil {
				c.ep.log.WithError(err).WithField("cid", c.id).Error("socket write failed")
				return
			}
			packetsSent.Inc()
			bytesSent.Add(float64(len(out[i])))
		}
	}
}

// armTimer schedules the next flush; used as the transport SetTimeout hook.
func (c *Conn) armTimer(d time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.flush()
	})
}

type endpoint struct {
	config  *Config
	socket  net.PacketConn
	handler Handler
	log     *logrus.Logger

	mu    sync.Mutex
	conns map[string]*Conn // keyed by peer address

	closing bool
	done    chan struct{}
}

// Config configures an endpoint. Transport carries the per-connection
// protocol settings; its callback fields are managed by the endpoint.
type Config struct {
	Transport *transport.Config
}

// NewConfig returns an endpoint configuration with transport defaults and
// the built-in insecure handshake. Production embeddings replace Handshake.
func NewConfig() *Config {
	tc := transport.NewConfig()
	tc.Handshake = transport.NewInsecureHandshake()
	return &Config{Transport: tc}
}

func newEndpoint(config *Config) *endpoint {
	if config == nil {
		config = NewConfig()
	}
	return &endpoint{
		config: config,
		log:    logrus.New(),
		conns:  make(map[string]*Conn),
		done:   make(chan struct{}),
	}
}

// SetLogger replaces the endpoint logger.
func (e *endpoint) SetLogger(log *logrus.Logger) {
	e.log = log
}

// SetLogLevel adjusts the endpoint log level. Debug and below also attach
// a per-connection transport event logger.
func (e *endpoint) SetLogLevel(level logrus.Level) {
	e.log.SetLevel(level)
}

func (e *endpoint) listen(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	e.socket = socket
	go e.readLoop()
	return nil
}

// transportConfig clones the template transport config and binds the
// endpoint callbacks for one connection.
func (e *endpoint) transportConfig(c *Conn) *transport.Config {
	tc := *e.config.Transport
	tc.SetTimeout = c.armTimer
	tc.OnStreamOpen = func(st *transport.Stream) {
		streamsOpened.Inc()
		if e.handler != nil {
			e.handler.Serve(c, st)
		}
	}
	return &tc
}

func (e *endpoint) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := e.socket.ReadFrom(buf)
		if err != nil {
			close(e.done)
			return
		}
		packetsReceived.Inc()
		e.dispatch(buf[:n], addr)
	}
}

func (e *endpoint) dispatch(b []byte, addr net.Addr) {
	e.mu.Lock()
	c := e.conns[addr.String()]
	e.mu.Unlock()
	if c == nil {
		c = e.acceptConn(b, addr)
		if c == nil {
			packetsDropped.Inc()
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Receive(b); err != nil {
		packetsDropped.Inc()
		e.log.WithError(err).WithField("cid", c.id).Debug("packet dropped")
		return
	}
	c.flush()
}

// acceptConn creates a server connection from a first packet. Endpoints
// without a handler, or that are closing, drop the datagram; the check does
// not depend on whether the endpoint is a client or a server.
func (e *endpoint) acceptConn(b []byte, addr net.Addr) *Conn {
	if e.handler == nil || e.closing {
		return nil
	}
	c := &Conn{addr: addr, id: xid.New(), ep: e}
	conn, err := transport.Accept(e.transportConfig(c), addr, b)
	if err != nil {
		e.log.WithError(err).WithField("addr", addr).Debug("rejected connection")
		return nil
	}
	c.conn = conn
	e.attachLogger(c)
	e.mu.Lock()
	e.conns[addr.String()] = c
	e.mu.Unlock()
	connectionsOpen.Inc()
	e.log.WithField("cid", c.id).WithField("addr", addr).Info("connection accepted")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flush()
	return c
}

// Close shuts the socket down and frees every connection.
func (e *endpoint) Close() error {
	e.mu.Lock()
	e.closing = true
	conns := e.conns
	e.conns = make(map[string]*Conn)
	e.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		e.detachLogger(c)
		c.conn.Free()
		c.mu.Unlock()
		connectionsOpen.Dec()
	}
	if e.socket != nil {
		return e.socket.Close()
	}
	return nil
}

// Client is a client-side endpoint.
type Client struct {
	*endpoint
}

// NewClient creates a client endpoint.
func NewClient(config *Config) *Client {
	return &Client{endpoint: newEndpoint(config)}
}

// SetHandler registers the stream-open handler.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// ListenAndServe binds the local socket and starts the read loop.
func (c *Client) ListenAndServe(addr string) error {
	return c.listen(addr)
}

// Connect establishes a connection to addr and returns once the first
// flight is on the wire.
func (c *Client) Connect(addr, serverName string) (*Conn, error) {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	rc := &Conn{addr: peer, id: xid.New(), ep: c.endpoint}
	conn, err := transport.Connect(c.transportConfig(rc), serverName, peer)
	if err != nil {
		return nil, err
	}
	rc.conn = conn
	c.attachLogger(rc)
	c.mu.Lock()
	c.conns[peer.String()] = rc
	c.mu.Unlock()
	connectionsOpen.Inc()
	c.log.WithField("cid", rc.id).WithField("addr", peer).Info("connecting")
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.flush()
	return rc, nil
}

// Server is a server-side endpoint.
type Server struct {
	*endpoint
}

// NewServer creates a server endpoint.
func NewServer(config *Config) *Server {
	return &Server{endpoint: newEndpoint(config)}
}

// SetHandler registers the stream-open handler. A server without a handler
// rejects every connection.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// ListenAndServe binds the socket and serves until the socket is closed.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.listen(addr); err != nil {
		return err
	}
	<-s.done
	return nil
}
