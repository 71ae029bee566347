package reludp

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handshake accept packet: 12 magic bytes (11 characters plus a NUL) followed
// by the assigned connection id, little-endian. 14 bytes on the wire.
const (
	handshakeMagic = "halley_accp\x00"
	handshakeSize  = len(handshakeMagic) + 2

	// preHandshakeID tags datagrams sent before an id is assigned.
	preHandshakeID = int16(-1)
)

// ErrDatagramTooLarge is returned when an outbound payload would exceed
// MaxDatagramSize on the wire.
var ErrDatagramTooLarge = errors.New("datagram exceeds maximum size")

// UDPConnection represents one remote peer identified by (endpoint,
// connection id). The id is assigned by the server during handshake; until
// then it is -1 and outbound datagrams carry the pre-handshake tag.
type UDPConnection struct {
	mu     sync.Mutex
	socket UDPSocket
	remote *net.UDPAddr
	log    *zap.Logger

	status      Status
	connID      int16
	pendingSend [][]byte
	pendingRecv [][]byte
	sending     bool
	errMsg      string
}

// ConnOption configures a UDPConnection.
type ConnOption func(*UDPConnection)

// WithConnLogger sets the connection logger. The default is a no-op logger.
func WithConnLogger(log *zap.Logger) ConnOption {
	return func(c *UDPConnection) { c.log = log }
}

// NewUDPConnection builds a connection to remote in the Connecting state,
// transmitting through the given socket.
func NewUDPConnection(socket UDPSocket, remote *net.UDPAddr, opts ...ConnOption) *UDPConnection {
	c := &UDPConnection{
		socket: socket,
		remote: remote,
		log:    zap.NewNop(),
		status: StatusConnecting,
		connID: preHandshakeID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send prepends the connection-id byte and enqueues the datagram. The send
// pump is edge-triggered: enqueueing into an empty queue starts it, and each
// completed write takes the next queued datagram.
func (c *UDPConnection) Send(payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return ErrDatagramTooLarge
	}

	c.mu.Lock()
	if c.status != StatusOpen && c.status != StatusConnecting {
		status := c.status
		c.mu.Unlock()
		return errors.Errorf("cannot send on %s connection", status)
	}

	datagram := make([]byte, 0, len(payload)+1)
	datagram = append(datagram, byte(c.connID))
	datagram = append(datagram, payload...)
	c.pendingSend = append(c.pendingSend, datagram)

	kick := !c.sending
	if kick {
		c.sending = true
	}
	c.mu.Unlock()

	if kick {
		go c.pump()
	}
	return nil
}

// pump keeps exactly one write in flight, draining the queue until it is
// empty or a write fails.
func (c *UDPConnection) pump() {
	for {
		c.mu.Lock()
		if len(c.pendingSend) == 0 || c.status == StatusClosing || c.status == StatusClosed {
			c.sending = false
			c.mu.Unlock()
			return
		}
		datagram := c.pendingSend[0]
		c.pendingSend = c.pendingSend[1:]
		socket, remote := c.socket, c.remote
		c.mu.Unlock()

		if _, err := socket.WriteToUDP(datagram, remote); err != nil {
			c.log.Warn("send failed, closing connection",
				zap.String("remote", remote.String()), zap.Error(err))
			c.mu.Lock()
			c.sending = false
			c.status = StatusClosing
			c.mu.Unlock()
			return
		}
	}
}

// Receive pops one inbound datagram, returning false when none is queued.
func (c *UDPConnection) Receive() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingRecv) == 0 {
		return nil, false
	}
	datagram := c.pendingRecv[0]
	c.pendingRecv = c.pendingRecv[1:]
	return datagram, true
}

// HandleDatagram feeds one inbound datagram, already stripped of its
// connection-id byte, into the connection. In the Connecting state only a
// handshake accept is meaningful; in the Open state datagrams queue verbatim.
func (c *UDPConnection) HandleDatagram(data []byte) {
	if len(data) > MaxDatagramSize {
		c.log.Warn("rejecting oversized datagram", zap.Int("size", len(data)))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case StatusConnecting:
		if id, ok := parseHandshakeAccept(data); ok {
			c.openLocked(id)
		}
	case StatusOpen:
		if len(data) == 0 {
			// A repeated pre-handshake announcement; nothing to deliver.
			return
		}
		queued := make([]byte, len(data))
		copy(queued, data)
		c.pendingRecv = append(c.pendingRecv, queued)
	}
}

// Open completes the server side of the handshake: the accept packet is
// queued first, while the connection still tags datagrams with the
// pre-handshake id, and only then does the connection transition to Open.
// The write itself is performed by the send pump and may complete after the
// transition.
func (c *UDPConnection) Open(id int16) error {
	c.mu.Lock()
	if c.status != StatusConnecting {
		status := c.status
		c.mu.Unlock()
		return errors.Errorf("cannot open %s connection", status)
	}
	c.mu.Unlock()

	if err := c.Send(appendHandshakeAccept(nil, id)); err != nil {
		return errors.Wrap(err, "send handshake accept")
	}

	c.mu.Lock()
	c.openLocked(id)
	c.mu.Unlock()
	return nil
}

func (c *UDPConnection) openLocked(id int16) {
	c.connID = id
	c.status = StatusOpen
	c.log.Info("connection open",
		zap.Int16("id", id), zap.String("remote", c.remote.String()))
}

// MatchesEndpoint reports whether an inbound datagram tagged with id from
// the given endpoint belongs to this connection. The pre-handshake id
// matches on endpoint alone.
func (c *UDPConnection) MatchesEndpoint(id int16, addr *net.UDPAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (id == preHandshakeID || id == c.connID) && udpAddrEqual(c.remote, addr)
}

// Close records the intent to terminate. The dispatching host completes the
// teardown with Terminate.
func (c *UDPConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusClosing
	return nil
}

// Terminate is called by the dispatching host once the connection is
// detached from the socket.
func (c *UDPConnection) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusClosed
}

// Status reports the connection lifecycle state.
func (c *UDPConnection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ID is the connection id assigned during handshake, -1 before it.
func (c *UDPConnection) ID() int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// RemoteAddr is the peer endpoint.
func (c *UDPConnection) RemoteAddr() *net.UDPAddr {
	return c.remote
}

// SetError records an error message for reporting. It does not drive state
// transitions.
func (c *UDPConnection) SetError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errMsg = msg
}

// Err reports the last error message set on the connection.
func (c *UDPConnection) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

func appendHandshakeAccept(buf []byte, id int16) []byte {
	buf = append(buf, handshakeMagic...)
	return binary.LittleEndian.AppendUint16(buf, uint16(id))
}

func parseHandshakeAccept(data []byte) (int16, bool) {
	if len(data) != handshakeSize {
		return 0, false
	}
	if string(data[:len(handshakeMagic)]) != handshakeMagic {
		return 0, false
	}
	return int16(binary.LittleEndian.Uint16(data[len(handshakeMagic):])), true
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
