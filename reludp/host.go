package reludp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Host owns one UDP socket and demultiplexes inbound datagrams to per-peer
// connections by (connection id, endpoint). A datagram carrying the
// pre-handshake id from an unknown endpoint opens a new server-side
// connection, which is queued for Accept.
type Host struct {
	mu          sync.Mutex
	socket      *net.UDPConn
	log         *zap.Logger
	connections []*UDPConnection
	accepted    []*UDPConnection
	nextID      int16
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger sets the host logger, shared with the connections it
// creates. The default is a no-op logger.
func WithHostLogger(log *zap.Logger) HostOption {
	return func(h *Host) { h.log = log }
}

// NewHost binds a UDP socket on listen and starts reading from it.
func NewHost(listen string, opts ...HostOption) (*Host, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, errors.Wrap(err, "resolve listen address")
	}
	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "bind udp socket")
	}

	h := &Host{
		socket: socket,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	go h.readLoop()
	return h, nil
}

// LocalAddr is the bound socket address.
func (h *Host) LocalAddr() *net.UDPAddr {
	return h.socket.LocalAddr().(*net.UDPAddr)
}

// Accept pops one newly opened server-side connection, returning false when
// none is pending. It never blocks.
func (h *Host) Accept() (*UDPConnection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.accepted) == 0 {
		return nil, false
	}
	conn := h.accepted[0]
	h.accepted = h.accepted[1:]
	return conn, true
}

// Dial registers a connecting peer and announces it to the remote host with
// bare pre-handshake datagrams, pacing retries with exponential backoff
// until the handshake accept promotes the connection or ctx ends.
func (h *Host) Dial(ctx context.Context, target string) (*UDPConnection, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, errors.Wrap(err, "resolve target address")
	}

	conn := NewUDPConnection(h.socket, addr, WithConnLogger(h.log))
	h.mu.Lock()
	h.connections = append(h.connections, conn)
	h.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0 // bounded by ctx

	err = backoff.Retry(func() error {
		switch conn.Status() {
		case StatusOpen:
			return nil
		case StatusConnecting:
			if err := conn.Send(nil); err != nil {
				return backoff.Permanent(err)
			}
			return errors.New("awaiting handshake accept")
		default:
			return backoff.Permanent(errors.Errorf("connection is %s", conn.Status()))
		}
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		h.Terminate(conn)
		return nil, errors.Wrap(err, "dial "+target)
	}

	h.log.Info("dialed peer",
		zap.String("remote", addr.String()), zap.Int16("id", conn.ID()))
	return conn, nil
}

// Terminate detaches a connection from the socket and marks it closed.
func (h *Host) Terminate(conn *UDPConnection) {
	h.mu.Lock()
	for i, registered := range h.connections {
		if registered == conn {
			h.connections = append(h.connections[:i], h.connections[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	conn.Terminate()
}

// Close terminates every connection and closes the socket.
func (h *Host) Close() error {
	h.mu.Lock()
	conns := h.connections
	h.connections = nil
	h.accepted = nil
	h.mu.Unlock()

	var result *multierror.Error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		conn.Terminate()
	}
	if err := h.socket.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// maxConnectionID is the largest assignable connection id. The id travels
// as one signed byte on the wire, so anything above the positive int8 range
// would not round-trip; the pre-handshake id -1 stays reserved.
const maxConnectionID = int16(127)

// maxUDPPayload is the largest payload a UDP datagram can carry. Reading
// into anything smaller would let the kernel truncate an oversized datagram
// below MaxDatagramSize without surfacing its real size.
const maxUDPPayload = 65507

func (h *Host) readLoop() {
	buf := make([]byte, maxUDPPayload)
	for {
		n, from, err := h.socket.ReadFromUDP(buf)
		if err != nil {
			// Socket closed.
			return
		}
		if n < 1 {
			continue
		}
		if n-1 > MaxDatagramSize {
			h.log.Warn("rejecting oversized datagram",
				zap.Int("size", n-1), zap.String("from", from.String()))
			continue
		}
		id := int16(int8(buf[0]))
		data := make([]byte, n-1)
		copy(data, buf[1:n])
		h.dispatch(id, from, data)
	}
}

// dispatch routes one inbound datagram to the connection matching its id and
// source endpoint. A pre-handshake datagram that matches none accepts a new
// peer; any other unmatched datagram is dropped.
func (h *Host) dispatch(id int16, from *net.UDPAddr, data []byte) {
	h.mu.Lock()
	for _, conn := range h.connections {
		if conn.MatchesEndpoint(id, from) {
			h.mu.Unlock()
			conn.HandleDatagram(data)
			return
		}
	}

	if id != preHandshakeID {
		h.mu.Unlock()
		h.log.Debug("dropping datagram for unknown connection",
			zap.Int16("id", id), zap.String("from", from.String()))
		return
	}

	// First contact from a new peer: assign an id and complete the
	// handshake before exposing the connection through Accept.
	conn := NewUDPConnection(h.socket, from, WithConnLogger(h.log))
	h.connections = append(h.connections, conn)
	assigned := h.nextID
	h.nextID++
	if h.nextID > maxConnectionID {
		h.nextID = 0
	}
	h.mu.Unlock()

	if err := conn.Open(assigned); err != nil {
		h.log.Warn("handshake failed", zap.String("from", from.String()), zap.Error(err))
		h.Terminate(conn)
		return
	}

	h.mu.Lock()
	h.accepted = append(h.accepted, conn)
	h.mu.Unlock()

	if len(data) > 0 {
		conn.HandleDatagram(data)
	}
}
