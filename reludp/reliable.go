package reludp

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrInvalidTag is returned when a packet tag is negative.
	ErrInvalidTag = errors.New("packet tag must not be negative")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxSubPacketSize.
	// The peer treats larger sizes as a fatal framing fault, so they are
	// rejected before reaching the wire.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum sub-packet size")
)

const (
	// ackWindow is the number of sequences below the cumulative ack covered
	// by the ack bit-field.
	ackWindow = 32
	// ackCutoff bounds how far behind sequenceSent an incoming ack may refer.
	ackCutoff = 512
	// maxSeqSkip is the largest forward jump in received sequences the ring
	// can absorb while keeping its history coherent.
	maxSeqSkip = BufferSize - 32

	noTag = -1
)

// Received-ring slot bits.
const (
	recvSeen     = 1 << 0 // a packet with this sequence arrived
	recvResentTo = 1 << 1 // this sequence was named as the original of a resend
)

// AckListener is notified when the peer acknowledges a tagged packet.
// Listeners are borrowed references: registering one does not extend its
// lifetime, and it must be removed before it goes away.
type AckListener interface {
	PacketAcked(tag int)
}

// sentSlot tracks one in-flight sequence in the send ring. The tag is only
// meaningful while waiting is set.
type sentSlot struct {
	waiting bool
	tag     int
	sentAt  time.Time
}

// Channel is a reliable endpoint layered on a datagram Connection. It is
// safe for concurrent use, though the intended model is a single cooperative
// owner calling Send and Receive.
type Channel struct {
	mu      sync.Mutex
	conn    Connection
	clk     clock.Clock
	log     *zap.Logger
	metrics *Metrics

	sequenceSent    uint16
	highestReceived uint16
	sent            [BufferSize]sentSlot
	received        [BufferSize]byte
	pending         [][]byte
	listeners       []AckListener
	ackedTags       []int
	latency         latencyEstimator
	lastSend        time.Time
	lastReceive     time.Time
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithChannelLogger sets the channel logger. The default is a no-op logger.
func WithChannelLogger(log *zap.Logger) ChannelOption {
	return func(c *Channel) { c.log = log }
}

// WithChannelClock sets the clock used for timestamps and latency samples.
func WithChannelClock(clk clock.Clock) ChannelOption {
	return func(c *Channel) { c.clk = clk }
}

// WithChannelMetrics attaches transport metrics. A nil Metrics is ignored.
func WithChannelMetrics(m *Metrics) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// NewChannel wraps an already-constructed connection. The channel lives
// until the connection reports a terminal status or Close is called.
func NewChannel(conn Connection, opts ...ChannelOption) *Channel {
	c := &Channel{
		conn: conn,
		clk:  clock.New(),
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	now := c.clk.Now()
	c.lastSend = now
	c.lastReceive = now
	return c
}

// Send transmits one payload with tag 0.
func (c *Channel) Send(payload []byte) error {
	return c.SendTagged(payload, 0)
}

// SendTagged frames and transmits one payload. The tag is reported to every
// ack listener once the peer acknowledges the packet. It returns once the
// datagram is enqueued in the underlying connection.
func (c *Channel) SendTagged(payload []byte, tag int) error {
	return c.send(payload, tag, false, 0)
}

// SendResend transmits a retransmission of the packet originally sent as
// resendOf. The peer suppresses whichever of the two copies arrives second.
func (c *Channel) SendResend(payload []byte, resendOf uint16, tag int) error {
	return c.send(payload, tag, true, resendOf)
}

func (c *Channel) send(payload []byte, tag int, resend bool, resendOf uint16) error {
	if tag < 0 {
		return ErrInvalidTag
	}
	if len(payload) > MaxSubPacketSize {
		return ErrPayloadTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.sequenceSent
	c.sequenceSent++

	buf := make([]byte, 0, reliableHeaderSize+subHeaderMax+len(payload))
	buf = wireHeader{
		Sequence: seq,
		Ack:      c.highestReceived,
		AckBits:  c.generateAckBits(),
	}.appendTo(buf)
	buf = appendSubPacket(buf, payload, resend, resendOf)

	if err := c.conn.Send(buf); err != nil {
		return errors.Wrap(err, "send reliable datagram")
	}

	slot := &c.sent[int(seq)%BufferSize]
	slot.waiting = true
	slot.tag = tag
	slot.sentAt = c.clk.Now()
	c.lastSend = slot.sentAt
	c.metrics.packetSent()
	return nil
}

// Receive drains the underlying connection, applying every pending datagram
// to the channel state, then dequeues at most one delivered sub-packet
// payload. The returned slice is owned by the caller. It never blocks.
//
// Ack notifications fire before Receive returns, outside the channel lock,
// so a listener may send from its callback.
func (c *Channel) Receive() ([]byte, bool) {
	c.mu.Lock()

	for {
		datagram, ok := c.conn.Receive()
		if !ok {
			break
		}
		c.lastReceive = c.clk.Now()
		if err := c.processDatagram(datagram); err != nil {
			c.log.Error("malformed datagram, closing channel", zap.Error(err))
			c.closeLocked()
			break
		}
	}

	acked := c.ackedTags
	c.ackedTags = nil
	var listeners []AckListener
	if len(acked) > 0 {
		listeners = append(listeners, c.listeners...)
	}

	var out []byte
	delivered := false
	if len(c.pending) > 0 {
		out = c.pending[0]
		c.pending = c.pending[1:]
		delivered = true
	}
	c.mu.Unlock()

	for _, tag := range acked {
		for _, l := range listeners {
			l.PacketAcked(tag)
		}
	}
	return out, delivered
}

// AddAckListener registers a listener for tagged-packet acknowledgements.
func (c *Channel) AddAckListener(l AckListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveAckListener unregisters a listener previously added.
func (c *Channel) RemoveAckListener(l AckListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, registered := range c.listeners {
		if registered == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Close delegates to the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Status reports the underlying connection's status verbatim.
func (c *Channel) Status() Status {
	return c.conn.Status()
}

// Latency is the smoothed round-trip estimate, zero until the first ack.
func (c *Channel) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency.value()
}

// TimeSinceLastSend is the time elapsed since the last outbound datagram.
func (c *Channel) TimeSinceLastSend() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.lastSend)
}

// TimeSinceLastReceive is the time elapsed since the last inbound datagram.
func (c *Channel) TimeSinceLastReceive() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.lastReceive)
}

func (c *Channel) closeLocked() {
	if err := c.conn.Close(); err != nil {
		c.log.Warn("closing underlying connection", zap.Error(err))
	}
}

// processDatagram applies one inbound datagram: acks first, then every
// sub-packet in framing order. The datagram's sequence numbers the first
// sub-packet; each following sub-packet implicitly increments it.
func (c *Channel) processDatagram(data []byte) error {
	hdr, rest, err := parseWireHeader(data)
	if err != nil {
		return err
	}
	c.metrics.packetReceived()
	c.processAcks(hdr.Ack, hdr.AckBits)

	seq := hdr.Sequence
	for len(rest) > 0 {
		var sub subPacket
		sub, rest, err = parseSubPacket(rest)
		if err != nil {
			return err
		}
		if c.onSeqReceived(seq, sub.resend, sub.resendOf) {
			payload := make([]byte, len(sub.payload))
			copy(payload, sub.payload)
			c.pending = append(c.pending, payload)
			c.metrics.subPacketDelivered()
		}
		seq++
	}
	return nil
}

// processAcks fires acknowledgements covered by one inbound header, oldest
// first, ending with the cumulative ack itself.
func (c *Channel) processAcks(ack uint16, ackBits uint32) {
	// An ack referring further back than the cutoff names a sequence long
	// overtaken; ignore it.
	if c.sequenceSent-ack > ackCutoff {
		return
	}

	for i := ackWindow - 1; i >= 0; i-- {
		if ackBits&(1<<uint(i)) != 0 {
			c.onAckReceived(ack - uint16(i+1))
		}
	}
	c.onAckReceived(ack)
}

// onSeqReceived updates the receive history for one sub-packet sequence and
// reports whether its payload should be delivered.
func (c *Channel) onSeqReceived(seq uint16, resend bool, resendOf uint16) bool {
	bufferPos := int(seq) % BufferSize
	resendPos := int(resendOf) % BufferSize
	diff := seq - c.highestReceived

	if diff != 0 && diff < 0x8000 { // seq ahead of highestReceived, mod 2^16
		if diff > maxSeqSkip {
			// Too many sequences skipped to keep the history coherent.
			c.log.Warn("receive window overflow, closing channel",
				zap.Uint16("seq", seq),
				zap.Uint16("highestReceived", c.highestReceived))
			c.closeLocked()
			return false
		}

		// Zero the slot half a ring ahead of every slot being passed, so a
		// full revolution can never surface stale bits as fresh history.
		for i := int(c.highestReceived) % BufferSize; i != bufferPos; i = (i + 1) % BufferSize {
			c.received[(i+BufferSize/2)%BufferSize] = 0
		}

		c.highestReceived = seq
	}

	if c.received[bufferPos] != 0 || (resend && c.received[resendPos] != 0) {
		// Already received, either directly or through the other copy of a
		// resend pair.
		c.metrics.duplicateDropped()
		return false
	}

	c.received[bufferPos] |= recvSeen
	if resend {
		c.received[resendPos] |= recvResentTo
	}
	return true
}

// onAckReceived settles one sent sequence: clears the waiting slot, queues
// its tag for the listeners and feeds the round trip into the latency
// estimator.
func (c *Channel) onAckReceived(seq uint16) {
	slot := &c.sent[int(seq)%BufferSize]
	if !slot.waiting {
		return
	}
	slot.waiting = false
	if slot.tag != noTag {
		c.ackedTags = append(c.ackedTags, slot.tag)
	}
	rtt := c.clk.Now().Sub(slot.sentAt)
	c.latency.sample(rtt)
	c.metrics.ackReceived(c.latency.value())
}

// generateAckBits encodes the 32 sequences below highestReceived: bit i is
// set when sequence highestReceived-(i+1) was received.
func (c *Channel) generateAckBits() uint32 {
	var bits uint32
	for i := 0; i < ackWindow; i++ {
		pos := int(c.highestReceived-1-uint16(i)) % BufferSize
		bits |= uint32(c.received[pos]&recvSeen) << uint(i)
	}
	return bits
}
