// Package reludp implements a reliable-datagram transport on top of UDP.
//
// The reliability layer (Channel) adds sequence numbering, loss detection via
// cumulative ack bit-fields, duplicate suppression, resend tagging and
// round-trip latency estimation to any datagram-oriented Connection. The UDP
// layer (UDPConnection, Host) performs a minimal handshake, tags every
// datagram with a connection id and demultiplexes traffic per peer.
//
// Lost packets are detected and reported, never retransmitted: the
// application decides what to resend, and marks retransmissions with
// SendResend so both copies count as one delivery.
package reludp

import "net"

// Status is the lifecycle state of a connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

// String implements the Stringer interface for printing [Status] values.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusOpen:
		return "OPEN"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

// Connection is the datagram capability a Channel is layered on: send one
// outbound packet, poll one inbound packet, report status, close.
type Connection interface {
	// Send transmits one datagram to the peer.
	Send(payload []byte) error
	// Receive pops one inbound datagram, returning false when none is queued.
	// It never blocks.
	Receive() ([]byte, bool)
	// Status reports the connection lifecycle state.
	Status() Status
	// Close records the intent to terminate the connection.
	Close() error
}

// UDPSocket is the write half of the shared socket a UDPConnection transmits
// through. *net.UDPConn satisfies it.
type UDPSocket interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}
