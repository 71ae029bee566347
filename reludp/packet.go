package reludp

import (
	"encoding/binary"
	"errors"
)

// Wire layout constants. Every multi-byte field is little-endian.
const (
	// BufferSize is the capacity of the sent and received sequence rings.
	BufferSize = 1024
	// MaxDatagramSize is the largest datagram accepted from the network,
	// measured after the connection-id byte is stripped.
	MaxDatagramSize = 1500
	// MaxSubPacketSize is the largest payload one sub-packet may carry.
	MaxSubPacketSize = 2048

	reliableHeaderSize = 8

	flagResend   = 0x80
	flagLongSize = 0x40
	sizeHiMask   = 0x3F

	maxShortPayload = 0x3F

	// subHeaderMax is the worst-case sub-header length: size byte, long-size
	// byte and the resend-of sequence.
	subHeaderMax = 4
)

// Framing faults. Any of them terminates the channel: framing is stream-like
// within a datagram, so a desync is unrecoverable.
var (
	ErrHeaderTruncated    = errors.New("reliable header truncated")
	ErrSubHeaderTruncated = errors.New("sub-packet header truncated")
	ErrSizeOutOfRange     = errors.New("sub-packet size out of range")
	ErrPayloadTruncated   = errors.New("sub-packet payload truncated")
)

// wireHeader is the fixed prefix of every reliable datagram.
type wireHeader struct {
	Sequence uint16 // this datagram's sequence number
	Ack      uint16 // highest sequence received from the peer
	AckBits  uint32 // bit i set: sequence Ack-(i+1) was received
}

// appendTo serialises the header into its on-wire form.
func (h wireHeader) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, h.Sequence)
	buf = binary.LittleEndian.AppendUint16(buf, h.Ack)
	buf = binary.LittleEndian.AppendUint32(buf, h.AckBits)
	return buf
}

// parseWireHeader splits one datagram into its header and the sub-packet
// region that follows.
func parseWireHeader(data []byte) (wireHeader, []byte, error) {
	if len(data) < reliableHeaderSize {
		return wireHeader{}, nil, ErrHeaderTruncated
	}
	h := wireHeader{
		Sequence: binary.LittleEndian.Uint16(data[0:2]),
		Ack:      binary.LittleEndian.Uint16(data[2:4]),
		AckBits:  binary.LittleEndian.Uint32(data[4:8]),
	}
	return h, data[reliableHeaderSize:], nil
}

// subPacket is one decoded payload unit of a reliable datagram.
type subPacket struct {
	payload  []byte
	resend   bool
	resendOf uint16
}

// appendSubPacket frames one payload. Byte 0 carries the resend flag (bit 7),
// the long-size flag (bit 6) and the size, or its high bits when a second
// size byte follows. A resend closes the header with the original sequence.
func appendSubPacket(buf []byte, payload []byte, resend bool, resendOf uint16) []byte {
	size := len(payload)
	long := size > maxShortPayload

	b0 := byte(size)
	if long {
		b0 = byte(size>>8) & sizeHiMask
		b0 |= flagLongSize
	}
	if resend {
		b0 |= flagResend
	}
	buf = append(buf, b0)
	if long {
		buf = append(buf, byte(size))
	}
	if resend {
		buf = binary.LittleEndian.AppendUint16(buf, resendOf)
	}
	return append(buf, payload...)
}

// parseSubPacket decodes the next sub-packet and returns the remainder of
// the datagram. The returned payload aliases data; callers that queue it must
// copy first.
func parseSubPacket(data []byte) (subPacket, []byte, error) {
	if len(data) < 1 {
		return subPacket{}, nil, ErrSubHeaderTruncated
	}
	b0 := data[0]
	rest := data[1:]

	var sub subPacket
	sub.resend = b0&flagResend != 0
	size := int(b0 & sizeHiMask)
	if b0&flagLongSize != 0 {
		if len(rest) < 1 {
			return subPacket{}, nil, ErrSubHeaderTruncated
		}
		size = size<<8 | int(rest[0])
		rest = rest[1:]
	}
	if sub.resend {
		if len(rest) < 2 {
			return subPacket{}, nil, ErrSubHeaderTruncated
		}
		sub.resendOf = binary.LittleEndian.Uint16(rest[0:2])
		rest = rest[2:]
	}

	if size > MaxSubPacketSize {
		return subPacket{}, nil, ErrSizeOutOfRange
	}
	if size > len(rest) {
		return subPacket{}, nil, ErrPayloadTruncated
	}
	sub.payload = rest[:size]
	return sub, rest[size:], nil
}
