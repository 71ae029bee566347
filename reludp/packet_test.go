package reludp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWireHeaderRoundTrip(t *testing.T) {
	h := wireHeader{Sequence: 0x0102, Ack: 0xBEEF, AckBits: 0xA1B2C3D4}

	buf := h.appendTo(nil)
	require.Len(t, buf, reliableHeaderSize)
	// Little-endian on the wire.
	require.Equal(t, []byte{0x02, 0x01, 0xEF, 0xBE, 0xD4, 0xC3, 0xB2, 0xA1}, buf)

	got, rest, err := parseWireHeader(append(buf, 0x99))
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Equal(t, []byte{0x99}, rest)
}

func TestParseWireHeaderTruncated(t *testing.T) {
	for size := 0; size < reliableHeaderSize; size++ {
		_, _, err := parseWireHeader(make([]byte, size))
		require.ErrorIs(t, err, ErrHeaderTruncated, "size %d", size)
	}
}

func TestSubPacketEncodings(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		resend   bool
		resendOf uint16
		header   []byte
	}{
		{
			name:    "empty payload",
			payload: nil,
			header:  []byte{0x00},
		},
		{
			name:    "short payload",
			payload: []byte("hello"),
			header:  []byte{0x05},
		},
		{
			name:    "short boundary 63",
			payload: make([]byte, 63),
			header:  []byte{0x3F},
		},
		{
			name:    "long boundary 64",
			payload: make([]byte, 64),
			header:  []byte{flagLongSize | 0x00, 0x40},
		},
		{
			name:    "long payload 300",
			payload: make([]byte, 300),
			header:  []byte{flagLongSize | 0x01, 0x2C},
		},
		{
			name:     "resend short",
			payload:  []byte("abc"),
			resend:   true,
			resendOf: 0x1234,
			header:   []byte{flagResend | 0x03, 0x34, 0x12},
		},
		{
			name:     "resend long",
			payload:  make([]byte, 2048),
			resend:   true,
			resendOf: 7,
			header:   []byte{flagResend | flagLongSize | 0x08, 0x00, 0x07, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := appendSubPacket(nil, tt.payload, tt.resend, tt.resendOf)
			require.Equal(t, tt.header, buf[:len(tt.header)])
			require.Len(t, buf, len(tt.header)+len(tt.payload))

			sub, rest, err := parseSubPacket(buf)
			require.NoError(t, err)
			require.Empty(t, rest)
			require.Equal(t, len(tt.payload), len(sub.payload))
			require.Equal(t, tt.resend, sub.resend)
			if tt.resend {
				require.Equal(t, tt.resendOf, sub.resendOf)
			}
		})
	}
}

func TestParseSubPacketErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "no header byte",
			data: nil,
			want: ErrSubHeaderTruncated,
		},
		{
			name: "long flag without size byte",
			data: []byte{flagLongSize | 0x01},
			want: ErrSubHeaderTruncated,
		},
		{
			name: "resend flag without sequence",
			data: []byte{flagResend | 0x02, 0xAA},
			want: ErrSubHeaderTruncated,
		},
		{
			name: "size above maximum",
			// 2049 = 0x801: high bits 0x08, low byte 0x01.
			data: []byte{flagLongSize | 0x08, 0x01},
			want: ErrSizeOutOfRange,
		},
		{
			name: "payload shorter than size",
			data: []byte{0x0A, 1, 2, 3},
			want: ErrPayloadTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseSubPacket(tt.data)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMultipleSubPacketsInOneDatagram(t *testing.T) {
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	buf := appendSubPacket(nil, payloads[0], false, 0)
	buf = appendSubPacket(buf, payloads[1], false, 0)
	buf = appendSubPacket(buf, payloads[2], true, 99)

	rest := buf
	for i, want := range payloads {
		var sub subPacket
		var err error
		sub, rest, err = parseSubPacket(rest)
		require.NoError(t, err)
		require.Equal(t, want, sub.payload, "sub-packet %d", i)
	}
	require.Empty(t, rest)
}

func TestHandshakeAcceptRoundTrip(t *testing.T) {
	buf := appendHandshakeAccept(nil, 513)
	require.Len(t, buf, handshakeSize)
	require.Equal(t, []byte("halley_accp\x00"), buf[:12])
	require.Equal(t, []byte{0x01, 0x02}, buf[12:])

	id, ok := parseHandshakeAccept(buf)
	require.True(t, ok)
	require.Equal(t, int16(513), id)
}

func TestParseHandshakeAcceptRejects(t *testing.T) {
	good := appendHandshakeAccept(nil, 1)

	short := good[:handshakeSize-1]
	if _, ok := parseHandshakeAccept(short); ok {
		t.Error("accepted truncated handshake")
	}

	long := append(append([]byte(nil), good...), 0x00)
	if _, ok := parseHandshakeAccept(long); ok {
		t.Error("accepted oversized handshake")
	}

	bad := append([]byte(nil), good...)
	bad[0] = 'H'
	if _, ok := parseHandshakeAccept(bad); ok {
		t.Error("accepted wrong magic")
	}
}
