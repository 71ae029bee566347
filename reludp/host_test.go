package reludp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dialTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func acceptOne(t *testing.T, h *Host) *UDPConnection {
	t.Helper()
	var conn *UDPConnection
	require.Eventually(t, func() bool {
		if conn == nil {
			conn, _ = h.Accept()
		}
		return conn != nil
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func TestDialPerformsHandshake(t *testing.T) {
	server, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := dialTimeout(t)
	defer cancel()
	conn, err := client.Dial(ctx, server.LocalAddr().String())
	require.NoError(t, err)
	require.Equal(t, StatusOpen, conn.Status())
	require.Equal(t, int16(0), conn.ID())

	serverConn := acceptOne(t, server)
	require.Equal(t, StatusOpen, serverConn.Status())
	require.Equal(t, int16(0), serverConn.ID())
}

func TestDialCanceledContext(t *testing.T) {
	client, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Dial(ctx, "127.0.0.1:1")
	require.Error(t, err)
}

func TestHostAssignsSequentialIDs(t *testing.T) {
	server, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	target := server.LocalAddr().String()
	for want := int16(0); want < 2; want++ {
		client, err := NewHost("127.0.0.1:0")
		require.NoError(t, err)
		defer client.Close()

		ctx, cancel := dialTimeout(t)
		conn, err := client.Dial(ctx, target)
		cancel()
		require.NoError(t, err)
		require.Equal(t, want, conn.ID())

		serverConn := acceptOne(t, server)
		require.Equal(t, want, serverConn.ID())
	}
}

func TestConnectionIDWrapsAtWireBoundary(t *testing.T) {
	server, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	// The next assignment sits at the top of the signed-byte range.
	server.mu.Lock()
	server.nextID = maxConnectionID
	server.mu.Unlock()

	target := server.LocalAddr().String()
	for _, want := range []int16{maxConnectionID, 0} {
		client, err := NewHost("127.0.0.1:0")
		require.NoError(t, err)
		defer client.Close()

		ctx, cancel := dialTimeout(t)
		conn, err := client.Dial(ctx, target)
		cancel()
		require.NoError(t, err)
		require.Equal(t, want, conn.ID())

		serverConn := acceptOne(t, server)
		require.Equal(t, want, serverConn.ID())

		// Post-handshake datagrams still match the connection: the id
		// survives its round trip through the wire byte.
		clientCh := NewChannel(conn)
		serverCh := NewChannel(serverConn)
		require.NoError(t, clientCh.Send([]byte("hello")))
		require.Eventually(t, func() bool {
			payload, ok := serverCh.Receive()
			return ok && string(payload) == "hello"
		}, 2*time.Second, 5*time.Millisecond)
	}
}

func TestHostCloseTerminatesConnections(t *testing.T) {
	server, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)

	client, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := dialTimeout(t)
	defer cancel()
	conn, err := client.Dial(ctx, server.LocalAddr().String())
	require.NoError(t, err)

	serverConn := acceptOne(t, server)
	require.NoError(t, server.Close())
	require.Equal(t, StatusClosed, serverConn.Status())
	_ = conn
}

func TestHostEchoRoundTrip(t *testing.T) {
	server, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := NewHost("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := dialTimeout(t)
	defer cancel()
	conn, err := client.Dial(ctx, server.LocalAddr().String())
	require.NoError(t, err)

	serverConn := acceptOne(t, server)

	clientCh := NewChannel(conn)
	serverCh := NewChannel(serverConn)
	acked := &tagRecorder{}
	clientCh.AddAckListener(acked)

	require.NoError(t, clientCh.SendTagged([]byte("ping"), 42))

	var echoed []byte
	require.Eventually(t, func() bool {
		if payload, ok := serverCh.Receive(); ok {
			require.NoError(t, serverCh.Send(payload))
		}
		if payload, ok := clientCh.Receive(); ok {
			echoed = payload
		}
		return echoed != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []byte("ping"), echoed)
	require.Equal(t, []int{42}, acked.tags)
	require.Greater(t, clientCh.Latency(), time.Duration(0))
	require.Equal(t, StatusOpen, clientCh.Status())
}
