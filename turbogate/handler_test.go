package turbogate

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// listenSilent opens a listener that accepts connections but never writes or
// reads anything, so the upstream side of the pump stays idle until its
// deadline fires.
func listenSilent(t *testing.T) (addr string, stop func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn // held open, never read or written
		}
	}()
	return l.Addr().String(), func() { l.Close() }
}

func buildHandlerTestBackend(t *testing.T, serverAddr string, timeouts Timeouts) *Backend {
	t.Helper()
	host, portStr, err := net.SplitHostPort(serverAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	def := &BackendDef{
		Name:      "be",
		Algorithm: AlgoRoundRobin,
		Timeouts:  timeouts,
		Servers:   []*ServerDef{{Name: "s1", Address: host, Port: port, Weight: 1}},
	}
	pool, err := NewPool([]*BackendDef{def})
	require.NoError(t, err)
	b, _ := pool.Backend("be")
	return b
}

// TestHandleConnectionAppliesClientTimeoutToClientToServerDirection verifies
// that a short Timeouts.Client (governing the client->server copy) ends the
// connection quickly even when Timeouts.Server is generous, confirming the
// two directions are bound by distinct timeouts rather than both using
// Timeouts.Server.
func TestHandleConnectionAppliesClientTimeoutToClientToServerDirection(t *testing.T) {
	upstreamAddr, stopUpstream := listenSilent(t)
	defer stopUpstream()

	backend := buildHandlerTestBackend(t, upstreamAddr, Timeouts{
		Client: 50 * time.Millisecond,
		Server: 10 * time.Second,
	})
	server, _ := backend.ServerByName("s1")

	clientConn, testConn := net.Pipe()
	defer testConn.Close()

	log := NewLogger("error", false).WithField("component", "test")

	done := make(chan connResult, 1)
	go func() {
		done <- handleConnection(context.Background(), clientConn, backend, server, log)
	}()

	select {
	case result := <-done:
		require.Less(t, result.duration, 2*time.Second, "client->server idle timeout should fire well before the 10s server timeout")
	case <-time.After(3 * time.Second):
		t.Fatal("handleConnection did not return within the expected client timeout window")
	}
}
