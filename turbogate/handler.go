package turbogate

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultConnectTimeout/defaultIdleTimeout are used whenever a backend's
// Timeouts fields are left at their zero value. defaultWallClockBound is
// applied to every connection; no config field overrides it.
const (
	defaultConnectTimeout  = 5 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultWallClockBound  = 30 * time.Second
)

// connResult reports the outcome of one handleConnection call so the caller
// (Frontend.handle) can record frontend-scoped metrics without this function
// needing to know which frontend dispatched it.
type connResult struct {
	status       string // "success", "connection_failed", "connection_timeout", "proxy_error", "handle_timeout"
	sentBytes    int64
	receivedBytes int64
	duration     time.Duration
}

// handleConnection dials the selected server and pumps bytes bidirectionally
// between client and server until either side closes, errors, or a timeout
// fires. turbogate operates purely at the byte level: two copy directions
// race in a select, and the first to finish or error closes both. An
// outermost wall-clock bound (a fixed 30s) wraps the whole pump.
func handleConnection(ctx context.Context, client net.Conn, backend *Backend, server *ServerRuntime, log *logrus.Entry) connResult {
	defer client.Close()

	connectTimeout := backend.Def.Timeouts.Connect
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	var d net.Dialer
	upstream, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(server.Def.Address, strconv.Itoa(server.Def.Port)))
	timedOut := dialCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		status := "connection_failed"
		if timedOut {
			status = "connection_timeout"
		}
		log.WithError(err).Warn("failed to connect to upstream server")
		return connResult{status: status}
	}
	defer upstream.Close()

	server.IncActive()
	defer server.DecActive()

	clientIdleTimeout := backend.Def.Timeouts.Client
	if clientIdleTimeout <= 0 {
		clientIdleTimeout = defaultIdleTimeout
	}
	serverIdleTimeout := backend.Def.Timeouts.Server
	if serverIdleTimeout <= 0 {
		serverIdleTimeout = defaultIdleTimeout
	}

	start := time.Now()
	clientToServer := make(chan copyResult, 1)
	serverToClient := make(chan copyResult, 1)

	go func() {
		n, err := copyWithDeadline(upstream, client, clientIdleTimeout)
		clientToServer <- copyResult{n, err}
	}()
	go func() {
		n, err := copyWithDeadline(client, upstream, serverIdleTimeout)
		serverToClient <- copyResult{n, err}
	}()

	wallClock := time.NewTimer(defaultWallClockBound)
	defer wallClock.Stop()

	var sent, received int64
	status := "success"
	remaining := 2
	for remaining > 0 {
		select {
		case r := <-clientToServer:
			sent = r.n
			// Only the first direction's error counts: the second one ends
			// because the first closed its source.
			if r.err != nil && remaining == 2 {
				status = "proxy_error"
			}
			upstream.Close()
			remaining--
		case r := <-serverToClient:
			received = r.n
			if r.err != nil && remaining == 2 {
				status = "proxy_error"
			}
			client.Close()
			remaining--
		case <-wallClock.C:
			status = "handle_timeout"
			client.Close()
			upstream.Close()
			remaining = 0
		}
	}

	return connResult{status: status, sentBytes: sent, receivedBytes: received, duration: time.Since(start)}
}

type copyResult struct {
	n   int64
	err error
}

// copyWithDeadline relays from src to dst, refreshing src's read deadline on
// every iteration so that idleTimeout bounds inactivity rather than total
// connection lifetime. The first read or write error (including deadline
// expiry) ends the copy: whichever direction finishes or errors first
// closes both.
func copyWithDeadline(dst io.Writer, src net.Conn, idleTimeout time.Duration) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
