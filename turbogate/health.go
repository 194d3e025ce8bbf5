package turbogate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultPublishDeadline bounds how long a server's probe goroutine waits for
// its state-machine update before it logs a suspected deadlock and goes back
// to waiting for its next tick.
const defaultPublishDeadline = 1 * time.Second

// HealthSupervisor runs one probe goroutine per server across all backends
// in a pool, updating each ServerRuntime's rise/fall state machine on a
// fixed interval, across three L4 probe modes (plain TCP connect, HTTP
// GET-and-check, and TCP with an expected payload response).
type HealthSupervisor struct {
	pool    *Pool
	log     *logrus.Entry
	client  *http.Client
	metrics *Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthSupervisor builds a supervisor for pool. The supervisor does not
// start probing until Run is called. metrics may be nil in tests that don't
// care about exposition.
func NewHealthSupervisor(pool *Pool, log *logrus.Entry, metrics *Metrics) *HealthSupervisor {
	return &HealthSupervisor{
		pool:    pool,
		log:     log,
		client:  &http.Client{},
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Run starts one goroutine per (backend, server) pair and blocks until ctx
// is cancelled or Stop is called; if no server has checks enabled it returns
// at once. Disabled-check servers are skipped entirely: they keep whatever
// status they were constructed with (Up) forever.
func (h *HealthSupervisor) Run(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	var active int
	for _, b := range h.pool.All() {
		for _, s := range b.Servers {
			if h.metrics != nil {
				up := 0.0
				if s.Status() == StatusUp {
					up = 1.0
				}
				h.metrics.serverStatus.WithLabelValues(s.Def.Name).Set(up)
			}
			if !s.Def.CheckEnabled {
				continue
			}
			active++
			go h.superviseServer(ctx, b, s)
		}
	}

	if active == 0 {
		close(h.done)
		return
	}
	<-ctx.Done()
	close(h.done)
}

// Stop cancels all probe goroutines and waits for them to exit.
func (h *HealthSupervisor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

func (h *HealthSupervisor) superviseServer(ctx context.Context, b *Backend, s *ServerRuntime) {
	interval := s.Def.ProbeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	entry := h.log.WithFields(logrus.Fields{
		"component": "health",
		"backend":   b.Def.Name,
		"server":    s.Def.Name,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeOnce(ctx, entry, b, s)
		}
	}
}

func (h *HealthSupervisor) probeOnce(ctx context.Context, entry *logrus.Entry, b *Backend, s *ServerRuntime) {
	timeout := s.Def.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := h.runProbe(probeCtx, s.Def)

	if h.metrics != nil {
		success := "true"
		if err != nil {
			success = "false"
		}
		h.metrics.healthChecksTotal.WithLabelValues(s.Def.Name, success).Inc()
	}

	applied := make(chan bool, 1)
	go func() {
		rise := s.Def.Rise
		if rise <= 0 {
			rise = 2
		}
		fall := s.Def.Fall
		if fall <= 0 {
			fall = 3
		}
		var transitioned bool
		if err == nil {
			transitioned = s.recordSuccess(rise)
		} else {
			transitioned = s.recordFailure(fall)
		}
		applied <- transitioned
	}()

	select {
	case transitioned := <-applied:
		if transitioned {
			if err == nil {
				entry.Info("server transitioned to up")
			} else {
				entry.WithError(err).Warn("server transitioned to down")
			}
		}
		if h.metrics != nil {
			up := 0.0
			if s.Status() == StatusUp {
				up = 1.0
			}
			h.metrics.serverStatus.WithLabelValues(s.Def.Name).Set(up)
		}
	case <-time.After(defaultPublishDeadline):
		entry.Warn("suspected deadlock publishing health check result, will retry next cycle")
	}
}

// runProbe executes exactly one health check attempt according to the
// server's configured CheckMode.
func (h *HealthSupervisor) runProbe(ctx context.Context, def *ServerDef) error {
	switch def.CheckMode {
	case CheckHTTP:
		return probeHTTP(ctx, h.client, def)
	case CheckTCPPayload:
		return probeTCPPayload(ctx, def)
	default:
		return probeTCP(ctx, def)
	}
}

// probeTCP is a bare TCP-connect check: success is a successful dial.
func probeTCP(ctx context.Context, def *ServerDef) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(def.Address, fmt.Sprintf("%d", def.Port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// probeHTTP issues a GET to def.CheckPath and requires a 2xx response.
func probeHTTP(ctx context.Context, client *http.Client, def *ServerDef) error {
	path := def.CheckPath
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("http://%s:%d%s", def.Address, def.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check http status %d", resp.StatusCode)
	}
	return nil
}

// probeTCPPayload dials, writes CheckPayload, and if CheckExpect is set,
// requires the first len(CheckExpect) bytes of the response to equal it.
func probeTCPPayload(ctx context.Context, def *ServerDef) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(def.Address, fmt.Sprintf("%d", def.Port)))
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if len(def.CheckPayload) > 0 {
		if _, err := conn.Write(def.CheckPayload); err != nil {
			return err
		}
	}
	if len(def.CheckExpect) == 0 {
		return nil
	}

	buf := make([]byte, len(def.CheckExpect))
	n, err := io.ReadFull(conn, buf)
	if err != nil && n == 0 {
		return err
	}
	if !bytes.Contains(buf[:n], def.CheckExpect) {
		return fmt.Errorf("health check response did not contain expected payload")
	}
	return nil
}
