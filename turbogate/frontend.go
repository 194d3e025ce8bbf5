package turbogate

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GlobalLimits holds the process-wide admission knobs set in the config's
// global section: the hard cap on concurrently active connections across
// every frontend.
type GlobalLimits struct {
	MaxConn int64 // 0 = unlimited
}

// Frontend owns one or more listening sockets for a single FrontendDef and
// runs the accept loop that dispatches each connection through ACL-based
// backend selection and the chosen backend's admission filter chain before
// handing it to handleConnection. Each bind gets its own raw net.Listener
// accept loop rather than an http.Server, since turbogate operates at the
// TCP level.
type Frontend struct {
	Def     *FrontendDef
	Pool    *Pool
	Global  *GlobalLimits
	Metrics *Metrics
	Log     *logrus.Entry

	activeGlobal  *int64 // shared counter across all frontends
	activeLocal   int64  // atomic, this frontend only

	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewFrontend builds a Frontend. activeGlobal is a pointer to a counter
// shared by every frontend in the runtime, so the global maxconn cap applies
// across the whole process rather than per-frontend.
func NewFrontend(def *FrontendDef, pool *Pool, global *GlobalLimits, activeGlobal *int64, metrics *Metrics, log *logrus.Entry) *Frontend {
	return &Frontend{
		Def:          def,
		Pool:         pool,
		Global:       global,
		Metrics:      metrics,
		Log:          log.WithField("frontend", def.Name),
		activeGlobal: activeGlobal,
	}
}

// Listen opens a net.Listener for every bind address configured on this
// frontend. Call before Serve.
func (f *Frontend) Listen() error {
	for _, bind := range f.Def.Binds {
		l, err := net.Listen("tcp", bind)
		if err != nil {
			return wrapConfig(err, "frontend "+f.Def.Name+": listen "+bind)
		}
		f.listeners = append(f.listeners, l)
	}
	return nil
}

// Serve runs the accept loop on every listener until ctx is cancelled, then
// closes the listeners and returns once all accept-loop goroutines have
// exited. Live connection handler goroutines are not waited on; they are
// left to finish on their own.
func (f *Frontend) Serve(ctx context.Context) {
	for _, l := range f.listeners {
		f.wg.Add(1)
		go f.acceptLoop(ctx, l)
	}
	<-ctx.Done()
	for _, l := range f.listeners {
		l.Close()
	}
	f.wg.Wait()
}

func (f *Frontend) acceptLoop(ctx context.Context, l net.Listener) {
	defer f.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				f.Log.WithError(err).Warn("accept error")
				continue
			}
		}
		go f.handle(ctx, conn)
	}
}

func (f *Frontend) handle(ctx context.Context, conn net.Conn) {
	correlationID := uuid.NewString()
	entry := f.Log.WithField("correlation_id", correlationID)

	// Reserve both counters up front via CAS loops so that a burst of
	// concurrent connections can never all observe room under the cap and
	// all proceed: only as many goroutines as there is room for can win the
	// increment, the rest see the cap immediately and are rejected.
	if !f.reserveGlobalSlot() {
		f.reject(conn, "maxconn_limit", entry)
		return
	}
	if !f.reserveLocalSlot() {
		atomic.AddInt64(f.activeGlobal, -1)
		f.reject(conn, "maxconn_limit", entry)
		return
	}
	if f.Metrics != nil {
		f.Metrics.connectionsTotal.WithLabelValues(f.Def.Name).Inc()
		f.Metrics.activeConnections.WithLabelValues(f.Def.Name).Inc()
	}
	releaseSlots := func() {
		atomic.AddInt64(f.activeGlobal, -1)
		atomic.AddInt64(&f.activeLocal, -1)
		if f.Metrics != nil {
			f.Metrics.activeConnections.WithLabelValues(f.Def.Name).Dec()
		}
	}

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		releaseSlots()
		conn.Close()
		return
	}
	clientIP := net.ParseIP(host)
	clientPort := atoiSafe(portStr)
	_, frontPortStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	frontPort := atoiSafe(frontPortStr)

	attrs := ConnAttrs{ClientIP: clientIP, ClientPort: clientPort, FrontPort: frontPort}

	backendName, ok := f.selectBackend(attrs)
	if !ok {
		releaseSlots()
		f.reject(conn, "acl_denied", entry)
		return
	}
	backend, ok := f.Pool.Backend(backendName)
	if !ok {
		entry.WithField("backend", backendName).Error("use_backend references unknown backend")
		releaseSlots()
		f.reject(conn, "acl_denied", entry)
		return
	}

	decision := backend.Limits.evaluate(clientIP, "")
	if !decision.allowed {
		releaseSlots()
		f.reject(conn, decision.reason, entry)
		return
	}

	server, ok := backend.Select(host)
	if !ok {
		releaseSlots()
		backend.Limits.connectionClosed(clientIP)
		f.reject(conn, "no_server_available", entry)
		return
	}

	defer func() {
		releaseSlots()
		backend.Limits.connectionClosed(clientIP)
	}()

	result := handleConnection(ctx, conn, backend, server, entry.WithField("backend", backend.Def.Name).WithField("server", server.Def.Name))

	if f.Metrics != nil {
		f.Metrics.requestsTotal.WithLabelValues(backend.Def.Name, server.Def.Name, result.status).Inc()
		f.Metrics.requestDurationMs.WithLabelValues(backend.Def.Name, server.Def.Name).Observe(float64(result.duration.Milliseconds()))
		f.Metrics.bytesTransferred.WithLabelValues(f.Def.Name, "sent").Add(float64(result.sentBytes))
		f.Metrics.bytesTransferred.WithLabelValues(f.Def.Name, "received").Add(float64(result.receivedBytes))
		if result.status != "success" {
			f.Metrics.connectionErrors.WithLabelValues(f.Def.Name, result.status).Inc()
		}
	}
}

// reserveGlobalSlot atomically claims one slot against the process-wide
// connection cap, returning false without side effects if the cap is
// already met. Unlimited (MaxConn <= 0) always succeeds.
func (f *Frontend) reserveGlobalSlot() bool {
	if f.Global.MaxConn <= 0 {
		atomic.AddInt64(f.activeGlobal, 1)
		return true
	}
	for {
		cur := atomic.LoadInt64(f.activeGlobal)
		if cur >= f.Global.MaxConn {
			return false
		}
		if atomic.CompareAndSwapInt64(f.activeGlobal, cur, cur+1) {
			return true
		}
	}
}

// reserveLocalSlot is reserveGlobalSlot's per-frontend counterpart.
func (f *Frontend) reserveLocalSlot() bool {
	if f.Def.MaxConn <= 0 {
		atomic.AddInt64(&f.activeLocal, 1)
		return true
	}
	for {
		cur := atomic.LoadInt64(&f.activeLocal)
		if cur >= int64(f.Def.MaxConn) {
			return false
		}
		if atomic.CompareAndSwapInt64(&f.activeLocal, cur, cur+1) {
			return true
		}
	}
}

// selectBackend evaluates this frontend's use_backend rules in order,
// falling back to DefaultBackend if none match.
func (f *Frontend) selectBackend(attrs ConnAttrs) (string, bool) {
	for _, rule := range f.Def.UseBackend {
		if rule.Condition == nil || rule.Condition.Evaluate(attrs) {
			return rule.Backend, true
		}
	}
	if f.Def.DefaultBackend != "" {
		return f.Def.DefaultBackend, true
	}
	return "", false
}

func (f *Frontend) reject(conn net.Conn, reason string, entry *logrus.Entry) {
	conn.Close()
	entry.WithField("reason", reason).Debug("connection rejected")
	if f.Metrics != nil {
		f.Metrics.connectionErrors.WithLabelValues(f.Def.Name, reason).Inc()
	}
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// StatsServer exposes /metrics and /healthz on a dedicated HTTP listener,
// separate from the proxied TCP frontends. Any other path returns 404.
type StatsServer struct {
	Addr    string
	Metrics *Metrics
	draining int32 // atomic bool
}

// SetDraining flips the /healthz response between 200 (serving) and 503
// (shutting down), set by the runtime as soon as shutdown begins.
func (s *StatsServer) SetDraining(draining bool) {
	v := int32(0)
	if draining {
		v = 1
	}
	atomic.StoreInt32(&s.draining, v)
}

func (s *StatsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&s.draining) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("draining"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return mux
}
