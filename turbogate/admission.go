package turbogate

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig is the per-backend request-rate admission filter: a
// per-IP token bucket. golang.org/x/time/rate.Limiter implements the bucket
// itself.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// DdosConfig is the per-backend connection-cap / allow-deny / suspicious-UA
// admission filter.
type DdosConfig struct {
	Enabled                bool
	MaxRequestsPerMinute   int
	MaxConnectionsPerIP    int
	SuspiciousPatterns     []string
	Allowlist              []*net.IPNet
	Denylist               []*net.IPNet
	ResetIntervalSeconds   int
}

// admissionDecision is the outcome of running one accepted connection through
// a backend's filter chain, and if rejected, which filter rejected it (used
// for the turbogate_connection_errors_total "error_type" label).
type admissionDecision struct {
	allowed bool
	reason  string
}

func allow() admissionDecision   { return admissionDecision{allowed: true} }
func reject(reason string) admissionDecision { return admissionDecision{allowed: false, reason: reason} }

// backendLimiters bundles the mutable admission-control state scoped to one
// backend: the per-IP rate limiters, the shared ipTable, and the compiled
// allow/deny lists. One instance is created per BackendDef at startup and
// lives for the process lifetime.
type backendLimiters struct {
	def *BackendDef

	ips *ipTable

	rateMu   sync.Mutex
	rateByIP map[string]*rate.Limiter
}

func newBackendLimiters(def *BackendDef) *backendLimiters {
	return &backendLimiters{
		def:      def,
		ips:      newIPTable(),
		rateByIP: make(map[string]*rate.Limiter),
	}
}

func (b *backendLimiters) limiterFor(ip string) *rate.Limiter {
	rl := b.def.RateLimit
	b.rateMu.Lock()
	defer b.rateMu.Unlock()
	lim, ok := b.rateByIP[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst)
		b.rateByIP[ip] = lim
	}
	return lim
}

// evaluate runs the admission filter chain for one newly-accepted connection
// against this backend, in order: allow/deny list, then per-IP token-bucket
// rate limit, then per-IP connection cap, then suspicious-UA substring
// match. The allow/deny list and DDoS filters
// are only consulted when DdosProtection is configured and enabled; rate
// limiting only when RateLimit is configured and enabled. A connection with
// neither configured on its backend is unconditionally allowed here (the
// global cap and ACL/use_backend selection happen earlier, in the frontend
// accept loop).
func (b *backendLimiters) evaluate(ip net.IP, userAgent string) admissionDecision {
	ipStr := ip.String()

	ddos := b.def.DdosProtection
	ddosOn := ddos != nil && ddos.Enabled
	whitelisted := false
	if ddosOn {
		for _, n := range ddos.Denylist {
			if n.Contains(ip) {
				return reject("acl_denied")
			}
		}
		for _, n := range ddos.Allowlist {
			if n.Contains(ip) {
				whitelisted = true
				break
			}
		}
	}

	if rl := b.def.RateLimit; rl != nil && rl.Enabled {
		if !b.limiterFor(ipStr).Allow() {
			return reject("rate_limit_exceeded")
		}
	}

	if ddosOn && !whitelisted {
		if !b.ips.checkAndIncrementRate(ipStr, ddos.MaxRequestsPerMinute, time.Minute) {
			return reject("rate_limit_exceeded")
		}
		if !b.ips.checkConnectionLimit(ipStr, ddos.MaxConnectionsPerIP) {
			return reject("ddos_connection_limit")
		}
		for _, pat := range ddos.SuspiciousPatterns {
			if pat != "" && strings.Contains(strings.ToLower(userAgent), strings.ToLower(pat)) {
				return reject("suspicious_pattern")
			}
		}
	}

	return allow()
}

// connectionClosed releases the per-IP connection-cap slot reserved by
// evaluate's checkConnectionLimit call. Frontend.handle calls this for every
// connection that passed evaluate: in its deferred cleanup once the
// connection ends, or directly when no server is available.
func (b *backendLimiters) connectionClosed(ip net.IP) {
	if ddos := b.def.DdosProtection; ddos != nil && ddos.Enabled {
		b.ips.connectionClosed(ip.String())
	}
}

// sweep is invoked periodically by the runtime's housekeeping ticker to
// bound ipTable growth; see ipTable.sweep.
func (b *backendLimiters) sweep() {
	maxAge := 10 * time.Minute
	if ddos := b.def.DdosProtection; ddos != nil && ddos.ResetIntervalSeconds > 0 {
		maxAge = time.Duration(ddos.ResetIntervalSeconds) * time.Second
	}
	b.ips.sweep(maxAge)
}
