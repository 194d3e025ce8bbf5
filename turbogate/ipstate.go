package turbogate

import (
	"sync"
	"time"
)

// ipActivity is the per-client-IP bookkeeping backing the rate-limit and
// connection-cap admission filters. One instance is created lazily per
// source IP the first time it is seen on a given backend's ipTable.
type ipActivity struct {
	mu sync.Mutex

	windowStart     time.Time
	requestsInWindow int

	activeConnections int
}

// ipTable is a sharded map of client IP string -> *ipActivity, scoped to one
// backend. Sharding follows shardedMap so that unrelated client IPs never
// contend on the same lock.
type ipTable struct {
	sm *shardedMap
}

func newIPTable() *ipTable {
	return &ipTable{sm: newShardedMap()}
}

func (t *ipTable) activityFor(ip string) *ipActivity {
	v := t.sm.getOrCreate(ip, func() interface{} {
		return &ipActivity{windowStart: time.Now()}
	})
	return v.(*ipActivity)
}

// checkAndIncrementRate applies a fixed-window request counter. Returns
// false once the window's count reaches limit; the window resets lazily the
// next time it is found to be stale rather than via a separate ticker per
// IP.
func (t *ipTable) checkAndIncrementRate(ip string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	a := t.activityFor(ip)
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if now.Sub(a.windowStart) >= window {
		a.windowStart = now
		a.requestsInWindow = 0
	}
	if a.requestsInWindow >= limit {
		return false
	}
	a.requestsInWindow++
	return true
}

// checkConnectionLimit reports whether ip may open one more connection given
// maxPerIP (0 = unlimited), and if so reserves the slot.
func (t *ipTable) checkConnectionLimit(ip string, maxPerIP int) bool {
	if maxPerIP <= 0 {
		return true
	}
	a := t.activityFor(ip)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeConnections >= maxPerIP {
		return false
	}
	a.activeConnections++
	return true
}

// connectionClosed releases a connection slot previously reserved by
// checkConnectionLimit. Safe to call even if the limit was unlimited (no-op
// floor at zero).
func (t *ipTable) connectionClosed(ip string) {
	a := t.activityFor(ip)
	a.mu.Lock()
	if a.activeConnections > 0 {
		a.activeConnections--
	}
	a.mu.Unlock()
}

// sweep drops per-IP entries that have been idle for longer than maxAge,
// bounding ipTable memory under churn from transient source IPs. Run
// periodically by the admission controller.
func (t *ipTable) sweep(maxAge time.Duration) {
	now := time.Now()
	var stale []string
	t.sm.forEach(func(key string, v interface{}) {
		a := v.(*ipActivity)
		a.mu.Lock()
		idle := a.activeConnections == 0 && now.Sub(a.windowStart) >= maxAge
		a.mu.Unlock()
		if idle {
			stale = append(stale, key)
		}
	})
	for _, key := range stale {
		t.sm.delete(key)
	}
}
