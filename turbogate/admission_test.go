package turbogate

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendLimitersAllowsWhenUnconfigured(t *testing.T) {
	def := &BackendDef{Name: "be"}
	lim := newBackendLimiters(def)

	decision := lim.evaluate(net.ParseIP("192.0.2.1"), "")
	require.True(t, decision.allowed)
}

func TestBackendLimitersDenylistRejects(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("198.51.100.0/24")
	def := &BackendDef{
		Name: "be",
		DdosProtection: &DdosConfig{
			Enabled:  true,
			Denylist: []*net.IPNet{cidr},
		},
	}
	lim := newBackendLimiters(def)

	decision := lim.evaluate(net.ParseIP("198.51.100.5"), "")
	require.False(t, decision.allowed)
	require.Equal(t, "acl_denied", decision.reason)
}

func TestBackendLimitersAllowlistBypassesOtherChecks(t *testing.T) {
	_, allow, _ := net.ParseCIDR("203.0.113.0/24")
	def := &BackendDef{
		Name: "be",
		DdosProtection: &DdosConfig{
			Enabled:              true,
			Allowlist:            []*net.IPNet{allow},
			MaxRequestsPerMinute: 1,
			MaxConnectionsPerIP:  1,
		},
	}
	lim := newBackendLimiters(def)
	ip := net.ParseIP("203.0.113.5")

	for i := 0; i < 5; i++ {
		decision := lim.evaluate(ip, "")
		require.True(t, decision.allowed)
	}
}

func TestBackendLimitersConnectionCapRejects(t *testing.T) {
	def := &BackendDef{
		Name: "be",
		DdosProtection: &DdosConfig{
			Enabled:             true,
			MaxConnectionsPerIP: 1,
		},
	}
	lim := newBackendLimiters(def)
	ip := net.ParseIP("192.0.2.9")

	first := lim.evaluate(ip, "")
	require.True(t, first.allowed)

	second := lim.evaluate(ip, "")
	require.False(t, second.allowed)
	require.Equal(t, "ddos_connection_limit", second.reason)

	lim.connectionClosed(ip)
	third := lim.evaluate(ip, "")
	require.True(t, third.allowed)
}

func TestBackendLimitersTokenBucketRejectsBurst(t *testing.T) {
	def := &BackendDef{
		Name: "be",
		RateLimit: &RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1,
			Burst:             2,
		},
	}
	lim := newBackendLimiters(def)
	ip := net.ParseIP("192.0.2.10")

	allowed := 0
	for i := 0; i < 10; i++ {
		if lim.evaluate(ip, "").allowed {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, 2)
	require.Greater(t, allowed, 0)
}

func TestIPTableSweepRemovesIdleEntries(t *testing.T) {
	tbl := newIPTable()
	tbl.checkAndIncrementRate("1.2.3.4", 100, 0)

	_, existsBefore := tbl.sm.get("1.2.3.4")
	require.True(t, existsBefore)

	tbl.sweep(0)
	_, existsAfter := tbl.sm.get("1.2.3.4")
	require.False(t, existsAfter)
}
