package turbogate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newRuntimeServers(n int, weight int) []*ServerRuntime {
	out := make([]*ServerRuntime, n)
	for i := 0; i < n; i++ {
		def := &ServerDef{Name: string(rune('a' + i)), Weight: weight}
		out[i] = NewServerRuntime(def)
	}
	return out
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	servers := newRuntimeServers(2, 1)
	rr := &roundRobinBalancer{servers: servers}

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		s, ok := rr.Pick("")
		require.True(t, ok)
		counts[s.Def.Name]++
	}
	require.Equal(t, 4, counts["a"])
	require.Equal(t, 4, counts["b"])
}

func TestRoundRobinSkipsIneligible(t *testing.T) {
	servers := newRuntimeServers(2, 1)
	servers[0].setStatus(StatusDown)
	rr := &roundRobinBalancer{servers: servers}

	for i := 0; i < 4; i++ {
		s, ok := rr.Pick("")
		require.True(t, ok)
		require.Equal(t, "b", s.Def.Name)
	}
}

func TestWeightedRoundRobinDistributesProportionally(t *testing.T) {
	servers := []*ServerRuntime{
		NewServerRuntime(&ServerDef{Name: "a", Weight: 3}),
		NewServerRuntime(&ServerDef{Name: "b", Weight: 2}),
		NewServerRuntime(&ServerDef{Name: "c", Weight: 1}),
	}
	wrr := newWeightedRoundRobinBalancer(servers)

	counts := map[string]int{}
	for i := 0; i < 60; i++ {
		s, ok := wrr.Pick("")
		require.True(t, ok)
		counts[s.Def.Name]++
	}
	require.Equal(t, 30, counts["a"])
	require.Equal(t, 20, counts["b"])
	require.Equal(t, 10, counts["c"])
}

func TestLeastConnPicksFewestActive(t *testing.T) {
	servers := newRuntimeServers(3, 1)
	servers[0].IncActive()
	servers[0].IncActive()
	servers[1].IncActive()

	lc := &leastConnBalancer{servers: servers}
	s, ok := lc.Pick("")
	require.True(t, ok)
	require.Equal(t, "c", s.Def.Name)
}

func TestSourceHashIsStablePerClient(t *testing.T) {
	servers := newRuntimeServers(4, 1)
	sh := &sourceHashBalancer{servers: servers}

	first, ok := sh.Pick("203.0.113.7")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := sh.Pick("203.0.113.7")
		require.True(t, ok)
		require.Equal(t, first.Def.Name, again.Def.Name)
	}
}

func TestBackupFallbackWhenNoPrimaryEligible(t *testing.T) {
	primary := NewServerRuntime(&ServerDef{Name: "primary", Weight: 1})
	primary.setStatus(StatusDown)
	backup := NewServerRuntime(&ServerDef{Name: "backup", Backup: true})

	servers := []*ServerRuntime{primary, backup}
	rr := &roundRobinBalancer{servers: servers}

	_, ok := rr.Pick("")
	require.False(t, ok, "balancer itself should not pick from backup set")

	picked, ok := pickBackup(servers)
	require.True(t, ok)
	require.Equal(t, "backup", picked.Def.Name)
}

func TestNewLoadBalancerRejectsUnknownAlgorithm(t *testing.T) {
	_, err := newLoadBalancer(BalanceAlgorithm("bogus"), nil)
	require.Error(t, err)
}
