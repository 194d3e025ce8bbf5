package turbogate

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// LoadBalancer picks an eligible primary server for one connection. Backup
// fallback (Backend.Select's second pass) is handled uniformly outside any
// LoadBalancer implementation: backup selection wraps the chosen algorithm
// rather than being part of it.
type LoadBalancer interface {
	// Pick returns an eligible server, or false if none is eligible. srcIP
	// is only consulted by the source-hash policy.
	Pick(srcIP string) (*ServerRuntime, bool)
}

func newLoadBalancer(algo BalanceAlgorithm, servers []*ServerRuntime) (LoadBalancer, error) {
	switch algo {
	case "", AlgoRoundRobin:
		return &roundRobinBalancer{servers: servers}, nil
	case AlgoWeightedRoundRobin:
		return newWeightedRoundRobinBalancer(servers), nil
	case AlgoLeastConn:
		return &leastConnBalancer{servers: servers}, nil
	case AlgoSourceHash:
		return &sourceHashBalancer{servers: servers}, nil
	case AlgoRandom:
		return &randomBalancer{servers: servers}, nil
	default:
		return nil, errConfigf("unknown balance algorithm %q", algo)
	}
}

func eligibleServers(servers []*ServerRuntime) []*ServerRuntime {
	out := make([]*ServerRuntime, 0, len(servers))
	for _, s := range servers {
		if s.eligible() {
			out = append(out, s)
		}
	}
	return out
}

// roundRobinBalancer cycles through eligible servers in declaration order
// using a single atomic cursor. Ineligible servers are skipped rather than
// counted, so the cursor's meaning shifts as servers flap; the eligible set
// is filtered to "up" servers before indexing.
type roundRobinBalancer struct {
	servers []*ServerRuntime
	cursor  uint64 // atomic
}

func (r *roundRobinBalancer) Pick(string) (*ServerRuntime, bool) {
	elig := eligibleServers(r.servers)
	if len(elig) == 0 {
		return nil, false
	}
	i := atomic.AddUint64(&r.cursor, 1)
	return elig[i%uint64(len(elig))], true
}

// leastConnBalancer picks the eligible server with the fewest active
// connections, breaking ties randomly so that a cold pool does not pin every
// new connection to the first server in declaration order.
type leastConnBalancer struct {
	servers []*ServerRuntime
}

func (l *leastConnBalancer) Pick(string) (*ServerRuntime, bool) {
	elig := eligibleServers(l.servers)
	if len(elig) == 0 {
		return nil, false
	}
	best := elig[0]
	bestCount := best.ActiveConnections()
	ties := []*ServerRuntime{best}
	for _, s := range elig[1:] {
		c := s.ActiveConnections()
		switch {
		case c < bestCount:
			best, bestCount = s, c
			ties = ties[:0]
			ties = append(ties, s)
		case c == bestCount:
			ties = append(ties, s)
		}
	}
	if len(ties) == 1 {
		return ties[0], true
	}
	return ties[rand.Intn(len(ties))], true
}

// randomBalancer picks a uniformly random eligible server.
type randomBalancer struct {
	servers []*ServerRuntime
}

func (r *randomBalancer) Pick(string) (*ServerRuntime, bool) {
	elig := eligibleServers(r.servers)
	if len(elig) == 0 {
		return nil, false
	}
	return elig[rand.Intn(len(elig))], true
}

// sourceHashBalancer maps each client IP deterministically onto one of the
// currently-eligible servers via xxhash, so repeat connections from the same
// client land on the same server as long as the eligible set doesn't change
// (classic consistent-ish hashing without the ring; a flap reshuffles
// everyone, a known limitation of plain hash-mod source affinity). turbogate
// commits to the direct hash-mod mapping since xxhash makes it cheap enough
// to recompute per connection.
type sourceHashBalancer struct {
	servers []*ServerRuntime
}

func (s *sourceHashBalancer) Pick(srcIP string) (*ServerRuntime, bool) {
	elig := eligibleServers(s.servers)
	if len(elig) == 0 {
		return nil, false
	}
	h := uint32(xxhash.Sum64String(srcIP))
	return elig[h%uint32(len(elig))], true
}

// weightedRoundRobinBalancer implements smooth weighted round-robin: each
// pick advances every eligible server's current-weight by its configured
// weight, then selects and discounts the maximum by the sum of weights. This
// is the same smooth weighted round-robin algorithm nginx and haproxy use.
type weightedRoundRobinBalancer struct {
	mu      sync.Mutex
	servers []*ServerRuntime
	current map[string]int // server name -> current weight
}

func newWeightedRoundRobinBalancer(servers []*ServerRuntime) *weightedRoundRobinBalancer {
	return &weightedRoundRobinBalancer{
		servers: servers,
		current: make(map[string]int, len(servers)),
	}
}

func (w *weightedRoundRobinBalancer) Pick(string) (*ServerRuntime, bool) {
	elig := eligibleServers(w.servers)
	if len(elig) == 0 {
		return nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	var best *ServerRuntime
	bestWeight := 0
	for _, s := range elig {
		weight := s.Def.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight

		cur := w.current[s.Def.Name] + weight
		w.current[s.Def.Name] = cur
		if best == nil || cur > bestWeight {
			best, bestWeight = s, cur
		}
	}
	w.current[best.Def.Name] = bestWeight - total
	return best, true
}
