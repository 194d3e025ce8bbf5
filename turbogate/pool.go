package turbogate

import "fmt"

// Backend bundles a BackendDef with the runtime state of each of its
// servers and its admission-control limiters. This is the unit the
// balancer and admission filter chain both operate against.
type Backend struct {
	Def     *BackendDef
	Servers []*ServerRuntime
	Limits  *backendLimiters

	balancer LoadBalancer
}

// Pool is the process-wide registry of backends, built once from the parsed
// config at startup and read-only thereafter except for the mutable runtime
// state (*ServerRuntime, *backendLimiters) each Backend owns. turbogate keeps
// one Backend per configured backend section since algorithm, timeouts, and
// admission policy are all scoped per backend rather than globally.
type Pool struct {
	byName map[string]*Backend
	order  []string
}

// NewPool constructs a Pool from parsed backend definitions, wiring each
// server's runtime state, its admission limiters, and its load-balancer
// policy instance. Returns an error if two backends share a name or if a
// backend lists an unknown algorithm.
func NewPool(defs []*BackendDef) (*Pool, error) {
	p := &Pool{byName: make(map[string]*Backend, len(defs))}
	for _, def := range defs {
		if _, exists := p.byName[def.Name]; exists {
			return nil, errConfigf("duplicate backend name %q", def.Name)
		}
		b := &Backend{Def: def, Limits: newBackendLimiters(def)}
		for _, sd := range def.Servers {
			b.Servers = append(b.Servers, NewServerRuntime(sd))
		}
		bal, err := newLoadBalancer(def.Algorithm, b.Servers)
		if err != nil {
			return nil, wrapConfig(err, fmt.Sprintf("backend %q", def.Name))
		}
		b.balancer = bal

		p.byName[def.Name] = b
		p.order = append(p.order, def.Name)
	}
	return p, nil
}

// Backend looks up a backend by name.
func (p *Pool) Backend(name string) (*Backend, bool) {
	b, ok := p.byName[name]
	return b, ok
}

// Names returns backend names in declaration order, so output built from it
// is stable across calls.
func (p *Pool) Names() []string {
	return p.order
}

// All returns every backend in declaration order.
func (p *Pool) All() []*Backend {
	out := make([]*Backend, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.byName[name])
	}
	return out
}

// ServerByName finds a server runtime within this backend by server name.
func (b *Backend) ServerByName(name string) (*ServerRuntime, bool) {
	for _, s := range b.Servers {
		if s.Def.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Select picks the next server to receive a connection from srcIP, applying
// the backend's configured algorithm and falling back to a backup server
// when no primary server is eligible. Returns false if no server at all
// (primary or backup) is currently eligible.
func (b *Backend) Select(srcIP string) (*ServerRuntime, bool) {
	if s, ok := b.balancer.Pick(srcIP); ok {
		return s, true
	}
	return pickBackup(b.Servers)
}

// pickBackup returns the first eligible backup server in declaration order.
// Backup selection is ordered, not load-balanced: backups are a last resort,
// not a second pool.
func pickBackup(servers []*ServerRuntime) (*ServerRuntime, bool) {
	for _, s := range servers {
		if s.eligibleBackup() {
			return s, true
		}
	}
	return nil, false
}
