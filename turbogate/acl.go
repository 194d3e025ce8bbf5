package turbogate

import (
	"net"
	"strconv"
	"strings"
)

// AclPredicate evaluates to true/false against the attributes of an accepted
// connection. Only a small L4 subset (source IP, source/destination port)
// actually inspects the connection; any other named criterion
// (hostname/path/header/...) evaluates as a tautology, since those are L7
// concepts with no meaning at the TCP level turbogate operates at.
type AclPredicate interface {
	Evaluate(c ConnAttrs) bool
}

// ConnAttrs are the connection attributes L4 ACLs may inspect.
type ConnAttrs struct {
	ClientIP   net.IP
	ClientPort int
	FrontPort  int
}

// srcIPPredicate implements `src CIDR`.
type srcIPPredicate struct {
	net *net.IPNet
}

func (p srcIPPredicate) Evaluate(c ConnAttrs) bool {
	return p.net.Contains(c.ClientIP)
}

// srcPortPredicate implements `src_port N`.
type srcPortPredicate struct {
	port int
}

func (p srcPortPredicate) Evaluate(c ConnAttrs) bool {
	return c.ClientPort == p.port
}

// dstPortPredicate implements `dst_port N`.
type dstPortPredicate struct {
	port int
}

func (p dstPortPredicate) Evaluate(c ConnAttrs) bool {
	return c.FrontPort == p.port
}

// tautologyPredicate is any L7-only criterion (hostname/path/header/...)
// that this L4 core cannot evaluate. It always permits.
type tautologyPredicate struct{}

func (tautologyPredicate) Evaluate(ConnAttrs) bool { return true }

// negatedPredicate wraps another predicate with `!`.
type negatedPredicate struct {
	inner AclPredicate
}

func (p negatedPredicate) Evaluate(c ConnAttrs) bool {
	return !p.inner.Evaluate(c)
}

// andPredicate is the implicit AND of a space-separated ACL definition that
// lists multiple criteria (haproxy ACLs AND their conditions together when
// given on one line).
type andPredicate struct {
	terms []AclPredicate
}

func (p andPredicate) Evaluate(c ConnAttrs) bool {
	for _, t := range p.terms {
		if !t.Evaluate(c) {
			return false
		}
	}
	return true
}

// parseAclCriterion parses one `acl NAME CRITERION` definition body (the
// part after the name) into a predicate: `src CIDR`, `src_port N`,
// `dst_port N`; anything else is a recognized-but-inert L7 criterion.
func parseAclCriterion(criterion string) (AclPredicate, error) {
	fields := strings.Fields(criterion)
	if len(fields) == 0 {
		return nil, errConfigf("empty ACL criterion")
	}

	switch fields[0] {
	case "src":
		if len(fields) < 2 {
			return nil, errConfigf("acl: 'src' requires a CIDR or IP argument")
		}
		ipnet, err := parseCIDROrIP(fields[1])
		if err != nil {
			return nil, errConfigf("acl: invalid src argument %q: %v", fields[1], err)
		}
		return srcIPPredicate{net: ipnet}, nil
	case "src_port":
		if len(fields) < 2 {
			return nil, errConfigf("acl: 'src_port' requires a port argument")
		}
		p, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errConfigf("acl: invalid src_port argument %q", fields[1])
		}
		return srcPortPredicate{port: p}, nil
	case "dst_port":
		if len(fields) < 2 {
			return nil, errConfigf("acl: 'dst_port' requires a port argument")
		}
		p, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errConfigf("acl: invalid dst_port argument %q", fields[1])
		}
		return dstPortPredicate{port: p}, nil
	default:
		// hostname/path/header/etc: recognized L7 grammar, inert at L4.
		return tautologyPredicate{}, nil
	}
}

// parseUseBackendCondition parses the `if CONDITION` tail of a use_backend
// line into a predicate referencing previously-declared ACL names, applying
// `!` negation per-name. A condition naming an unknown ACL is treated as a
// tautology (permit) consistent with unknown/L7 criteria being inert.
func parseUseBackendCondition(condition string, acls map[string]AclPredicate) AclPredicate {
	names := strings.Fields(condition)
	if len(names) == 0 {
		return tautologyPredicate{}
	}
	terms := make([]AclPredicate, 0, len(names))
	for _, n := range names {
		negate := false
		if strings.HasPrefix(n, "!") {
			negate = true
			n = n[1:]
		}
		p, ok := acls[n]
		if !ok {
			p = tautologyPredicate{}
		}
		if negate {
			p = negatedPredicate{inner: p}
		}
		terms = append(terms, p)
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return andPredicate{terms: terms}
}

// parseCIDROrIP accepts either a bare IP (treated as a /32 or /128) or a
// CIDR block. The same helper backs both ACL `src` predicates and
// allow/deny-list entries, so there is exactly one CIDR code path in the
// repo.
func parseCIDROrIP(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		return ipnet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errConfigf("not a valid IP or CIDR: %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
