package turbogate

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-parsed, validated configuration for one process
// lifetime. Config values are immutable after Load returns; there is no hot
// reload.
type Config struct {
	Global    GlobalConfig
	Frontends []*FrontendDef
	Backends  []*BackendDef
	StatsBind string
}

// GlobalConfig carries the `global` section's directives.
type GlobalConfig struct {
	MaxConn int
	Log     string
	Daemon  bool
	PidFile string
}

// sectionDefaults carries the `defaults` section's directives. Timeouts and
// retries are copied into every backend declared after them, which may then
// override them; frontends take nothing from defaults. turbogate treats `mode
// http` identically to `mode tcp` at runtime, and only stores the value for
// diagnostic/passthrough purposes.
type sectionDefaults struct {
	mode     string
	timeouts Timeouts
	retries  int
}

// tuningOverlay is the optional --tuning YAML document: it may override
// rate-limit/ddos-protection numeric knobs per backend without touching the
// directive file. Unknown backend names in the overlay are a validation
// error, same as an unknown use_backend target.
type tuningOverlay struct {
	Backends map[string]struct {
		RateLimit *struct {
			RequestsPerSecond *float64 `yaml:"requests_per_second"`
			Burst             *int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		DdosProtection *struct {
			MaxRequestsPerMinute *int `yaml:"max_requests_per_minute"`
			MaxConnectionsPerIP  *int `yaml:"max_connections_per_ip"`
			ResetIntervalSeconds *int `yaml:"reset_interval_seconds"`
		} `yaml:"ddos_protection"`
	} `yaml:"backends"`
}

// parserState is the section currently being accumulated while scanning the
// directive file.
type parserState struct {
	cfg *Config

	defaults sectionDefaults
	curFront *frontendBuilder
	curBack  *backendBuilder
}

type frontendBuilder struct {
	def *FrontendDef
	acl map[string]AclPredicate
}

type backendBuilder struct {
	def *BackendDef
}

// LoadConfig reads and parses the directive file at path, applies the
// optional tuning overlay (if tuningPath is non-empty), and validates
// cross-references. No off-the-shelf library parses this haproxy-style
// line-oriented section grammar, so it is hand-written with bufio.Scanner
// rather than reflection-based binding.
func LoadConfig(path string, tuningPath string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapConfig(err, "open config file")
	}
	defer f.Close()

	cfg, err := parseDirectiveFile(f)
	if err != nil {
		return nil, err
	}

	if tuningPath != "" {
		if err := applyTuningOverlay(cfg, tuningPath); err != nil {
			return nil, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDirectiveFile(r io.Reader) (*Config, error) {
	cfg := &Config{}
	st := &parserState{cfg: cfg}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := st.dispatch(line); err != nil {
			return nil, wrapConfig(err, "line "+strconv.Itoa(lineNo))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapConfig(err, "reading config file")
	}
	st.closeFrontend()
	st.closeBackend()
	return cfg, nil
}

func (st *parserState) dispatch(line string) error {
	fields := strings.Fields(line)
	head := fields[0]

	switch {
	case head == "global":
		st.closeFrontend()
		st.closeBackend()
		return nil
	case head == "defaults":
		st.closeFrontend()
		st.closeBackend()
		return nil
	case head == "frontend":
		st.closeFrontend()
		st.closeBackend()
		if len(fields) < 2 {
			return errConfigf("frontend: missing name")
		}
		st.curFront = &frontendBuilder{
			def: &FrontendDef{Name: fields[1]},
			acl: make(map[string]AclPredicate),
		}
		return nil
	case head == "backend":
		st.closeFrontend()
		st.closeBackend()
		if len(fields) < 2 {
			return errConfigf("backend: missing name")
		}
		st.curBack = &backendBuilder{
			def: &BackendDef{Name: fields[1], Algorithm: AlgoRoundRobin, Timeouts: st.defaults.timeouts, Retries: st.defaults.retries},
		}
		return nil
	case head == "stats":
		// process-wide, so accepted inside any section.
		return st.applyStats(fields)
	}

	switch {
	case st.curFront != nil:
		return st.dispatchFrontend(fields)
	case st.curBack != nil:
		return st.dispatchBackend(fields)
	default:
		return st.dispatchTopLevel(fields)
	}
}

func (st *parserState) closeFrontend() {
	if st.curFront != nil {
		st.cfg.Frontends = append(st.cfg.Frontends, st.curFront.def)
		st.curFront = nil
	}
}

func (st *parserState) closeBackend() {
	if st.curBack != nil {
		st.cfg.Backends = append(st.cfg.Backends, st.curBack.def)
		st.curBack = nil
	}
}

// dispatchTopLevel handles lines directly inside `global`/`defaults` (no
// nested keyword, just key-value pairs at top level between section
// headers).
func (st *parserState) dispatchTopLevel(fields []string) error {
	switch fields[0] {
	case "maxconn":
		n, err := parseIntArg(fields, "maxconn")
		if err != nil {
			return err
		}
		st.cfg.Global.MaxConn = n
	case "log":
		st.cfg.Global.Log = strings.Join(fields[1:], " ")
	case "daemon":
		st.cfg.Global.Daemon = len(fields) > 1 && fields[1] == "on"
	case "pidfile":
		if len(fields) < 2 {
			return errConfigf("pidfile: missing path")
		}
		st.cfg.Global.PidFile = fields[1]
	case "mode":
		if len(fields) < 2 {
			return errConfigf("mode: missing value")
		}
		st.defaults.mode = fields[1]
	case "timeout":
		return st.applyTimeout(fields, &st.defaults.timeouts)
	case "retries":
		n, err := parseIntArg(fields, "retries")
		if err != nil {
			return err
		}
		st.defaults.retries = n
	case "stats":
		return st.applyStats(fields)
	default:
		// Unknown top-level directive: ignore rather than abort, so stub
		// sections (ssl/compression) parse without error.
		return nil
	}
	return nil
}

func (st *parserState) applyStats(fields []string) error {
	if len(fields) >= 3 && fields[1] == "bind" {
		st.cfg.StatsBind = fields[2]
		return nil
	}
	return nil
}

func (st *parserState) applyTimeout(fields []string, into *Timeouts) error {
	if len(fields) < 3 {
		return errConfigf("timeout: expected 'timeout KIND DURATION'")
	}
	d, err := parseDuration(fields[2])
	if err != nil {
		return errConfigf("timeout %s: %v", fields[1], err)
	}
	switch fields[1] {
	case "connect":
		into.Connect = d
	case "client":
		into.Client = d
	case "server":
		into.Server = d
	case "queue":
		into.Queue = d
	default:
		return errConfigf("timeout: unknown kind %q", fields[1])
	}
	return nil
}

func (st *parserState) dispatchFrontend(fields []string) error {
	fb := st.curFront
	switch fields[0] {
	case "bind":
		if len(fields) < 2 {
			return errConfigf("bind: missing address")
		}
		fb.def.Binds = append(fb.def.Binds, normalizeBind(fields[1]))
	case "default_backend":
		if len(fields) < 2 {
			return errConfigf("default_backend: missing name")
		}
		fb.def.DefaultBackend = fields[1]
	case "maxconn":
		n, err := parseIntArg(fields, "maxconn")
		if err != nil {
			return err
		}
		fb.def.MaxConn = n
	case "acl":
		if len(fields) < 3 {
			return errConfigf("acl: expected 'acl NAME CRITERION...'")
		}
		name := fields[1]
		pred, err := parseAclCriterion(strings.Join(fields[2:], " "))
		if err != nil {
			return err
		}
		fb.acl[name] = pred
	case "use_backend":
		if len(fields) < 2 {
			return errConfigf("use_backend: missing backend name")
		}
		rule := UseBackendRule{Backend: fields[1]}
		if len(fields) >= 4 && fields[2] == "if" {
			rule.Condition = parseUseBackendCondition(strings.Join(fields[3:], " "), fb.acl)
		}
		fb.def.UseBackend = append(fb.def.UseBackend, rule)
	case "mode", "timeout", "retries":
		// accepted for grammar compatibility, not meaningful per-frontend.
		return nil
	default:
		return nil
	}
	return nil
}

func (st *parserState) dispatchBackend(fields []string) error {
	bb := st.curBack
	switch fields[0] {
	case "balance":
		if len(fields) < 2 {
			return errConfigf("balance: missing algorithm")
		}
		algo := BalanceAlgorithm(normalizeAlgoName(fields[1]))
		switch algo {
		case AlgoRoundRobin, AlgoWeightedRoundRobin, AlgoLeastConn, AlgoSourceHash, AlgoRandom:
			bb.def.Algorithm = algo
		default:
			return errConfigf("balance: unknown algorithm %q", fields[1])
		}
	case "server":
		sd, err := parseServerLine(fields)
		if err != nil {
			return err
		}
		bb.def.Servers = append(bb.def.Servers, sd)
	case "timeout":
		return st.applyTimeout(fields, &bb.def.Timeouts)
	case "retries":
		n, err := parseIntArg(fields, "retries")
		if err != nil {
			return err
		}
		bb.def.Retries = n
	case "rate-limit":
		return applyRateLimit(bb.def, fields)
	case "ddos-protection":
		return applyDdosProtection(bb.def, fields)
	case "mode":
		return nil
	default:
		return nil
	}
	return nil
}

// parseServerLine parses `server NAME ADDR:PORT [weight N] [maxconn N]
// [check] [inter DURATION] [rise N] [fall N] [backup] [disabled]`.
func parseServerLine(fields []string) (*ServerDef, error) {
	if len(fields) < 3 {
		return nil, errConfigf("server: expected 'server NAME ADDR:PORT ...'")
	}
	host, portStr, err := net.SplitHostPort(fields[2])
	if err != nil {
		return nil, errConfigf("server %s: invalid address %q: %v", fields[1], fields[2], err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errConfigf("server %s: invalid port %q", fields[1], portStr)
	}

	sd := &ServerDef{
		Name:          fields[1],
		Address:       host,
		Port:          port,
		Weight:        1,
		ProbeInterval: 2 * time.Second,
		ProbeTimeout:  1 * time.Second,
		Rise:          2,
		Fall:          3,
		CheckMode:     CheckTCP,
	}

	rest := fields[3:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "weight":
			i++
			n, err := strconv.Atoi(argAt(rest, i))
			if err != nil {
				return nil, errConfigf("server %s: invalid weight", sd.Name)
			}
			sd.Weight = n
		case "maxconn":
			i++
			n, err := strconv.Atoi(argAt(rest, i))
			if err != nil {
				return nil, errConfigf("server %s: invalid maxconn", sd.Name)
			}
			sd.MaxConn = n
		case "check":
			sd.CheckEnabled = true
		case "inter":
			i++
			d, err := parseDuration(argAt(rest, i))
			if err != nil {
				return nil, errConfigf("server %s: invalid inter duration", sd.Name)
			}
			sd.ProbeInterval = d
		case "rise":
			i++
			n, err := strconv.Atoi(argAt(rest, i))
			if err != nil {
				return nil, errConfigf("server %s: invalid rise", sd.Name)
			}
			sd.Rise = n
		case "fall":
			i++
			n, err := strconv.Atoi(argAt(rest, i))
			if err != nil {
				return nil, errConfigf("server %s: invalid fall", sd.Name)
			}
			sd.Fall = n
		case "backup":
			sd.Backup = true
		case "disabled":
			sd.Disabled = true
		case "check_mode":
			i++
			switch argAt(rest, i) {
			case "http":
				sd.CheckMode = CheckHTTP
			case "tcp_payload":
				sd.CheckMode = CheckTCPPayload
			default:
				sd.CheckMode = CheckTCP
			}
		case "check_path":
			i++
			sd.CheckPath = argAt(rest, i)
		case "check_payload":
			i++
			sd.CheckPayload = []byte(argAt(rest, i))
		case "check_expect":
			i++
			sd.CheckExpect = []byte(argAt(rest, i))
		default:
			return nil, errConfigf("server %s: unknown option %q", sd.Name, rest[i])
		}
	}
	return sd, nil
}

func applyRateLimit(def *BackendDef, fields []string) error {
	if def.RateLimit == nil {
		def.RateLimit = &RateLimitConfig{Enabled: true, Burst: 1}
	}
	if len(fields) < 3 {
		return errConfigf("rate-limit: expected 'rate-limit KEY VALUE'")
	}
	switch fields[1] {
	case "requests-per-second":
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return errConfigf("rate-limit requests-per-second: invalid value %q", fields[2])
		}
		def.RateLimit.RequestsPerSecond = v
	case "burst-size":
		v, err := strconv.Atoi(fields[2])
		if err != nil {
			return errConfigf("rate-limit burst-size: invalid value %q", fields[2])
		}
		def.RateLimit.Burst = v
	default:
		return errConfigf("rate-limit: unknown key %q", fields[1])
	}
	return nil
}

func applyDdosProtection(def *BackendDef, fields []string) error {
	if def.DdosProtection == nil {
		def.DdosProtection = &DdosConfig{Enabled: true, ResetIntervalSeconds: 60}
	}
	d := def.DdosProtection
	if len(fields) < 3 {
		return errConfigf("ddos-protection: expected 'ddos-protection KEY VALUE'")
	}
	switch fields[1] {
	case "max-requests-per-minute":
		v, err := strconv.Atoi(fields[2])
		if err != nil {
			return errConfigf("ddos-protection max-requests-per-minute: invalid value")
		}
		d.MaxRequestsPerMinute = v
	case "max-connections-per-ip":
		v, err := strconv.Atoi(fields[2])
		if err != nil {
			return errConfigf("ddos-protection max-connections-per-ip: invalid value")
		}
		d.MaxConnectionsPerIP = v
	case "reset-interval-seconds":
		v, err := strconv.Atoi(fields[2])
		if err != nil {
			return errConfigf("ddos-protection reset-interval-seconds: invalid value")
		}
		d.ResetIntervalSeconds = v
	case "whitelist":
		ipnet, err := parseCIDROrIP(fields[2])
		if err != nil {
			return errConfigf("ddos-protection whitelist: %v", err)
		}
		d.Allowlist = append(d.Allowlist, ipnet)
	case "blacklist":
		ipnet, err := parseCIDROrIP(fields[2])
		if err != nil {
			return errConfigf("ddos-protection blacklist: %v", err)
		}
		d.Denylist = append(d.Denylist, ipnet)
	case "suspicious-pattern":
		d.SuspiciousPatterns = append(d.SuspiciousPatterns, strings.Join(fields[2:], " "))
	default:
		return errConfigf("ddos-protection: unknown key %q", fields[1])
	}
	return nil
}

// applyTuningOverlay loads the optional YAML tuning file and layers numeric
// overrides onto already-parsed backends.
func applyTuningOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return wrapConfig(err, "open tuning file")
	}
	var overlay tuningOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return wrapConfig(err, "parse tuning file")
	}

	byName := make(map[string]*BackendDef, len(cfg.Backends))
	for _, b := range cfg.Backends {
		byName[b.Name] = b
	}

	for name, tuning := range overlay.Backends {
		b, ok := byName[name]
		if !ok {
			return errConfigf("tuning: unknown backend %q", name)
		}
		if tuning.RateLimit != nil {
			if b.RateLimit == nil {
				b.RateLimit = &RateLimitConfig{Enabled: true, Burst: 1}
			}
			if tuning.RateLimit.RequestsPerSecond != nil {
				b.RateLimit.RequestsPerSecond = *tuning.RateLimit.RequestsPerSecond
			}
			if tuning.RateLimit.Burst != nil {
				b.RateLimit.Burst = *tuning.RateLimit.Burst
			}
		}
		if tuning.DdosProtection != nil {
			if b.DdosProtection == nil {
				b.DdosProtection = &DdosConfig{Enabled: true, ResetIntervalSeconds: 60}
			}
			if tuning.DdosProtection.MaxRequestsPerMinute != nil {
				b.DdosProtection.MaxRequestsPerMinute = *tuning.DdosProtection.MaxRequestsPerMinute
			}
			if tuning.DdosProtection.MaxConnectionsPerIP != nil {
				b.DdosProtection.MaxConnectionsPerIP = *tuning.DdosProtection.MaxConnectionsPerIP
			}
			if tuning.DdosProtection.ResetIntervalSeconds != nil {
				b.DdosProtection.ResetIntervalSeconds = *tuning.DdosProtection.ResetIntervalSeconds
			}
		}
	}
	return nil
}

// validateConfig checks the cross-reference invariants: unique server names
// within a backend, unique backend names process-wide, and every
// use_backend/default_backend naming an existing backend.
func validateConfig(cfg *Config) error {
	seenBackend := make(map[string]bool, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if seenBackend[b.Name] {
			return errConfigf("duplicate backend name %q", b.Name)
		}
		seenBackend[b.Name] = true

		seenServer := make(map[string]bool, len(b.Servers))
		for _, s := range b.Servers {
			if seenServer[s.Name] {
				return errConfigf("backend %q: duplicate server name %q", b.Name, s.Name)
			}
			seenServer[s.Name] = true
		}
	}

	for _, f := range cfg.Frontends {
		if len(f.Binds) == 0 {
			return errConfigf("frontend %q: no bind address", f.Name)
		}
		if f.DefaultBackend != "" && !seenBackend[f.DefaultBackend] {
			return errConfigf("frontend %q: default_backend %q does not exist", f.Name, f.DefaultBackend)
		}
		for _, rule := range f.UseBackend {
			if !seenBackend[rule.Backend] {
				return errConfigf("frontend %q: use_backend %q does not exist", f.Name, rule.Backend)
			}
		}
	}
	return nil
}

func normalizeBind(addr string) string {
	if strings.HasPrefix(addr, "*:") {
		return "0.0.0.0:" + addr[2:]
	}
	return addr
}

func normalizeAlgoName(s string) string {
	switch s {
	case "roundrobin", "round-robin":
		return string(AlgoRoundRobin)
	case "weighted_roundrobin", "weighted-roundrobin", "weightedroundrobin":
		return string(AlgoWeightedRoundRobin)
	case "leastconn", "least-conn":
		return string(AlgoLeastConn)
	case "sourcehash", "source-hash", "source", "source_hash":
		return string(AlgoSourceHash)
	default:
		return s
	}
}

func parseIntArg(fields []string, name string) (int, error) {
	if len(fields) < 2 {
		return 0, errConfigf("%s: missing value", name)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, errConfigf("%s: invalid integer %q", name, fields[1])
	}
	return n, nil
}

func argAt(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

// parseDuration parses a ms/s/m/h suffixed duration, or a bare integer
// treated as seconds.
func parseDuration(s string) (time.Duration, error) {
	suffixes := []struct {
		suffix string
		unit   time.Duration
	}{
		{"ms", time.Millisecond},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf.suffix) {
			numPart := strings.TrimSuffix(s, suf.suffix)
			n, err := strconv.Atoi(numPart)
			if err != nil {
				return 0, err
			}
			return time.Duration(n) * suf.unit, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
