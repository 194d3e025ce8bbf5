package turbogate

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
global
	maxconn 100
	log stdout

defaults
	timeout connect 5s
	timeout client 30s
	retries 3

frontend fe
	bind 127.0.0.1:7001
	default_backend be
	acl bad src 10.0.0.0/8
	use_backend be if !bad

backend be
	balance roundrobin
	server s1 127.0.0.1:9001 weight 2 check inter 200ms rise 2 fall 2
	server s2 127.0.0.1:9002 weight 1 backup
	rate-limit requests-per-second 5
	rate-limit burst-size 10
	ddos-protection max-connections-per-ip 20
	ddos-protection blacklist 198.51.100.0/24

stats bind 127.0.0.1:9100
`

func parseSample(t *testing.T) *Config {
	t.Helper()
	cfg, err := parseDirectiveFile(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.NoError(t, validateConfig(cfg))
	return cfg
}

func TestParseDirectiveFileGlobalAndDefaults(t *testing.T) {
	cfg := parseSample(t)
	require.Equal(t, 100, cfg.Global.MaxConn)
	require.Equal(t, "127.0.0.1:9100", cfg.StatsBind)
}

func TestParseDirectiveFileFrontend(t *testing.T) {
	cfg := parseSample(t)
	require.Len(t, cfg.Frontends, 1)
	fe := cfg.Frontends[0]
	require.Equal(t, "fe", fe.Name)
	require.Equal(t, []string{"127.0.0.1:7001"}, fe.Binds)
	require.Equal(t, "be", fe.DefaultBackend)
	require.Len(t, fe.UseBackend, 1)
	require.Equal(t, "be", fe.UseBackend[0].Backend)
}

func TestParseDirectiveFileBackendServers(t *testing.T) {
	cfg := parseSample(t)
	require.Len(t, cfg.Backends, 1)
	be := cfg.Backends[0]
	require.Equal(t, AlgoRoundRobin, be.Algorithm)
	require.Len(t, be.Servers, 2)

	s1 := be.Servers[0]
	require.Equal(t, "127.0.0.1", s1.Address)
	require.Equal(t, 9001, s1.Port)
	require.Equal(t, 2, s1.Weight)
	require.True(t, s1.CheckEnabled)
	require.Equal(t, 200*time.Millisecond, s1.ProbeInterval)
	require.Equal(t, 2, s1.Rise)
	require.Equal(t, 2, s1.Fall)

	s2 := be.Servers[1]
	require.True(t, s2.Backup)
}

func TestParseDirectiveFileExtendedBlocks(t *testing.T) {
	cfg := parseSample(t)
	be := cfg.Backends[0]

	require.NotNil(t, be.RateLimit)
	require.Equal(t, 5.0, be.RateLimit.RequestsPerSecond)
	require.Equal(t, 10, be.RateLimit.Burst)

	require.NotNil(t, be.DdosProtection)
	require.Equal(t, 20, be.DdosProtection.MaxConnectionsPerIP)
	require.Len(t, be.DdosProtection.Denylist, 1)
}

func TestNormalizeAlgoNameAcceptsSourceKeyword(t *testing.T) {
	require.Equal(t, string(AlgoSourceHash), normalizeAlgoName("source"))
	require.Equal(t, string(AlgoSourceHash), normalizeAlgoName("source_hash"))
	require.Equal(t, string(AlgoSourceHash), normalizeAlgoName("source-hash"))
	require.Equal(t, string(AlgoSourceHash), normalizeAlgoName("sourcehash"))
}

func TestParseDirectiveFileAcceptsSourceBalanceKeyword(t *testing.T) {
	const cfg = `
frontend fe
	bind 127.0.0.1:7002
	default_backend be

backend be
	balance source
	server s1 127.0.0.1:9001
`
	parsed, err := parseDirectiveFile(strings.NewReader(cfg))
	require.NoError(t, err)
	require.NoError(t, validateConfig(parsed))
	require.Equal(t, AlgoSourceHash, parsed.Backends[0].Algorithm)
}

func TestBindWildcardNormalization(t *testing.T) {
	require.Equal(t, "0.0.0.0:8080", normalizeBind("*:8080"))
	require.Equal(t, "127.0.0.1:8080", normalizeBind("127.0.0.1:8080"))
}

func TestParseDurationSuffixes(t *testing.T) {
	cases := map[string]time.Duration{
		"500ms": 500 * time.Millisecond,
		"30s":   30 * time.Second,
		"2m":    2 * time.Minute,
		"1h":    time.Hour,
		"45":    45 * time.Second,
	}
	for input, want := range cases {
		got, err := parseDuration(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestValidateConfigRejectsUnknownUseBackendTarget(t *testing.T) {
	cfg := &Config{
		Frontends: []*FrontendDef{{
			Name:       "fe",
			Binds:      []string{"127.0.0.1:1"},
			UseBackend: []UseBackendRule{{Backend: "missing"}},
		}},
	}
	err := validateConfig(cfg)
	require.Error(t, err)
}

func TestValidateConfigRejectsDuplicateServerNames(t *testing.T) {
	cfg := &Config{
		Backends: []*BackendDef{{
			Name: "be",
			Servers: []*ServerDef{
				{Name: "s1"},
				{Name: "s1"},
			},
		}},
	}
	err := validateConfig(cfg)
	require.Error(t, err)
}

func TestApplyTuningOverlayOverridesRateLimit(t *testing.T) {
	cfg := parseSample(t)
	tmp := t.TempDir() + "/tuning.yaml"
	content := "backends:\n  be:\n    rate_limit:\n      requests_per_second: 99\n"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))

	require.NoError(t, applyTuningOverlay(cfg, tmp))
	require.Equal(t, 99.0, cfg.Backends[0].RateLimit.RequestsPerSecond)
}
