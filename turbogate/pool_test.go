package turbogate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleBackendDef() *BackendDef {
	return &BackendDef{
		Name:      "be",
		Algorithm: AlgoRoundRobin,
		Servers: []*ServerDef{
			{Name: "s1", Address: "127.0.0.1", Port: 9001, Weight: 1},
			{Name: "s2", Address: "127.0.0.1", Port: 9002, Weight: 1},
		},
	}
}

func TestNewPoolBuildsBackends(t *testing.T) {
	pool, err := NewPool([]*BackendDef{sampleBackendDef()})
	require.NoError(t, err)

	b, ok := pool.Backend("be")
	require.True(t, ok)
	require.Len(t, b.Servers, 2)

	s, ok := b.ServerByName("s1")
	require.True(t, ok)
	require.Equal(t, StatusUp, s.Status())
}

func TestNewPoolRejectsDuplicateBackendNames(t *testing.T) {
	_, err := NewPool([]*BackendDef{sampleBackendDef(), sampleBackendDef()})
	require.Error(t, err)
}

func TestBackendSelectFallsBackToBackup(t *testing.T) {
	def := &BackendDef{
		Name:      "be",
		Algorithm: AlgoRoundRobin,
		Servers: []*ServerDef{
			{Name: "primary", Weight: 1},
			{Name: "backup", Backup: true},
		},
	}
	pool, err := NewPool([]*BackendDef{def})
	require.NoError(t, err)

	b, _ := pool.Backend("be")
	primary, _ := b.ServerByName("primary")
	primary.setStatus(StatusDown)

	s, ok := b.Select("10.0.0.1")
	require.True(t, ok)
	require.Equal(t, "backup", s.Def.Name)
}

func TestServerRuntimeActiveConnectionsNeverUnderflow(t *testing.T) {
	r := NewServerRuntime(&ServerDef{Name: "s"})
	r.DecActive()
	require.Equal(t, int64(0), r.ActiveConnections())

	r.IncActive()
	r.IncActive()
	r.DecActive()
	require.Equal(t, int64(1), r.ActiveConnections())
}

func TestServerRuntimeRiseFallStateMachine(t *testing.T) {
	r := NewServerRuntime(&ServerDef{Name: "s"})

	require.False(t, r.recordFailure(3))
	require.False(t, r.recordFailure(3))
	require.True(t, r.recordFailure(3))
	require.Equal(t, StatusDown, r.Status())

	require.False(t, r.recordSuccess(2))
	require.True(t, r.recordSuccess(2))
	require.Equal(t, StatusUp, r.Status())
}

func TestServerRuntimeMaintenanceIsAdminOnly(t *testing.T) {
	r := NewServerRuntime(&ServerDef{Name: "s"})
	r.setMaintenance(true)
	require.Equal(t, StatusMaintenance, r.Status())

	for i := 0; i < 10; i++ {
		r.recordSuccess(2)
	}
	require.Equal(t, StatusMaintenance, r.Status(), "maintenance must never auto-exit")

	r.setMaintenance(false)
	require.Equal(t, StatusUp, r.Status())
}
