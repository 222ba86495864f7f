package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "warden.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadEmptyReturnsDefaults(t *testing.T) {
	s := openTestStore(t)

	state, err := s.Load()
	require.NoError(t, err)

	assert.Empty(t, state.Agents)
	assert.Equal(t, 30000, state.Settings.MonitorIntervalMs)
	assert.Equal(t, []int{15, 5, 1}, state.Settings.WarningTimes)
	assert.Equal(t, 60, state.Settings.GracePeriodSec)
	assert.True(t, state.Settings.PauseOnIdle)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	cap := 120
	state := models.NewState()
	state.Agents["a1"] = &models.Agent{
		ID: "a1", Hostname: "kids-pc", Platform: models.PlatformWindows,
		Enabled: true, ChildID: "c1",
	}
	state.UserMappings["a1"] = map[string]string{"timmy": "c1"}
	state.ParentAccounts["a1"] = []string{"dad"}
	state.Children["c1"] = &models.Child{
		ID:               "c1",
		ComputerCapMin:   &cap,
		BlockedProcesses: []string{"minecraft"},
		Bedtime:          models.BedtimeRule{Enabled: true, Time: "21:00", Days: []string{"fri"}},
	}
	state.Violations = []models.Violation{{ID: "v1", Kind: models.ViolationBlockedProcess, AgentID: "a1", Reason: "minecraft"}}

	require.NoError(t, s.Save(state))

	got, err := s.Load()
	require.NoError(t, err)

	assert.Equal(t, state.Agents["a1"].Hostname, got.Agents["a1"].Hostname)
	assert.Equal(t, "c1", got.UserMappings["a1"]["timmy"])
	assert.Equal(t, []string{"dad"}, got.ParentAccounts["a1"])
	require.NotNil(t, got.Children["c1"].ComputerCapMin)
	assert.Equal(t, 120, *got.Children["c1"].ComputerCapMin)
	assert.True(t, got.Children["c1"].Bedtime.Enabled)
	assert.Len(t, got.Violations, 1)
	assert.False(t, got.LastSync.IsZero())
}

func TestSaveReplacesPriorBlob(t *testing.T) {
	s := openTestStore(t)

	state := models.NewState()
	state.Agents["a1"] = &models.Agent{ID: "a1", Hostname: "first"}
	require.NoError(t, s.Save(state))

	state.Agents["a1"].Hostname = "second"
	require.NoError(t, s.Save(state))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "second", got.Agents["a1"].Hostname)
	assert.Len(t, got.Agents, 1)
}
