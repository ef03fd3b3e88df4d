package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waggle/internal/paths"
	"waggle/internal/registry"
	"waggle/internal/reservation"
)

// resetFlags restores the persistent flag globals after a test mutated them.
func resetFlags(t *testing.T) {
	t.Helper()
	dir, as, pid := flagDir, flagAs, flagPID
	t.Cleanup(func() {
		flagDir, flagAs, flagPID = dir, as, pid
	})
}

// testEnv builds a meshEnv over a fresh mesh root.
func testEnv(t *testing.T) *meshEnv {
	t.Helper()
	layout := paths.Layout{Root: filepath.Join(t.TempDir(), paths.DirName)}
	require.NoError(t, layout.Ensure())
	env, err := openMeshAt(layout)
	require.NoError(t, err)
	return env
}

func TestRelativePath(t *testing.T) {
	sep := string(filepath.Separator)
	workDir := filepath.Join(sep+"home", "dev", "repo")

	cases := []struct {
		name string
		path string
		want string
	}{
		{"relative passes through", "src/auth/login.go", "src/auth/login.go"},
		{"absolute inside workdir", filepath.Join(workDir, "src", "auth", "login.go"), "src/auth/login.go"},
		{"workdir itself", workDir, "."},
		{"absolute outside workdir", filepath.Join(sep+"etc", "passwd"), filepath.Join(sep+"etc", "passwd")},
		{"sibling escape stays absolute", filepath.Join(sep+"home", "dev", "other", "x.go"), filepath.Join(sep+"home", "dev", "other", "x.go")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, relativePath(tc.path, workDir))
		})
	}

	t.Run("empty workdir passes through", func(t *testing.T) {
		abs := filepath.Join(sep+"tmp", "x.go")
		assert.Equal(t, abs, relativePath(abs, ""))
	})
}

func TestFormatAgo(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "now"},
		{900 * time.Millisecond, "now"},
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m"},
		{20 * time.Minute, "20m"},
		{time.Hour, "1h"},
		{time.Hour + 30*time.Minute, "1h30m"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatAgo(tc.elapsed), "elapsed %s", tc.elapsed)
	}
}

func TestAgentNameResolution(t *testing.T) {
	resetFlags(t)

	flagAs = ""
	t.Setenv("WAGGLE_AGENT", "")
	_, err := agentName()
	assert.Error(t, err)

	t.Setenv("WAGGLE_AGENT", "env-agent")
	name, err := agentName()
	require.NoError(t, err)
	assert.Equal(t, "env-agent", name)

	flagAs = "flag-agent"
	name, err = agentName()
	require.NoError(t, err)
	assert.Equal(t, "flag-agent", name, "--as beats the environment")
}

func TestExplicitNamePrefersFlag(t *testing.T) {
	resetFlags(t)

	flagAs = ""
	t.Setenv("WAGGLE_AGENT_NAME", "")
	assert.Empty(t, explicitName())

	t.Setenv("WAGGLE_AGENT_NAME", "fixed-name")
	assert.Equal(t, "fixed-name", explicitName())

	flagAs = "flag-name"
	assert.Equal(t, "flag-name", explicitName())
}

func TestLocateMeshCreateFallsBackToCwd(t *testing.T) {
	resetFlags(t)
	flagDir = ""
	t.Setenv("WAGGLE_DIR", "")

	dir := t.TempDir()
	oldWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	_, err = locateMesh(false)
	assert.ErrorIs(t, err, paths.ErrNotFound)

	layout, err := locateMesh(true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, paths.DirName), layout.Root)
}

func TestRegisterAndUnregisterRoundTrip(t *testing.T) {
	resetFlags(t)
	flagDir = filepath.Join(t.TempDir(), paths.DirName)
	t.Setenv("WAGGLE_AGENT", "")
	t.Setenv("WAGGLE_AGENT_NAME", "")

	require.NoError(t, runRegister(registerCmd, nil))

	recordPath := paths.Layout{Root: flagDir}.RegistrationPath("agent-1")
	_, err := os.Stat(recordPath)
	require.NoError(t, err, "registration record should exist")

	flagAs = "agent-1"
	require.NoError(t, runUnregister(unregisterCmd, nil))
	_, err = os.Stat(recordPath)
	assert.True(t, os.IsNotExist(err), "record should be gone after unregister")
}

func TestAgentLineShowsReservationsAndStatus(t *testing.T) {
	record := registry.Registration{
		Name:          "backend-1",
		StatusMessage: "migrating auth",
		Reservations:  []reservation.Reservation{{Pattern: "src/auth/"}},
	}

	line := agentLine(record, registry.StatusIdle, 2*time.Minute, "backend-1")
	assert.Contains(t, line, "backend-1")
	assert.Contains(t, line, "idle")
	assert.Contains(t, line, "migrating auth")
	assert.Contains(t, line, "[src/auth/]")
	assert.Contains(t, line, "2m")
	assert.Contains(t, line, "(you)")
}

func TestAgentDetailFallsBackToActivity(t *testing.T) {
	record := registry.Registration{Name: "backend-1"}
	record.Activity.CurrentActivity = "editing auth/login.go"
	assert.Equal(t, "editing auth/login.go", agentDetail(record))

	record.StatusMessage = "reviewing"
	assert.Equal(t, "reviewing", agentDetail(record), "custom status wins")
}
