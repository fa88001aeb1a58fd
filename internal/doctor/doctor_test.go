package doctor

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StateDir:  t.TempDir(),
		Autopilot: config.AutopilotConfig{Mode: "off"},
	}
}

func byName(t *testing.T, r *Report, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no check named %q", name)
	return Check{}
}

func TestHealthyEmptyStateDir(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.Chmod(cfg.StateDir, 0o700))

	r := Run(cfg, false)
	assert.True(t, r.Healthy())
	assert.False(t, r.Corrupt())
	assert.Equal(t, StatusOK, byName(t, r, "state_dir").Status)
	assert.Equal(t, StatusOK, byName(t, r, "database").Status)
	assert.Equal(t, StatusOK, byName(t, r, "audit_chain").Status)
	assert.Equal(t, StatusOK, byName(t, r, "policy").Status)
	assert.Equal(t, StatusOK, byName(t, r, "pidfile").Status)
	// No channels is a nag, not a failure.
	assert.Equal(t, StatusWarn, byName(t, r, "channels").Status)
}

func TestLoosePermissionsWarnedThenFixed(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.Chmod(cfg.StateDir, 0o755))

	r := Run(cfg, false)
	assert.Equal(t, StatusWarn, byName(t, r, "state_dir").Status)

	r = Run(cfg, true)
	c := byName(t, r, "state_dir")
	assert.Equal(t, StatusOK, c.Status)
	assert.True(t, c.Fixed)

	info, err := os.Stat(cfg.StateDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestCorruptAuditChainFails(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.StateDir, constants.AuditFilename)

	w, err := audit.Open(path)
	require.NoError(t, err)
	_, err = w.Append("SESSION_STARTED", map[string]any{"session_id": "s1"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	r := Run(cfg, false)
	assert.False(t, r.Healthy())
	assert.True(t, r.Corrupt())
	assert.Equal(t, StatusFail, byName(t, r, "audit_chain").Status)
}

func TestBrokenPolicyFails(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.StateDir, constants.PolicyFilename)
	require.NoError(t, os.WriteFile(path, []byte("policy_version: 1\nrules: {not a list}\n"), 0o600))

	r := Run(cfg, false)
	assert.False(t, r.Healthy())
	assert.False(t, r.Corrupt())
	assert.Equal(t, StatusFail, byName(t, r, "policy").Status)
}

func TestStalePidfileFixed(t *testing.T) {
	cfg := testConfig(t)
	pidPath := filepath.Join(cfg.StateDir, constants.PidFilename)
	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(1<<30)+"\n"), 0o600))

	r := Run(cfg, false)
	assert.Equal(t, StatusWarn, byName(t, r, "pidfile").Status)

	r = Run(cfg, true)
	c := byName(t, r, "pidfile")
	assert.Equal(t, StatusOK, c.Status)
	assert.True(t, c.Fixed)
	_, err := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestUnknownChannelKindFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels = map[string]config.Channel{
		"tg": {Kind: "carrier-pigeon", Allowlist: []string{"alice"}},
	}
	r := Run(cfg, false)
	assert.Equal(t, StatusFail, byName(t, r, "channels").Status)

	cfg.Channels = map[string]config.Channel{
		"mem": {Kind: "memory"},
	}
	r = Run(cfg, false)
	c := byName(t, r, "channels")
	assert.Equal(t, StatusWarn, c.Status)
	assert.Contains(t, c.Detail, "allowlist")
}

func TestBadModeFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Autopilot.Mode = "yolo"
	r := Run(cfg, false)
	assert.Equal(t, StatusFail, byName(t, r, "autopilot_mode").Status)
}

func TestKillSwitchWarns(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.StateDir, constants.AutopilotPauseFile),
		[]byte("paused at "+time.Now().UTC().Format(time.RFC3339)+"\n"), 0o600))
	r := Run(cfg, false)
	c := byName(t, r, "autopilot_mode")
	assert.Equal(t, StatusWarn, c.Status)
	assert.Contains(t, c.Detail, "kill switch")
}
