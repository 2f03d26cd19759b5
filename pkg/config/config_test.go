package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostingbot/hostingbot/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "python3", cfg.PythonBin)
	assert.Equal(t, 5*time.Second, cfg.RestartBaseDelay)
	assert.Equal(t, 90*time.Second, cfg.RestartMaxDelay)
	assert.Equal(t, 6*time.Second, cfg.WatchdogInterval)
	assert.Equal(t, 30*time.Minute, cfg.StagingTTL)
	assert.Equal(t, int64(50*1024*1024), cfg.UploadMaxSize)
	assert.Equal(t, 80, cfg.LogRingSize)

	assert.Equal(t, 2, cfg.Free.MaxRunning)
	assert.Equal(t, 10, cfg.Premium.MaxRunning)
	assert.Equal(t, int64(350*1024*1024), cfg.Free.RAMBytes)
}

func TestLoadRequiresSecretKey(t *testing.T) {
	t.Setenv("HOSTINGBOT_SECRET_KEY", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOSTINGBOT_SECRET_KEY")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOSTINGBOT_SECRET_KEY", "s3cret")
	t.Setenv("HOSTINGBOT_DATA_DIR", "/tmp/hb-test")
	t.Setenv("HOSTINGBOT_ADMIN_IDS", "1, 2,bogus,3")
	t.Setenv("HOSTINGBOT_UPLOAD_MAX_MIB", "10")
	t.Setenv("HOSTINGBOT_WATCHDOG_SECONDS", "12")
	t.Setenv("HOSTINGBOT_LOG_JSON", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.SecretKey)
	assert.Equal(t, "/tmp/hb-test", cfg.DataDir)
	assert.Equal(t, []int64{1, 2, 3}, cfg.AdminIDs)
	assert.Equal(t, int64(10*1024*1024), cfg.UploadMaxSize)
	assert.Equal(t, 12*time.Second, cfg.WatchdogInterval)
	assert.True(t, cfg.LogJSON)
}

func TestLoadYAMLOverlay(t *testing.T) {
	t.Setenv("HOSTINGBOT_SECRET_KEY", "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/hostingbot
restart_base_delay: 2s
free:
  name: free
  max_running: 3
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/hostingbot", cfg.DataDir)
	assert.Equal(t, 2*time.Second, cfg.RestartBaseDelay)
	assert.Equal(t, 3, cfg.Free.MaxRunning)
}

func TestIsAdmin(t *testing.T) {
	cfg := Default()
	cfg.AdminIDs = []int64{7, 8}

	assert.True(t, cfg.IsAdmin(7))
	assert.False(t, cfg.IsAdmin(9))
}

func TestPlanFor(t *testing.T) {
	cfg := Default()

	assert.Equal(t, types.PlanFree, cfg.PlanFor(&types.User{}).Name)
	assert.Equal(t, types.PlanPremium, cfg.PlanFor(&types.User{Premium: true}).Name)
	assert.Equal(t, types.PlanFree, cfg.PlanFor(nil).Name)
}
