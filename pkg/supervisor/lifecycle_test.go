package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/events"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/quota"
	"github.com/hostingbot/hostingbot/pkg/sandbox"
	"github.com/hostingbot/hostingbot/pkg/security"
	"github.com/hostingbot/hostingbot/pkg/storage"
	"github.com/hostingbot/hostingbot/pkg/types"
)

type lifecycleFixture struct {
	sup    *Supervisor
	store  *storage.BoltStore
	layout *layout.Manager
	broker *events.Broker
	owner  *types.User
	python string
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not installed")
	}

	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lm, err := layout.NewManager(dir)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.StopGrace = 3 * time.Second

	box, err := security.NewSecretBoxFromPassword("test-key")
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	guard := quota.NewGuard(store, cfg, lm)
	sb := sandbox.NewProvisioner(store, cfg, lm)
	sup := New(store, cfg, lm, guard, box, sb, broker)

	owner, err := store.UpsertUser(1, "owner")
	require.NoError(t, err)

	return &lifecycleFixture{
		sup:    sup,
		store:  store,
		layout: lm,
		broker: broker,
		owner:  owner,
		python: python,
	}
}

// seedProject creates a project whose sandbox points at the system
// interpreter, so launch skips provisioning.
func (fx *lifecycleFixture) seedProject(t *testing.T, script string) *types.Project {
	t.Helper()
	project, err := fx.store.CreateProject(fx.owner.ID, "App", "bot.py")
	require.NoError(t, err)
	require.NoError(t, fx.layout.EnsureProjectDirs(fx.owner.ID, project.ID))
	require.NoError(t, os.WriteFile(
		filepath.Join(fx.layout.SourceRoot(fx.owner.ID, project.ID), "bot.py"),
		[]byte(script), 0644))

	binDir := filepath.Join(fx.layout.VenvRoot(fx.owner.ID, project.ID), "bin")
	require.NoError(t, os.MkdirAll(binDir, 0755))
	require.NoError(t, os.Symlink(fx.python, filepath.Join(binDir, "python")))
	return project
}

func (fx *lifecycleFixture) stopIfLive(projectID int64) {
	_ = fx.sup.Stop(projectID, "test cleanup")
}

func TestStartStop(t *testing.T) {
	fx := newLifecycleFixture(t)
	project := fx.seedProject(t, "import time\nprint('ready')\ntime.sleep(60)\n")
	defer fx.stopIfLive(project.ID)

	require.NoError(t, fx.sup.Start(context.Background(), project.ID))
	assert.Equal(t, types.StatusRunning, fx.sup.Status(project.ID))
	assert.Equal(t, 1, fx.sup.LiveCountForUser(fx.owner.ID))

	// The pump feeds the in-memory ring
	require.Eventually(t, func() bool {
		for _, line := range fx.sup.LastLines(project.ID, 10) {
			if line == "ready" {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	// An open run row exists while live
	run, err := fx.store.OpenRun(project.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Greater(t, run.PID, 0)

	require.NoError(t, fx.sup.Stop(project.ID, "stop"))
	assert.Equal(t, types.StatusStopped, fx.sup.Status(project.ID))

	// The run row closed with the stop reason
	runs, err := fx.store.ListRuns(project.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Open())
	assert.Equal(t, "stop", runs[0].Reason)

	// Log carries the start header and exit trailer
	data, err := os.ReadFile(fx.layout.LogFile(fx.owner.ID, project.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "===== START")
	assert.Contains(t, string(data), "ready")
	assert.Contains(t, string(data), "===== EXIT")
}

func TestStartAlreadyRunning(t *testing.T) {
	fx := newLifecycleFixture(t)
	project := fx.seedProject(t, "import time\ntime.sleep(60)\n")
	defer fx.stopIfLive(project.ID)

	require.NoError(t, fx.sup.Start(context.Background(), project.ID))

	err := fx.sup.Start(context.Background(), project.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindAlreadyRunning))
}

func TestStartUnknownProject(t *testing.T) {
	fx := newLifecycleFixture(t)

	err := fx.sup.Start(context.Background(), 999)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestStartBannedOwner(t *testing.T) {
	fx := newLifecycleFixture(t)
	project := fx.seedProject(t, "print('hi')\n")

	require.NoError(t, fx.store.Ban(fx.owner.ID, "abuse", 9000))

	err := fx.sup.Start(context.Background(), project.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindBanned))
}

func TestStartMissingEntrypoint(t *testing.T) {
	fx := newLifecycleFixture(t)
	project := fx.seedProject(t, "print('hi')\n")
	require.NoError(t, fx.store.SetEntrypoint(project.ID, "gone.py"))

	err := fx.sup.Start(context.Background(), project.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestStartEscapingEntrypoint(t *testing.T) {
	fx := newLifecycleFixture(t)
	project := fx.seedProject(t, "print('hi')\n")
	require.NoError(t, fx.store.SetEntrypoint(project.ID, "../../etc/passwd"))

	err := fx.sup.Start(context.Background(), project.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalid))
}

func TestCleanExitClosesRun(t *testing.T) {
	fx := newLifecycleFixture(t)
	project := fx.seedProject(t, "import sys\nprint('done')\nsys.exit(3)\n")
	require.NoError(t, fx.store.SetAutostart(project.ID, false))

	require.NoError(t, fx.sup.Start(context.Background(), project.ID))

	require.Eventually(t, func() bool {
		return fx.sup.Status(project.ID) == types.StatusStopped
	}, 10*time.Second, 50*time.Millisecond)

	runs, err := fx.store.ListRuns(project.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].ExitCode)
	assert.Equal(t, "exit", runs[0].Reason)

	data, err := os.ReadFile(fx.layout.LogFile(fx.owner.ID, project.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "code=3")
}

func TestCrashPublishesEventAndRestarts(t *testing.T) {
	fx := newLifecycleFixture(t)
	fx.sup.cfg.RestartBaseDelay = 100 * time.Millisecond
	project := fx.seedProject(t, "import sys\nprint('boom')\nsys.exit(1)\n")
	defer fx.stopIfLive(project.ID)

	sub := fx.broker.Subscribe()
	defer fx.broker.Unsubscribe(sub)

	require.NoError(t, fx.sup.Start(context.Background(), project.ID))

	var crashed *events.Event
	deadline := time.After(10 * time.Second)
	for crashed == nil {
		select {
		case ev := <-sub:
			if ev.Type == events.EventProjectCrashed {
				crashed = ev
			}
		case <-deadline:
			t.Fatal("crash event never arrived")
		}
	}

	assert.Equal(t, project.ID, crashed.ProjectID)
	assert.Equal(t, "1", crashed.Metadata["exit_code"])
	assert.Contains(t, crashed.Metadata["last_lines"], "boom")

	// Autostart kicks in after the delay with a second run row
	require.Eventually(t, func() bool {
		runs, err := fx.store.ListRuns(project.ID)
		return err == nil && len(runs) >= 2
	}, 10*time.Second, 50*time.Millisecond)

	// Halt the crash loop and let any in-flight restart drain
	require.NoError(t, fx.store.SetAutostart(project.ID, false))
	require.Eventually(t, func() bool {
		return fx.sup.Status(project.ID) == types.StatusStopped
	}, 10*time.Second, 50*time.Millisecond)
	time.Sleep(time.Second)
}

func TestEnvReachesChild(t *testing.T) {
	fx := newLifecycleFixture(t)
	project := fx.seedProject(t, "import os, time\nprint('TOKEN=' + os.environ.get('API_TOKEN', ''))\ntime.sleep(60)\n")
	require.NoError(t, fx.store.SetAutostart(project.ID, false))
	defer fx.stopIfLive(project.ID)

	blob, err := fx.sup.box.Encrypt([]byte("s3cret"))
	require.NoError(t, err)
	require.NoError(t, fx.store.SetEnvVar(project.ID, "API_TOKEN", blob))

	require.NoError(t, fx.sup.Start(context.Background(), project.ID))

	require.Eventually(t, func() bool {
		lines := fx.sup.LastLines(project.ID, 10)
		return len(lines) > 0 && strings.Contains(strings.Join(lines, "\n"), "TOKEN=s3cret")
	}, 10*time.Second, 50*time.Millisecond)
}

func TestConcurrentRunCap(t *testing.T) {
	fx := newLifecycleFixture(t)
	fx.sup.cfg.Free.MaxRunning = 1

	first := fx.seedProject(t, "import time\ntime.sleep(60)\n")
	second := fx.seedProject(t, "import time\ntime.sleep(60)\n")
	defer fx.stopIfLive(first.ID)
	defer fx.stopIfLive(second.ID)

	require.NoError(t, fx.sup.Start(context.Background(), first.ID))

	err := fx.sup.Start(context.Background(), second.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQuotaExceeded))
}
