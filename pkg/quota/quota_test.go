package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/storage"
	"github.com/hostingbot/hostingbot/pkg/types"
)

func newTestGuard(t *testing.T) (*Guard, *storage.BoltStore, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lm, err := layout.NewManager(dir)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DataDir = dir
	return NewGuard(store, cfg, lm), store, cfg
}

func freeUser(id int64) *types.User {
	return &types.User{ID: id, Handle: "user"}
}

func TestCheckBan(t *testing.T) {
	guard, store, _ := newTestGuard(t)

	assert.NoError(t, guard.CheckBan(1))

	require.NoError(t, store.Ban(1, "abuse", 99))
	err := guard.CheckBan(1)
	assert.True(t, errdefs.IsKind(err, errdefs.KindBanned))
}

func TestAllowRateLimits(t *testing.T) {
	guard, _, cfg := newTestGuard(t)
	cfg.RateLimitGap = time.Hour

	assert.NoError(t, guard.Allow(1))
	err := guard.Allow(1)
	assert.True(t, errdefs.IsKind(err, errdefs.KindRateLimited))

	// Limiters are per user
	assert.NoError(t, guard.Allow(2))
}

func TestCheckGateOrdering(t *testing.T) {
	guard, store, _ := newTestGuard(t)

	err := guard.CheckGate(1)
	require.True(t, errdefs.IsKind(err, errdefs.KindGateRequired))
	assert.Contains(t, err.Error(), "terms of service")

	require.NoError(t, store.SetTOSAccepted(1, true))
	err = guard.CheckGate(1)
	require.True(t, errdefs.IsKind(err, errdefs.KindGateRequired))
	assert.Contains(t, err.Error(), "verification")

	require.NoError(t, store.SetVerified(1, true))
	assert.NoError(t, guard.CheckGate(1))
}

func TestCheckDailyUploads(t *testing.T) {
	guard, store, cfg := newTestGuard(t)
	user := freeUser(1)

	for i := 0; i < cfg.Free.DailyUploads; i++ {
		assert.NoError(t, guard.CheckDailyUploads(user))
		require.NoError(t, store.IncUploads(1, Today()))
	}

	err := guard.CheckDailyUploads(user)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQuotaExceeded))

	// Premium raises the ceiling
	premium := &types.User{ID: 1, Premium: true}
	assert.NoError(t, guard.CheckDailyUploads(premium))
}

func TestCheckDailyInstalls(t *testing.T) {
	guard, store, cfg := newTestGuard(t)
	user := freeUser(1)

	for i := 0; i < cfg.Free.DailyInstalls; i++ {
		require.NoError(t, store.IncInstalls(1, Today()))
	}

	err := guard.CheckDailyInstalls(user)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQuotaExceeded))
}

func TestCheckProjectSlots(t *testing.T) {
	guard, store, cfg := newTestGuard(t)
	cfg.Free.MaxProjects = 2
	user := freeUser(1)

	assert.NoError(t, guard.CheckProjectSlots(user))

	_, err := store.CreateProject(1, "A", "bot.py")
	require.NoError(t, err)
	_, err = store.CreateProject(1, "B", "bot.py")
	require.NoError(t, err)

	err = guard.CheckProjectSlots(user)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQuotaExceeded))
}

func TestCheckDiskForNew(t *testing.T) {
	guard, _, cfg := newTestGuard(t)
	cfg.Free.DiskBytes = 1024
	user := freeUser(1)

	assert.NoError(t, guard.CheckDiskForNew(user, 512))

	err := guard.CheckDiskForNew(user, 2048)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQuotaExceeded))
}

func TestCheckConcurrentRuns(t *testing.T) {
	guard, _, cfg := newTestGuard(t)
	user := freeUser(1)

	assert.NoError(t, guard.CheckConcurrentRuns(user, cfg.Free.MaxRunning-1))

	err := guard.CheckConcurrentRuns(user, cfg.Free.MaxRunning)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQuotaExceeded))
}
