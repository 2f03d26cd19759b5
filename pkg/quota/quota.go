package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/storage"
	"github.com/hostingbot/hostingbot/pkg/types"
)

// Guard performs the admission checks that gate every state-mutating
// operation. All checks run before any disk or registry mutation.
type Guard struct {
	store  *storage.BoltStore
	cfg    *config.Config
	layout *layout.Manager

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewGuard creates the admission guard
func NewGuard(store *storage.BoltStore, cfg *config.Config, lm *layout.Manager) *Guard {
	return &Guard{
		store:    store,
		cfg:      cfg,
		layout:   lm,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Today returns the current UTC day key
func Today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// CheckBan rejects banned users uniformly
func (g *Guard) CheckBan(userID int64) error {
	banned, err := g.store.IsBanned(userID)
	if err != nil {
		return errdefs.Internal(err)
	}
	if banned {
		return errdefs.Banned("you are banned from this service")
	}
	return nil
}

// Allow enforces the per-user minimum gap between actions
func (g *Guard) Allow(userID int64) error {
	g.mu.Lock()
	lim, ok := g.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.cfg.RateLimitGap), 1)
		g.limiters[userID] = lim
	}
	g.mu.Unlock()

	if !lim.Allow() {
		return errdefs.RateLimited("too many actions, slow down")
	}
	return nil
}

// CheckGate verifies the TOS and verification flags
func (g *Guard) CheckGate(userID int64) error {
	state, err := g.store.GetUserState(userID)
	if err != nil {
		return errdefs.Internal(err)
	}
	if !state.TOSAccepted {
		return errdefs.GateRequired("terms of service not accepted")
	}
	if !state.Verified {
		return errdefs.GateRequired("verification required")
	}
	return nil
}

// CheckDailyUploads enforces the per-day upload counter
func (g *Guard) CheckDailyUploads(user *types.User) error {
	plan := g.cfg.PlanFor(user)
	usage, err := g.store.GetDailyUsage(user.ID, Today())
	if err != nil {
		return errdefs.Internal(err)
	}
	if usage.Uploads >= plan.DailyUploads {
		return errdefs.QuotaExceeded("daily upload limit reached (%d/day)", plan.DailyUploads)
	}
	return nil
}

// CheckDailyInstalls enforces the per-day install counter
func (g *Guard) CheckDailyInstalls(user *types.User) error {
	plan := g.cfg.PlanFor(user)
	usage, err := g.store.GetDailyUsage(user.ID, Today())
	if err != nil {
		return errdefs.Internal(err)
	}
	if usage.Installs >= plan.DailyInstalls {
		return errdefs.QuotaExceeded("daily install limit reached (%d/day)", plan.DailyInstalls)
	}
	return nil
}

// CheckProjectSlots enforces the project-count limit for new projects
func (g *Guard) CheckProjectSlots(user *types.User) error {
	plan := g.cfg.PlanFor(user)
	projects, err := g.store.ListProjectsByOwner(user.ID)
	if err != nil {
		return errdefs.Internal(err)
	}
	if len(projects) >= plan.MaxProjects {
		return errdefs.QuotaExceeded("project limit reached (%d)", plan.MaxProjects)
	}
	return nil
}

// CheckDiskForNew verifies the projected usage after committing addBytes
// of new source stays under the plan cap.
func (g *Guard) CheckDiskForNew(user *types.User, addBytes int64) error {
	plan := g.cfg.PlanFor(user)
	used := layout.DirSize(g.layout.UserRoot(user.ID))
	if used+addBytes > plan.DiskBytes {
		return errdefs.QuotaExceeded("disk quota exceeded (%d MiB)", plan.DiskBytes/(1024*1024))
	}
	return nil
}

// CheckDiskForUpdate is the update variant: the current source size is
// subtracted first since commit replaces it.
func (g *Guard) CheckDiskForUpdate(user *types.User, projectID int64, addBytes int64) error {
	plan := g.cfg.PlanFor(user)
	used := layout.DirSize(g.layout.UserRoot(user.ID))
	current := layout.DirSize(g.layout.SourceRoot(user.ID, projectID))
	if used-current+addBytes > plan.DiskBytes {
		return errdefs.QuotaExceeded("disk quota exceeded (%d MiB)", plan.DiskBytes/(1024*1024))
	}
	return nil
}

// CheckConcurrentRuns enforces the plan's live-process cap given the
// user's current live count.
func (g *Guard) CheckConcurrentRuns(user *types.User, liveCount int) error {
	plan := g.cfg.PlanFor(user)
	if liveCount >= plan.MaxRunning {
		return errdefs.QuotaExceeded("concurrent run limit reached (%d)", plan.MaxRunning)
	}
	return nil
}
