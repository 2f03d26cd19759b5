package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/events"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/log"
	"github.com/hostingbot/hostingbot/pkg/types"
)

// Admin operations. Every entry point verifies the actor is in the
// configured admin set.

// SetPremium toggles a user's plan tier
func (f *Facade) SetPremium(actor *types.User, userID int64, premium bool) (err error) {
	start := time.Now()
	defer func() { observe("admin.set_premium", start, err) }()
	if err := f.requireAdmin(actor); err != nil {
		return err
	}
	if err := f.store.SetPremium(userID, premium); err != nil {
		return err
	}
	return f.store.AppendAudit(actor.ID, "admin.set_premium",
		fmt.Sprintf("user:%d", userID), strconv.FormatBool(premium))
}

// BanUser bans a user and stops all of their live projects
func (f *Facade) BanUser(actor *types.User, userID int64, reason string) (err error) {
	start := time.Now()
	defer func() { observe("admin.ban", start, err) }()
	if err := f.requireAdmin(actor); err != nil {
		return err
	}
	if err := f.store.Ban(userID, reason, actor.ID); err != nil {
		return errdefs.Internal(err)
	}

	stopped := f.sup.StopAllForUser(userID, "banned")
	banLogger := log.WithUser(userID)
	banLogger.Info().Int("stopped", stopped).Str("reason", reason).Msg("User banned")

	f.broker.Publish(&events.Event{
		Type:    events.EventUserBanned,
		UserID:  userID,
		Message: reason,
	})
	return f.store.AppendAudit(actor.ID, "admin.ban", fmt.Sprintf("user:%d", userID), reason)
}

// UnbanUser lifts a ban
func (f *Facade) UnbanUser(actor *types.User, userID int64) (err error) {
	start := time.Now()
	defer func() { observe("admin.unban", start, err) }()
	if err := f.requireAdmin(actor); err != nil {
		return err
	}
	if err := f.store.Unban(userID); err != nil {
		return errdefs.Internal(err)
	}
	return f.store.AppendAudit(actor.ID, "admin.unban", fmt.Sprintf("user:%d", userID), "")
}

// AdminStop stops any project regardless of owner
func (f *Facade) AdminStop(actor *types.User, projectID int64) (err error) {
	start := time.Now()
	defer func() { observe("admin.stop", start, err) }()
	if err := f.requireAdmin(actor); err != nil {
		return err
	}
	if err := f.sup.Stop(projectID, "admin stop"); err != nil {
		return err
	}
	return f.store.AppendAudit(actor.ID, "admin.stop", fmt.Sprintf("project:%d", projectID), "")
}

// CleanupLogs truncates every oversized project log to its newest lines.
// Returns how many files were truncated.
func (f *Facade) CleanupLogs(actor *types.User) (n int, err error) {
	start := time.Now()
	defer func() { observe("admin.cleanup_logs", start, err) }()
	if err := f.requireAdmin(actor); err != nil {
		return 0, err
	}

	projects, err := f.store.ListAllProjects()
	if err != nil {
		return 0, errdefs.Internal(err)
	}

	for _, p := range projects {
		path := f.layout.LogFile(p.OwnerID, p.ID)
		truncated, terr := truncateLog(path, cleanupThreshold, cleanupKeep)
		if terr != nil {
			cleanupLogger := log.WithProject(p.ID)
			cleanupLogger.Warn().Err(terr).Msg("Log cleanup failed")
			continue
		}
		if truncated {
			n++
		}
	}
	_ = f.store.AppendAudit(actor.ID, "admin.cleanup_logs", "", strconv.Itoa(n))
	return n, nil
}

// Broadcast pushes a message event for the front end to fan out
func (f *Facade) Broadcast(actor *types.User, text string) (err error) {
	start := time.Now()
	defer func() { observe("admin.broadcast", start, err) }()
	if err := f.requireAdmin(actor); err != nil {
		return err
	}
	if text == "" {
		return errdefs.Invalid("broadcast text cannot be empty")
	}
	f.broker.Publish(&events.Event{
		Type:    events.EventBroadcast,
		Message: text,
	})
	return f.store.AppendAudit(actor.ID, "admin.broadcast", "", text)
}

// SystemStats is the admin overview panel
type SystemStats struct {
	Users       int
	Projects    int
	Running     int
	DataDirSize int64
}

// GetSystemStats summarizes service-wide state
func (f *Facade) GetSystemStats(actor *types.User) (stats *SystemStats, err error) {
	start := time.Now()
	defer func() { observe("admin.system_stats", start, err) }()
	if err := f.requireAdmin(actor); err != nil {
		return nil, err
	}

	users, err := f.store.CountUsers()
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	projects, err := f.store.CountProjects()
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	return &SystemStats{
		Users:       users,
		Projects:    projects,
		Running:     len(f.sup.ListRunning()),
		DataDirSize: layout.DirSize(f.layout.DataRoot()),
	}, nil
}
