package watchdog

import (
	"fmt"
	"os"
	"time"

	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/log"
	"github.com/hostingbot/hostingbot/pkg/metrics"
	"github.com/hostingbot/hostingbot/pkg/proctree"
	"github.com/hostingbot/hostingbot/pkg/storage"
	"github.com/hostingbot/hostingbot/pkg/supervisor"
)

// Watchdog periodically sweeps the live runtimes and tree-kills any
// whose resident memory exceeds the owner's plan cap. The crash-restart
// loop then observes the exit, so backoff widens for OOM-looping
// projects.
type Watchdog struct {
	sup    *supervisor.Supervisor
	store  *storage.BoltStore
	cfg    *config.Config
	layout *layout.Manager

	stopCh chan struct{}
}

// New creates the watchdog
func New(sup *supervisor.Supervisor, store *storage.BoltStore, cfg *config.Config, lm *layout.Manager) *Watchdog {
	return &Watchdog{
		sup:    sup,
		store:  store,
		cfg:    cfg,
		layout: lm,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop
func (w *Watchdog) Start() {
	go w.run()
}

// Stop stops the sweep loop
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watchdog) sweep() {
	logger := log.WithComponent("watchdog")

	for _, info := range w.sup.ListRunning() {
		if info.PID <= 0 || info.Stopping {
			continue
		}

		rss, err := proctree.TreeRSS(info.PID)
		if err != nil {
			continue
		}

		owner, err := w.store.GetUser(info.OwnerID)
		if err != nil {
			continue
		}
		limit := w.cfg.PlanFor(owner).RAMBytes
		if rss <= limit {
			continue
		}

		logger.Warn().
			Int64("project_id", info.ProjectID).
			Int("pid", info.PID).
			Int64("rss", rss).
			Int64("limit", limit).
			Msg("RAM limit exceeded, killing process tree")

		w.appendNotice(info.OwnerID, info.ProjectID, rss, limit)
		metrics.WatchdogKillsTotal.Inc()
		proctree.TreeKill(info.PID, 3*time.Second)
	}
}

func (w *Watchdog) appendNotice(ownerID, projectID int64, rss, limit int64) {
	f, err := os.OpenFile(w.layout.LogFile(ownerID, projectID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[watchdog] RAM limit exceeded (%d MiB > %d MiB), killing process\n",
		rss/(1024*1024), limit/(1024*1024))
}
