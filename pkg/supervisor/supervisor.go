package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/events"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/log"
	"github.com/hostingbot/hostingbot/pkg/metrics"
	"github.com/hostingbot/hostingbot/pkg/proctree"
	"github.com/hostingbot/hostingbot/pkg/quota"
	"github.com/hostingbot/hostingbot/pkg/sandbox"
	"github.com/hostingbot/hostingbot/pkg/security"
	"github.com/hostingbot/hostingbot/pkg/storage"
	"github.com/hostingbot/hostingbot/pkg/types"
)

const (
	// crashTailLines is how many ring lines a crash notification carries
	crashTailLines = 25

	// restartGap separates Stop and Start inside Restart
	restartGap = 1 * time.Second

	// autostartPacing spaces boot-time launches to avoid a provisioning
	// thundering herd
	autostartPacing = 150 * time.Millisecond

	// killGrace bounds the escalation wait inside a tree-kill
	killGrace = 3 * time.Second
)

// Supervisor owns the runtime registry and all lifecycle transitions
type Supervisor struct {
	store   *storage.BoltStore
	cfg     *config.Config
	layout  *layout.Manager
	guard   *quota.Guard
	box     *security.SecretBox
	sandbox *sandbox.Provisioner
	broker  *events.Broker

	mu       sync.Mutex
	runtimes map[int64]*Runtime
}

// New creates the supervisor
func New(store *storage.BoltStore, cfg *config.Config, lm *layout.Manager, guard *quota.Guard, box *security.SecretBox, sb *sandbox.Provisioner, broker *events.Broker) *Supervisor {
	return &Supervisor{
		store:    store,
		cfg:      cfg,
		layout:   lm,
		guard:    guard,
		box:      box,
		sandbox:  sb,
		broker:   broker,
		runtimes: make(map[int64]*Runtime),
	}
}

// IsLive reports whether the project has a registered runtime
func (s *Supervisor) IsLive(projectID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runtimes[projectID]
	return ok
}

// Status returns the operator-visible lifecycle state
func (s *Supervisor) Status(projectID int64) types.ProjectStatus {
	if s.IsLive(projectID) {
		return types.StatusRunning
	}
	return types.StatusStopped
}

// LiveCountForUser derives the user's live count from the registry
func (s *Supervisor) LiveCountForUser(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rt := range s.runtimes {
		if rt.OwnerID == userID {
			n++
		}
	}
	return n
}

// ListRunning returns a snapshot of all live runtimes
func (s *Supervisor) ListRunning() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		out = append(out, rt.snapshot())
	}
	return out
}

// LastLines returns the newest buffered log lines of a live project
func (s *Supervisor) LastLines(projectID int64, n int) []string {
	s.mu.Lock()
	rt, ok := s.runtimes[projectID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return rt.LastLines(n)
}

// Start launches a project after a fresh (manual) request; the restart
// backoff resets to its base value.
func (s *Supervisor) Start(ctx context.Context, projectID int64) error {
	return s.start(ctx, projectID, s.cfg.RestartBaseDelay)
}

// start performs admission, spawns the child and registers the runtime.
// backoff seeds the delay an unattended restart would use next.
func (s *Supervisor) start(ctx context.Context, projectID int64, backoff time.Duration) error {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return err
	}
	owner, err := s.store.GetUser(project.OwnerID)
	if err != nil {
		return err
	}

	if err := s.guard.CheckBan(owner.ID); err != nil {
		return err
	}

	entryPath, err := s.resolveEntrypoint(owner.ID, project)
	if err != nil {
		return err
	}

	// Reserve the registry slot before any slow work so concurrent
	// Starts of the same project collapse to AlreadyRunning.
	rt := &Runtime{
		ProjectID:  project.ID,
		OwnerID:    owner.ID,
		Name:       project.Name,
		Entrypoint: project.Entrypoint,
		backoff:    backoff,
		ring:       NewRing(s.cfg.LogRingSize),
		pumpDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if _, ok := s.runtimes[project.ID]; ok {
		s.mu.Unlock()
		return errdefs.AlreadyRunning("project %d is already running", project.ID)
	}
	if err := s.guard.CheckConcurrentRuns(owner, s.liveCountLocked(owner.ID)); err != nil {
		s.mu.Unlock()
		return err
	}
	s.runtimes[project.ID] = rt
	s.mu.Unlock()

	if err := s.launch(ctx, owner, project, entryPath, rt); err != nil {
		s.deregister(rt)
		close(rt.done)
		return err
	}

	metrics.ProjectsRunning.Set(float64(s.liveTotal()))
	s.broker.Publish(&events.Event{
		Type:      events.EventProjectStarted,
		UserID:    owner.ID,
		ProjectID: project.ID,
		Message:   project.Name,
	})
	return nil
}

func (s *Supervisor) liveCountLocked(userID int64) int {
	n := 0
	for _, rt := range s.runtimes {
		if rt.OwnerID == userID {
			n++
		}
	}
	return n
}

func (s *Supervisor) liveTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runtimes)
}

// resolveEntrypoint verifies the entrypoint resolves to a file still
// inside the source root.
func (s *Supervisor) resolveEntrypoint(ownerID int64, project *types.Project) (string, error) {
	srcRoot := s.layout.SourceRoot(ownerID, project.ID)
	joined := filepath.Join(srcRoot, filepath.FromSlash(project.Entrypoint))

	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", errdefs.Internal(err)
	}
	rootAbs, err := filepath.Abs(srcRoot)
	if err != nil {
		return "", errdefs.Internal(err)
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", errdefs.Invalid("entrypoint escapes the source directory")
	}
	if _, err := os.Stat(abs); err != nil {
		return "", errdefs.NotFound("entrypoint %s not found", project.Entrypoint)
	}
	return abs, nil
}

// launch provisions the sandbox, spawns the child in its own session and
// wires the pump and waiter tasks. A failure after spawn tears the child
// down before returning.
func (s *Supervisor) launch(ctx context.Context, owner *types.User, project *types.Project, entryPath string, rt *Runtime) error {
	if err := s.sandbox.EnsureVenv(ctx, owner.ID, project.ID); err != nil {
		return err
	}

	logPath := s.layout.LogFile(owner.ID, project.ID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return errdefs.Internal(err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errdefs.Internal(err)
	}

	fmt.Fprintf(logFile, "===== START %s | project=%d =====\n",
		time.Now().UTC().Format(time.RFC3339), project.ID)

	childEnv, err := s.buildEnv(project.ID)
	if err != nil {
		logFile.Close()
		return err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		logFile.Close()
		return errdefs.Internal(err)
	}

	cmd := exec.Command(s.sandbox.VenvPython(owner.ID, project.ID), "-u", entryPath)
	cmd.Dir = s.layout.SourceRoot(owner.ID, project.ID)
	cmd.Env = childEnv
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		logFile.Close()
		return errdefs.Internal(fmt.Errorf("failed to spawn child: %w", err))
	}
	pw.Close()

	run, err := s.store.StartRun(project.ID, cmd.Process.Pid)
	if err != nil {
		// The child is already up; take it down before failing.
		proctree.TreeKill(cmd.Process.Pid, killGrace)
		_ = cmd.Wait()
		pr.Close()
		logFile.Close()
		return errdefs.Internal(err)
	}

	rt.cmd = cmd
	rt.PID = cmd.Process.Pid
	rt.RunID = run.ID
	rt.StartedAt = run.StartedAt

	go s.pump(rt, pr, logFile)
	go s.wait(rt, logPath)

	startLogger := log.WithProject(project.ID)
	startLogger.Info().
		Int("pid", rt.PID).
		Int64("run_id", rt.RunID).
		Msg("Project started")
	return nil
}

// buildEnv merges the service environment with the project's decrypted
// env vars; project values win. Output is always unbuffered.
func (s *Supervisor) buildEnv(projectID int64) ([]string, error) {
	rows, err := s.store.ListEnvVars(projectID)
	if err != nil {
		return nil, errdefs.Internal(err)
	}

	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for _, row := range rows {
		merged[row.Key] = s.box.DecryptString(row.Key, row.Value)
	}
	merged["PYTHONUNBUFFERED"] = "1"

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// pump drains the child's combined output into the ring and the log
// file. Write errors are recorded in-line with the supervisor prefix.
func (s *Supervisor) pump(rt *Runtime, pr *os.File, logFile *os.File) {
	defer close(rt.pumpDone)
	defer pr.Close()
	defer logFile.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rt.ring.Push(line)
		if _, err := logFile.WriteString(line + "\n"); err != nil {
			rt.ring.Push("[hostingbot] log write error: " + err.Error())
			return
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = logFile.WriteString("[hostingbot] log read error: " + err.Error() + "\n")
	}
}

// wait is the crash-restart loop: it observes the child's exit, closes
// the run row, deregisters the runtime and schedules an unattended
// restart when autostart applies.
func (s *Supervisor) wait(rt *Runtime, logPath string) {
	defer close(rt.done)

	_ = rt.cmd.Wait()
	exitCode := -1
	if rt.cmd.ProcessState != nil {
		exitCode = rt.cmd.ProcessState.ExitCode()
	}

	// Let the pump drain the tail of the output before the trailer.
	select {
	case <-rt.pumpDone:
	case <-time.After(2 * time.Second):
	}

	stopping, reason := rt.isStopping()
	if reason == "" {
		reason = "exit"
	}
	if serr := s.store.StopRun(rt.RunID, exitCode, reason); serr != nil {
		runLogger := log.WithProject(rt.ProjectID)
		runLogger.Error().Err(serr).Msg("Failed to close run row")
	}
	s.appendTrailer(logPath, exitCode)
	s.deregister(rt)
	metrics.ProjectsRunning.Set(float64(s.liveTotal()))

	logger := log.WithProject(rt.ProjectID)
	logger.Info().Int("exit_code", exitCode).Bool("stopping", stopping).Msg("Project exited")

	if stopping {
		s.broker.Publish(&events.Event{
			Type:      events.EventProjectStopped,
			UserID:    rt.OwnerID,
			ProjectID: rt.ProjectID,
			Message:   reason,
		})
		return
	}

	project, perr := s.store.GetProject(rt.ProjectID)
	if perr != nil || !project.Autostart {
		return
	}

	delay := clampDelay(rt.backoff, s.cfg.RestartMaxDelay)
	next := nextDelay(delay, s.cfg.RestartMaxDelay)

	metrics.CrashesTotal.Inc()
	s.broker.Publish(&events.Event{
		Type:      events.EventProjectCrashed,
		UserID:    rt.OwnerID,
		ProjectID: rt.ProjectID,
		Message:   project.Name,
		Metadata: map[string]string{
			"exit_code":     strconv.Itoa(exitCode),
			"restart_delay": delay.String(),
			"last_lines":    strings.Join(rt.LastLines(crashTailLines), "\n"),
		},
	})

	time.Sleep(delay)

	if serr := s.start(context.Background(), rt.ProjectID, next); serr != nil {
		// Admission said no; the project stays stopped until an
		// explicit restart.
		logger.Warn().Err(serr).Msg("Unattended restart rejected")
	}
}

func (s *Supervisor) appendTrailer(logPath string, exitCode int) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "===== EXIT %s | code=%d =====\n",
		time.Now().UTC().Format(time.RFC3339), exitCode)
}

// clampDelay bounds a restart delay at max
func clampDelay(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

// nextDelay doubles the backoff for the following restart, capped at max
func nextDelay(d, max time.Duration) time.Duration {
	return clampDelay(d*2, max)
}

// deregister removes rt from the registry if it is still the registered
// runtime for its project.
func (s *Supervisor) deregister(rt *Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.runtimes[rt.ProjectID]; ok && cur == rt {
		delete(s.runtimes, rt.ProjectID)
	}
}

// Stop terminates a live project: graceful TERM, bounded wait, then a
// tree-kill. Returns NotRunning for an absent project.
func (s *Supervisor) Stop(projectID int64, reason string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[projectID]
	s.mu.Unlock()
	if !ok {
		return errdefs.NotRunning("project %d is not running", projectID)
	}

	rt.markStopping(reason)

	if rt.PID > 0 {
		_ = syscall.Kill(-rt.PID, syscall.SIGTERM)
	}

	select {
	case <-rt.done:
		return nil
	case <-time.After(s.cfg.StopGrace):
	}

	if rt.PID > 0 {
		proctree.TreeKill(rt.PID, killGrace)
	}

	// The waiter observes the kill and finishes teardown.
	select {
	case <-rt.done:
	case <-time.After(s.cfg.StopGrace):
		teardownLogger := log.WithProject(projectID)
		teardownLogger.Error().Msg("Teardown did not complete in time")
	}
	return nil
}

// Restart stops a live project and starts it again after a short gap.
// Audited as a single logical operation by the caller.
func (s *Supervisor) Restart(ctx context.Context, projectID int64) error {
	if err := s.Stop(projectID, "restart"); err != nil {
		if !errdefs.IsKind(err, errdefs.KindNotRunning) {
			return err
		}
	} else {
		time.Sleep(restartGap)
	}
	return s.Start(ctx, projectID)
}

// StopAllForUser stops every live project owned by userID
func (s *Supervisor) StopAllForUser(userID int64, reason string) int {
	s.mu.Lock()
	var pids []int64
	for id, rt := range s.runtimes {
		if rt.OwnerID == userID {
			pids = append(pids, id)
		}
	}
	s.mu.Unlock()

	stopped := 0
	for _, id := range pids {
		if err := s.Stop(id, reason); err == nil {
			stopped++
		}
	}
	return stopped
}

// AutostartAll launches every autostart-flagged project at service boot,
// pacing the launches and skipping banned owners and already-live
// projects.
func (s *Supervisor) AutostartAll(ctx context.Context) {
	projects, err := s.store.ListAutostartProjects()
	if err != nil {
		errLogger := log.WithComponent("supervisor")
		errLogger.Error().Err(err).Msg("Failed to list autostart projects")
		return
	}

	logger := log.WithComponent("supervisor")
	for _, p := range projects {
		if s.IsLive(p.ID) {
			continue
		}
		if banned, err := s.store.IsBanned(p.OwnerID); err != nil || banned {
			continue
		}
		if err := s.Start(ctx, p.ID); err != nil {
			logger.Warn().Int64("project_id", p.ID).Err(err).Msg("Autostart rejected")
		}
		time.Sleep(autostartPacing)
	}
}
