package api

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hostingbot/hostingbot/pkg/archive"
	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/events"
	"github.com/hostingbot/hostingbot/pkg/ingest"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/log"
	"github.com/hostingbot/hostingbot/pkg/metrics"
	"github.com/hostingbot/hostingbot/pkg/quota"
	"github.com/hostingbot/hostingbot/pkg/sandbox"
	"github.com/hostingbot/hostingbot/pkg/security"
	"github.com/hostingbot/hostingbot/pkg/storage"
	"github.com/hostingbot/hostingbot/pkg/supervisor"
	"github.com/hostingbot/hostingbot/pkg/types"
)

// envKeyRe is the grammar for environment variable names
var envKeyRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]{0,50}$`)

// Facade is the transport-agnostic command surface the front end calls.
// Every operation returns a classified error on failure.
type Facade struct {
	store    *storage.BoltStore
	cfg      *config.Config
	layout   *layout.Manager
	guard    *quota.Guard
	box      *security.SecretBox
	sandbox  *sandbox.Provisioner
	ingestor *ingest.Ingestor
	sup      *supervisor.Supervisor
	broker   *events.Broker
	wizard   *Wizard
}

// NewFacade wires the command surface
func NewFacade(
	store *storage.BoltStore,
	cfg *config.Config,
	lm *layout.Manager,
	guard *quota.Guard,
	box *security.SecretBox,
	sb *sandbox.Provisioner,
	ing *ingest.Ingestor,
	sup *supervisor.Supervisor,
	broker *events.Broker,
) *Facade {
	return &Facade{
		store:    store,
		cfg:      cfg,
		layout:   lm,
		guard:    guard,
		box:      box,
		sandbox:  sb,
		ingestor: ing,
		sup:      sup,
		broker:   broker,
		wizard:   NewWizard(),
	}
}

// Wizard exposes the per-user conversation state store
func (f *Facade) Wizard() *Wizard {
	return f.wizard
}

// observe records facade metrics for one operation
func observe(op string, start time.Time, err error) {
	code := "ok"
	if err != nil {
		code = string(errdefs.KindOf(err))
	}
	metrics.FacadeRequestsTotal.WithLabelValues(op, code).Inc()
	metrics.FacadeRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Admit runs the actor guard chain: known user, ban, rate limit, TOS
// and verification gate. Admins skip the gate. Every actor-originated
// operation passes through here first.
func (f *Facade) Admit(actorID int64, handle string) (*types.User, error) {
	user, err := f.store.UpsertUser(actorID, handle)
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	if err := f.guard.CheckBan(actorID); err != nil {
		return nil, err
	}
	if err := f.guard.Allow(actorID); err != nil {
		return nil, err
	}
	if !f.cfg.IsAdmin(actorID) {
		if err := f.guard.CheckGate(actorID); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// AcceptTOS records the terms acknowledgement for a user
func (f *Facade) AcceptTOS(actorID int64, accepted bool) error {
	return f.store.SetTOSAccepted(actorID, accepted)
}

// SetVerified records the membership verification outcome for a user.
// The membership check itself is the front end's business.
func (f *Facade) SetVerified(actorID int64, verified bool) error {
	return f.store.SetVerified(actorID, verified)
}

// projectForActor loads a project and enforces owner-or-admin access
func (f *Facade) projectForActor(actor *types.User, projectID int64) (*types.Project, error) {
	project, err := f.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != actor.ID && !f.cfg.IsAdmin(actor.ID) {
		return nil, errdefs.Forbidden("project %d does not belong to you", projectID)
	}
	return project, nil
}

func (f *Facade) requireAdmin(actor *types.User) error {
	if !f.cfg.IsAdmin(actor.ID) {
		return errdefs.Forbidden("admin access required")
	}
	return nil
}

// ProjectView is the operator-facing summary of a project
type ProjectView struct {
	Project         *types.Project
	Status          types.ProjectStatus
	HasRequirements bool
	HasSandbox      bool
}

func (f *Facade) view(p *types.Project) *ProjectView {
	return &ProjectView{
		Project:         p,
		Status:          f.sup.Status(p.ID),
		HasRequirements: f.sandbox.HasRequirements(p.OwnerID, p.ID),
		HasSandbox:      f.sandbox.HasVenv(p.OwnerID, p.ID),
	}
}

// Project operations

// CreateProject ingests an upload as a new project
func (f *Facade) CreateProject(ctx context.Context, actor *types.User, name, uploadPath, filename string) (res *ingest.Result, err error) {
	start := time.Now()
	defer func() { observe("project.create", start, err) }()
	res, err = f.ingestor.Create(ctx, actor, name, uploadPath, filename)
	return res, err
}

// UpdateProject replaces a project's source tree from an upload
func (f *Facade) UpdateProject(ctx context.Context, actor *types.User, projectID int64, uploadPath, filename string) (res *ingest.Result, err error) {
	start := time.Now()
	defer func() { observe("project.update", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return nil, err
	}
	owner, err := f.store.GetUser(project.OwnerID)
	if err != nil {
		return nil, err
	}
	return f.ingestor.Update(ctx, owner, project, uploadPath, filename)
}

// ResolveEntrypoint completes a parked upload with the operator's pick
func (f *Facade) ResolveEntrypoint(actor *types.User, token, pick string) (res *ingest.Result, err error) {
	start := time.Now()
	defer func() { observe("project.resolve", start, err) }()
	return f.ingestor.Resolve(actor, token, pick)
}

// RenameProject changes a project's display name
func (f *Facade) RenameProject(actor *types.User, projectID int64, name string) (err error) {
	start := time.Now()
	defer func() { observe("project.rename", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}
	clean := ingest.SanitizeName(name)
	if err := f.store.RenameProject(project.ID, clean); err != nil {
		return err
	}
	return f.store.AppendAudit(actor.ID, "project.rename", fmt.Sprintf("project:%d", project.ID), clean)
}

// DeleteProject stops a live project, removes its rows and its whole
// filesystem subtree.
func (f *Facade) DeleteProject(actor *types.User, projectID int64) (err error) {
	start := time.Now()
	defer func() { observe("project.delete", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}

	if serr := f.sup.Stop(project.ID, "delete"); serr != nil && !errdefs.IsKind(serr, errdefs.KindNotRunning) {
		return serr
	}
	if err := f.store.DeleteProject(project.ID); err != nil {
		return errdefs.Internal(err)
	}
	if err := f.layout.RemoveProject(project.OwnerID, project.ID); err != nil {
		removeLogger := log.WithProject(project.ID)
		removeLogger.Warn().Err(err).Msg("Failed to remove project files")
	}

	f.broker.Publish(&events.Event{
		Type:      events.EventProjectDeleted,
		UserID:    project.OwnerID,
		ProjectID: project.ID,
		Message:   project.Name,
	})
	return f.store.AppendAudit(actor.ID, "project.delete", fmt.Sprintf("project:%d", project.ID), project.Name)
}

// SetAutostart flips the autostart flag
func (f *Facade) SetAutostart(actor *types.User, projectID int64, autostart bool) (err error) {
	start := time.Now()
	defer func() { observe("project.set_autostart", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}
	return f.store.SetAutostart(project.ID, autostart)
}

// GetProject returns the operator view of one project
func (f *Facade) GetProject(actor *types.User, projectID int64) (view *ProjectView, err error) {
	start := time.Now()
	defer func() { observe("project.get", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return nil, err
	}
	return f.view(project), nil
}

// ListProjects returns the operator views of the actor's projects
func (f *Facade) ListProjects(actor *types.User) (views []*ProjectView, err error) {
	start := time.Now()
	defer func() { observe("project.list", start, err) }()
	projects, err := f.store.ListProjectsByOwner(actor.ID)
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	for _, p := range projects {
		views = append(views, f.view(p))
	}
	return views, nil
}

// ExportProject builds an export archive and returns its path. The
// caller owns the file and removes it after sending.
func (f *Facade) ExportProject(actor *types.User, projectID int64) (path string, name string, err error) {
	start := time.Now()
	defer func() { observe("project.export", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return "", "", err
	}

	out := filepath.Join(f.layout.StagingRoot(), uuid.New().String()+".zip")
	srcRoot := f.layout.SourceRoot(project.OwnerID, project.ID)
	if err := archive.BuildExport(srcRoot, project.Name, project.Entrypoint, out); err != nil {
		return "", "", errdefs.Internal(err)
	}
	return out, fmt.Sprintf("%s.zip", project.Name), nil
}

// ImportProject ingests an export archive as a new project
func (f *Facade) ImportProject(ctx context.Context, actor *types.User, uploadPath string) (res *ingest.Result, err error) {
	start := time.Now()
	defer func() { observe("project.import", start, err) }()
	return f.ingestor.Import(ctx, actor, uploadPath)
}

// Lifecycle operations

// StartProject launches a project
func (f *Facade) StartProject(ctx context.Context, actor *types.User, projectID int64) (err error) {
	start := time.Now()
	defer func() { observe("lifecycle.start", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}
	if err := f.sup.Start(ctx, project.ID); err != nil {
		return err
	}
	return f.store.AppendAudit(actor.ID, "lifecycle.start", fmt.Sprintf("project:%d", project.ID), "")
}

// StopProject terminates a live project
func (f *Facade) StopProject(actor *types.User, projectID int64, reason string) (err error) {
	start := time.Now()
	defer func() { observe("lifecycle.stop", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "stop"
	}
	if err := f.sup.Stop(project.ID, reason); err != nil {
		return err
	}
	return f.store.AppendAudit(actor.ID, "lifecycle.stop", fmt.Sprintf("project:%d", project.ID), reason)
}

// RestartProject stops and starts a project as one logical operation
func (f *Facade) RestartProject(ctx context.Context, actor *types.User, projectID int64) (err error) {
	start := time.Now()
	defer func() { observe("lifecycle.restart", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}
	if err := f.sup.Restart(ctx, project.ID); err != nil {
		return err
	}
	return f.store.AppendAudit(actor.ID, "lifecycle.restart", fmt.Sprintf("project:%d", project.ID), "")
}

// Environment operations

// EnvList returns the project's env keys with decrypted values
func (f *Facade) EnvList(actor *types.User, projectID int64) (env map[string]string, err error) {
	start := time.Now()
	defer func() { observe("env.list", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return nil, err
	}
	rows, err := f.store.ListEnvVars(project.ID)
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	env = make(map[string]string, len(rows))
	for _, row := range rows {
		env[row.Key] = f.box.DecryptString(row.Key, row.Value)
	}
	return env, nil
}

// EnvSet encrypts and stores one env value
func (f *Facade) EnvSet(actor *types.User, projectID int64, key, value string) (err error) {
	start := time.Now()
	defer func() { observe("env.set", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}
	if !envKeyRe.MatchString(key) {
		return errdefs.Invalid("invalid env key: %s", key)
	}
	if value == "" {
		return errdefs.Invalid("env value cannot be empty")
	}
	blob, err := f.box.Encrypt([]byte(value))
	if err != nil {
		return errdefs.Internal(err)
	}
	if err := f.store.SetEnvVar(project.ID, key, blob); err != nil {
		return errdefs.Internal(err)
	}
	return f.store.AppendAudit(actor.ID, "env.set", fmt.Sprintf("project:%d", project.ID), key)
}

// EnvDelete removes one env value
func (f *Facade) EnvDelete(actor *types.User, projectID int64, key string) (err error) {
	start := time.Now()
	defer func() { observe("env.delete", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}
	if err := f.store.DeleteEnvVar(project.ID, key); err != nil {
		return err
	}
	return f.store.AppendAudit(actor.ID, "env.delete", fmt.Sprintf("project:%d", project.ID), key)
}

// Install operations

// InstallPackage installs a single package into the project's sandbox
func (f *Facade) InstallPackage(ctx context.Context, actor *types.User, projectID int64, spec string) (output string, err error) {
	start := time.Now()
	defer func() { observe("install.package", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return "", err
	}
	owner, err := f.store.GetUser(project.OwnerID)
	if err != nil {
		return "", err
	}
	if err := f.guard.CheckDailyInstalls(owner); err != nil {
		return "", err
	}
	metrics.InstallsTotal.Inc()
	return f.sandbox.InstallPackage(ctx, project.OwnerID, project.ID, spec)
}

// InstallRequirements installs the project's vetted requirements.txt
func (f *Facade) InstallRequirements(ctx context.Context, actor *types.User, projectID int64) (output string, err error) {
	start := time.Now()
	defer func() { observe("install.requirements", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return "", err
	}
	owner, err := f.store.GetUser(project.OwnerID)
	if err != nil {
		return "", err
	}
	if err := f.guard.CheckDailyInstalls(owner); err != nil {
		return "", err
	}
	metrics.InstallsTotal.Inc()
	return f.sandbox.InstallRequirements(ctx, project.OwnerID, project.ID)
}

// Log operations

// TailLogs pages over the on-disk log, page 0 being the newest
func (f *Facade) TailLogs(actor *types.User, projectID int64, page int) (lp *LogPage, err error) {
	start := time.Now()
	defer func() { observe("logs.tail", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return nil, err
	}
	window, err := readTail(f.layout.LogFile(project.OwnerID, project.ID), tailWindow)
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	lp, err = pageLines(window, page, f.cfg.LogPageSize)
	if err != nil {
		return nil, err
	}
	lp.Status = f.sup.Status(project.ID)
	return lp, nil
}

// ClearLogs truncates the project's log file to empty
func (f *Facade) ClearLogs(actor *types.User, projectID int64) (err error) {
	start := time.Now()
	defer func() { observe("logs.clear", start, err) }()
	project, err := f.projectForActor(actor, projectID)
	if err != nil {
		return err
	}
	path := f.layout.LogFile(project.OwnerID, project.ID)
	if err := truncateFile(path); err != nil {
		return errdefs.Internal(err)
	}
	return nil
}

// Profile is the per-user usage summary
type Profile struct {
	User      *types.User
	Plan      types.Plan
	Running   int
	Projects  int
	DiskUsed  int64
	Uploads   int
	Installs  int
}

// GetProfile returns the actor's plan and usage panel data
func (f *Facade) GetProfile(actor *types.User) (p *Profile, err error) {
	start := time.Now()
	defer func() { observe("profile.get", start, err) }()
	plan := f.cfg.PlanFor(actor)
	projects, err := f.store.ListProjectsByOwner(actor.ID)
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	usage, err := f.store.GetDailyUsage(actor.ID, quota.Today())
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	return &Profile{
		User:     actor,
		Plan:     plan,
		Running:  f.sup.LiveCountForUser(actor.ID),
		Projects: len(projects),
		DiskUsed: layout.DirSize(f.layout.UserRoot(actor.ID)),
		Uploads:  usage.Uploads,
		Installs: usage.Installs,
	}, nil
}
