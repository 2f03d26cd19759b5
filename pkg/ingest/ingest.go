package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostingbot/hostingbot/pkg/archive"
	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/log"
	"github.com/hostingbot/hostingbot/pkg/metrics"
	"github.com/hostingbot/hostingbot/pkg/pycheck"
	"github.com/hostingbot/hostingbot/pkg/quota"
	"github.com/hostingbot/hostingbot/pkg/storage"
	"github.com/hostingbot/hostingbot/pkg/types"
)

const (
	// DefaultName is used when sanitization leaves nothing
	DefaultName = "MyProject"

	maxNameLen = 32

	janitorInterval = 5 * time.Minute
)

var nameStripRe = regexp.MustCompile(`[^a-zA-Z0-9 _\-.]`)
var spaceRe = regexp.MustCompile(`\s+`)

// SanitizeName normalizes a project display name. Idempotent.
func SanitizeName(name string) string {
	name = spaceRe.ReplaceAllString(name, " ")
	name = nameStripRe.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	if len(name) > maxNameLen {
		name = strings.TrimSpace(name[:maxNameLen])
	}
	if name == "" {
		return DefaultName
	}
	return name
}

// Staged is an upload parked in staging awaiting an entrypoint pick
type Staged struct {
	Token      string
	UserID     int64
	ProjectID  int64 // 0 for a new project
	Name       string
	Dir        string
	SourceDir  string
	Candidates []string
	CreatedAt  time.Time

	meta *archive.Meta
}

// Result is the outcome of an ingest operation. Exactly one of Project
// and Pending is set: Pending means the upload is parked awaiting an
// entrypoint pick.
type Result struct {
	Project *types.Project
	Pending *Staged
}

// Ingestor validates, stages and commits user uploads
type Ingestor struct {
	store  *storage.BoltStore
	cfg    *config.Config
	layout *layout.Manager
	guard  *quota.Guard

	mu     sync.Mutex
	staged map[string]*Staged

	stopCh chan struct{}
}

// NewIngestor creates the upload ingestor
func NewIngestor(store *storage.BoltStore, cfg *config.Config, lm *layout.Manager, guard *quota.Guard) *Ingestor {
	return &Ingestor{
		store:  store,
		cfg:    cfg,
		layout: lm,
		guard:  guard,
		staged: make(map[string]*Staged),
		stopCh: make(chan struct{}),
	}
}

// Create ingests an upload as a new project. uploadPath is the received
// blob on local disk; filename is its original name (used to tell a
// single source file from an archive).
func (ing *Ingestor) Create(ctx context.Context, user *types.User, name, uploadPath, filename string) (*Result, error) {
	if err := ing.admitUpload(user, uploadPath, true); err != nil {
		return nil, err
	}

	staged, err := ing.stage(ctx, user.ID, uploadPath, filename)
	if err != nil {
		return nil, err
	}
	staged.Name = SanitizeName(name)

	if len(staged.Candidates) == 0 {
		ing.discard(staged)
		return nil, errdefs.Invalid("upload contains no source files")
	}

	entry := pycheck.DetectEntrypoint(staged.Candidates)
	if entry == "" {
		ing.park(staged)
		return &Result{Pending: staged}, nil
	}
	return ing.commit(user, staged, entry)
}

// Update ingests an upload as a replacement for an existing project's
// source tree.
func (ing *Ingestor) Update(ctx context.Context, user *types.User, project *types.Project, uploadPath, filename string) (*Result, error) {
	if err := ing.admitUpload(user, uploadPath, false); err != nil {
		return nil, err
	}

	staged, err := ing.stage(ctx, user.ID, uploadPath, filename)
	if err != nil {
		return nil, err
	}
	staged.ProjectID = project.ID

	if len(staged.Candidates) == 0 {
		ing.discard(staged)
		return nil, errdefs.Invalid("upload contains no source files")
	}

	entry := pycheck.DetectEntrypoint(staged.Candidates)
	if entry == "" {
		// The previous entrypoint survives an update when it still exists
		for _, c := range staged.Candidates {
			if c == project.Entrypoint {
				entry = c
				break
			}
		}
	}
	if entry == "" {
		ing.park(staged)
		return &Result{Pending: staged}, nil
	}
	return ing.commit(user, staged, entry)
}

// Import ingests an export archive, honoring its metadata for the
// display name and entrypoint.
func (ing *Ingestor) Import(ctx context.Context, user *types.User, uploadPath string) (*Result, error) {
	if err := ing.admitUpload(user, uploadPath, true); err != nil {
		return nil, err
	}

	staged, err := ing.stage(ctx, user.ID, uploadPath, "import.zip")
	if err != nil {
		return nil, err
	}

	if len(staged.Candidates) == 0 {
		ing.discard(staged)
		return nil, errdefs.Invalid("archive contains no source files")
	}

	name := DefaultName
	entry := ""
	if staged.meta != nil {
		name = SanitizeName(staged.meta.Name)
		for _, c := range staged.Candidates {
			if c == staged.meta.Entrypoint {
				entry = c
				break
			}
		}
	}
	staged.Name = name

	if entry == "" {
		entry = pycheck.DetectEntrypoint(staged.Candidates)
	}
	if entry == "" {
		ing.park(staged)
		return &Result{Pending: staged}, nil
	}
	return ing.commit(user, staged, entry)
}

// Resolve completes a parked upload with the operator's entrypoint pick
func (ing *Ingestor) Resolve(user *types.User, token, pick string) (*Result, error) {
	ing.mu.Lock()
	staged, ok := ing.staged[token]
	if ok {
		delete(ing.staged, token)
	}
	ing.mu.Unlock()

	if !ok {
		return nil, errdefs.NotFound("upload expired, please send it again")
	}
	if staged.UserID != user.ID {
		ing.discard(staged)
		return nil, errdefs.Forbidden("not your upload")
	}

	valid := false
	for _, c := range staged.Candidates {
		if c == pick {
			valid = true
			break
		}
	}
	if !valid {
		ing.park(staged)
		return nil, errdefs.Invalid("not a candidate entrypoint: %s", pick)
	}
	return ing.commit(user, staged, pick)
}

// admitUpload runs the pre-disk admission chain: ban, daily counter,
// project slots (new projects only), size cap.
func (ing *Ingestor) admitUpload(user *types.User, uploadPath string, newProject bool) error {
	if err := ing.guard.CheckBan(user.ID); err != nil {
		return err
	}
	if err := ing.guard.CheckDailyUploads(user); err != nil {
		return err
	}
	if newProject {
		if err := ing.guard.CheckProjectSlots(user); err != nil {
			return err
		}
	}
	info, err := os.Stat(uploadPath)
	if err != nil {
		return errdefs.Internal(err)
	}
	if info.Size() > ing.cfg.UploadMaxSize {
		return errdefs.QuotaExceeded("upload exceeds the %d MiB limit", ing.cfg.UploadMaxSize/(1024*1024))
	}
	return nil
}

// stage extracts (or copies) the upload into a fresh staging directory,
// runs the syntax pre-check and enumerates entrypoint candidates.
func (ing *Ingestor) stage(ctx context.Context, userID int64, uploadPath, filename string) (*Staged, error) {
	dir := filepath.Join(ing.layout.StagingRoot(), uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.Internal(err)
	}

	staged := &Staged{
		Token:     uuid.New().String(),
		UserID:    userID,
		Dir:       dir,
		CreatedAt: time.Now(),
	}

	fail := func(err error) (*Staged, error) {
		ing.discard(staged)
		return nil, err
	}

	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		if err := archive.SafeExtract(uploadPath, dir); err != nil {
			return fail(err)
		}
		meta, srcDir, err := archive.LoadImport(dir)
		if err != nil {
			return fail(err)
		}
		staged.meta = meta
		staged.SourceDir = srcDir
	case strings.HasSuffix(lower, ".py"):
		base := filepath.Base(filename)
		if err := copyFile(uploadPath, filepath.Join(dir, base)); err != nil {
			return fail(errdefs.Internal(err))
		}
		staged.SourceDir = dir
	default:
		return fail(errdefs.Invalid("unsupported upload type, expected .py or .zip"))
	}

	if err := pycheck.SyntaxCheck(ctx, ing.cfg.PythonBin, staged.SourceDir); err != nil {
		return fail(err)
	}

	files, err := pycheck.ListSourceFiles(staged.SourceDir)
	if err != nil {
		return fail(errdefs.Internal(err))
	}
	staged.Candidates = files
	return staged, nil
}

// commit checks the disk projection, writes the catalog row and swaps
// the source tree into place. The upload counter is incremented exactly
// once, after a successful commit.
func (ing *Ingestor) commit(user *types.User, staged *Staged, entrypoint string) (*Result, error) {
	defer ing.discard(staged)

	addBytes := layout.DirSize(staged.SourceDir)

	var project *types.Project
	var err error
	if staged.ProjectID == 0 {
		if err := ing.guard.CheckDiskForNew(user, addBytes); err != nil {
			return nil, err
		}
		project, err = ing.store.CreateProject(user.ID, staged.Name, entrypoint)
		if err != nil {
			return nil, errdefs.Internal(err)
		}
	} else {
		if err := ing.guard.CheckDiskForUpdate(user, staged.ProjectID, addBytes); err != nil {
			return nil, err
		}
		project, err = ing.store.GetProject(staged.ProjectID)
		if err != nil {
			return nil, err
		}
	}

	if err := ing.layout.EnsureProjectDirs(user.ID, project.ID); err != nil {
		if staged.ProjectID == 0 {
			_ = ing.store.DeleteProject(project.ID)
		}
		return nil, errdefs.Internal(err)
	}

	srcRoot := ing.layout.SourceRoot(user.ID, project.ID)
	if err := replaceTree(staged.SourceDir, srcRoot); err != nil {
		if staged.ProjectID == 0 {
			_ = ing.store.DeleteProject(project.ID)
		}
		return nil, errdefs.Internal(err)
	}

	if staged.ProjectID != 0 {
		if err := ing.store.SetEntrypoint(project.ID, entrypoint); err != nil {
			return nil, errdefs.Internal(err)
		}
		project.Entrypoint = entrypoint
		ing.appendLogHeader(user.ID, project.ID, "UPDATED")
	} else {
		ing.appendLogHeader(user.ID, project.ID, "CREATED")
	}

	if err := ing.store.IncUploads(user.ID, quota.Today()); err != nil {
		logger := log.WithComponent("ingest")
		logger.Warn().Err(err).Msg("Failed to bump upload counter")
	}
	metrics.UploadsTotal.Inc()

	action := "project.create"
	if staged.ProjectID != 0 {
		action = "project.update"
	}
	_ = ing.store.AppendAudit(user.ID, action, fmt.Sprintf("project:%d", project.ID), entrypoint)

	return &Result{Project: project}, nil
}

func (ing *Ingestor) appendLogHeader(userID, projectID int64, what string) {
	path := ing.layout.LogFile(userID, projectID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "===== %s %s | project=%d =====\n", what, time.Now().UTC().Format(time.RFC3339), projectID)
}

// park keeps a staged upload for a later entrypoint pick
func (ing *Ingestor) park(staged *Staged) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	ing.staged[staged.Token] = staged
}

// discard deletes the staging directory
func (ing *Ingestor) discard(staged *Staged) {
	_ = os.RemoveAll(staged.Dir)
}

// StartJanitor begins the staging TTL sweep
func (ing *Ingestor) StartJanitor() {
	go ing.janitorLoop()
}

// StopJanitor stops the sweep
func (ing *Ingestor) StopJanitor() {
	close(ing.stopCh)
}

func (ing *Ingestor) janitorLoop() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ing.sweep()
		case <-ing.stopCh:
			return
		}
	}
}

// sweep drops parked uploads past the TTL and orphaned staging
// directories left by crashes.
func (ing *Ingestor) sweep() {
	cutoff := time.Now().Add(-ing.cfg.StagingTTL)
	logger := log.WithComponent("ingest")

	ing.mu.Lock()
	for token, staged := range ing.staged {
		if staged.CreatedAt.Before(cutoff) {
			delete(ing.staged, token)
			ing.discard(staged)
			logger.Info().Str("token", token).Msg("Expired staged upload")
		}
	}
	live := make(map[string]bool, len(ing.staged))
	for _, staged := range ing.staged {
		live[staged.Dir] = true
	}
	ing.mu.Unlock()

	entries, err := os.ReadDir(ing.layout.StagingRoot())
	if err != nil {
		return
	}
	for _, e := range entries {
		dir := filepath.Join(ing.layout.StagingRoot(), e.Name())
		if live[dir] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.RemoveAll(dir)
	}
}

// replaceTree atomically swaps newDir into place at dest, keeping the
// old tree until the rename succeeds.
func replaceTree(newDir, dest string) error {
	old := dest + ".old"
	_ = os.RemoveAll(old)

	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, old); err != nil {
			return fmt.Errorf("failed to move old source aside: %w", err)
		}
	}
	if err := os.Rename(newDir, dest); err != nil {
		_ = os.Rename(old, dest)
		return fmt.Errorf("failed to install new source: %w", err)
	}
	return os.RemoveAll(old)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
