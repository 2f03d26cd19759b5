package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hostingbot/hostingbot/pkg/config"
	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/layout"
	"github.com/hostingbot/hostingbot/pkg/log"
	"github.com/hostingbot/hostingbot/pkg/quota"
	"github.com/hostingbot/hostingbot/pkg/storage"
)

const (
	// maxSpecLen bounds a single package specification
	maxSpecLen = 90

	// outputTail is how much installer output is kept for diagnosis
	outputTail = 1500
)

// packageSpecRe is the conservative grammar for a single package:
// NAME ( '[' EXTRAS ']' )? ( OP VERSION )?
var packageSpecRe = regexp.MustCompile(
	`^[A-Za-z0-9][A-Za-z0-9._-]*` +
		`(\[[A-Za-z0-9._,\s-]+\])?` +
		`((<=|>=|==|!=|~=|<|>)[A-Za-z0-9._*+!-]+)?$`,
)

// Provisioner creates per-project dependency sandboxes and runs installs
// inside them.
type Provisioner struct {
	store  *storage.BoltStore
	cfg    *config.Config
	layout *layout.Manager
}

// NewProvisioner creates a sandbox provisioner
func NewProvisioner(store *storage.BoltStore, cfg *config.Config, lm *layout.Manager) *Provisioner {
	return &Provisioner{store: store, cfg: cfg, layout: lm}
}

// VenvPython returns the sandboxed interpreter path
func (p *Provisioner) VenvPython(userID, projectID int64) string {
	return filepath.Join(p.layout.VenvRoot(userID, projectID), "bin", "python")
}

func (p *Provisioner) venvPip(userID, projectID int64) string {
	return filepath.Join(p.layout.VenvRoot(userID, projectID), "bin", "pip")
}

// HasVenv reports whether the project's sandbox has been provisioned
func (p *Provisioner) HasVenv(userID, projectID int64) bool {
	_, err := os.Stat(p.VenvPython(userID, projectID))
	return err == nil
}

// EnsureVenv provisions the sandbox on first need, bounded by the
// configured creation timeout.
func (p *Provisioner) EnsureVenv(ctx context.Context, userID, projectID int64) error {
	if p.HasVenv(userID, projectID) {
		return nil
	}

	venvRoot := p.layout.VenvRoot(userID, projectID)
	logger := log.WithProject(projectID)
	logger.Info().Str("venv", venvRoot).Msg("Provisioning sandbox")

	cctx, cancel := context.WithTimeout(ctx, p.cfg.VenvTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, p.cfg.PythonBin, "-m", "venv", venvRoot)
	out, err := cmd.CombinedOutput()

	if cctx.Err() == context.DeadlineExceeded {
		return errdefs.Timeout("sandbox creation timed out after %s", p.cfg.VenvTimeout)
	}
	if err != nil {
		return &errdefs.Error{
			Kind:    errdefs.KindInternal,
			Message: fmt.Sprintf("sandbox creation failed: %s", tail(out)),
			Cause:   err,
		}
	}
	return nil
}

// ValidatePackageSpec checks a single package specification against the
// conservative grammar.
func ValidatePackageSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return errdefs.Invalid("empty package specification")
	}
	if len(spec) > maxSpecLen {
		return errdefs.Invalid("package specification too long")
	}
	if !packageSpecRe.MatchString(spec) {
		return errdefs.Invalid("invalid package specification: %s", spec)
	}
	return nil
}

// VetRequirements parses a requirements manifest and returns the
// installable lines. The whole file is rejected on the first unsafe line.
func VetRequirements(data []byte) ([]string, error) {
	var out []string
	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "-"):
			return nil, errdefs.Invalid("requirements line %d: flags are not allowed", i+1)
		case strings.Contains(line, "://"):
			return nil, errdefs.Invalid("requirements line %d: URLs are not allowed", i+1)
		case strings.HasPrefix(line, "git+"):
			return nil, errdefs.Invalid("requirements line %d: VCS references are not allowed", i+1)
		}
		if err := ValidatePackageSpec(line); err != nil {
			return nil, errdefs.Invalid("requirements line %d: %s", i+1, line)
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, errdefs.Invalid("requirements file has no installable lines")
	}
	return out, nil
}

// InstallPackage installs a single validated package into the sandbox.
// The daily-install counter is consumed on attempt, not on success.
func (p *Provisioner) InstallPackage(ctx context.Context, userID, projectID int64, spec string) (string, error) {
	if err := ValidatePackageSpec(spec); err != nil {
		return "", err
	}
	return p.runPip(ctx, userID, projectID, []string{spec})
}

// InstallRequirements vets the project's requirements.txt and installs
// its lines.
func (p *Provisioner) InstallRequirements(ctx context.Context, userID, projectID int64) (string, error) {
	reqPath := filepath.Join(p.layout.SourceRoot(userID, projectID), "requirements.txt")
	data, err := os.ReadFile(reqPath)
	if os.IsNotExist(err) {
		return "", errdefs.NotFound("project has no requirements.txt")
	}
	if err != nil {
		return "", errdefs.Internal(err)
	}

	lines, err := VetRequirements(data)
	if err != nil {
		return "", err
	}
	return p.runPip(ctx, userID, projectID, lines)
}

// HasRequirements reports whether the project ships a requirements.txt
func (p *Provisioner) HasRequirements(userID, projectID int64) bool {
	_, err := os.Stat(filepath.Join(p.layout.SourceRoot(userID, projectID), "requirements.txt"))
	return err == nil
}

func (p *Provisioner) runPip(ctx context.Context, userID, projectID int64, specs []string) (string, error) {
	if err := p.EnsureVenv(ctx, userID, projectID); err != nil {
		return "", err
	}

	// Counter policy: consumed per attempt regardless of outcome.
	if err := p.store.IncInstalls(userID, quota.Today()); err != nil {
		return "", errdefs.Internal(err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.PipTimeout)
	defer cancel()

	args := append([]string{"install", "--disable-pip-version-check"}, specs...)
	cmd := exec.CommandContext(cctx, p.venvPip(userID, projectID), args...)
	out, err := cmd.CombinedOutput()

	if cctx.Err() == context.DeadlineExceeded {
		return tail(out), errdefs.Timeout("install timed out after %s", p.cfg.PipTimeout)
	}
	if err != nil {
		return tail(out), &errdefs.Error{
			Kind:    errdefs.KindInternal,
			Message: fmt.Sprintf("install failed: %s", tail(out)),
			Cause:   err,
		}
	}
	return tail(out), nil
}

// tail returns up to the last outputTail bytes of installer output
func tail(out []byte) string {
	if len(out) > outputTail {
		out = out[len(out)-outputTail:]
	}
	return strings.TrimSpace(string(out))
}
