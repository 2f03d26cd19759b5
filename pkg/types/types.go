package types

import (
	"time"
)

// PlanName identifies a subscription tier
type PlanName string

const (
	PlanFree    PlanName = "free"
	PlanPremium PlanName = "premium"
)

// Plan bundles the per-user limits of a subscription tier.
// Plans appear in the YAML service configuration, hence the yaml tags.
type Plan struct {
	Name          PlanName `json:"name" yaml:"name"`
	MaxRunning    int      `json:"max_running" yaml:"max_running"`
	MaxProjects   int      `json:"max_projects" yaml:"max_projects"`
	DiskBytes     int64    `json:"disk_bytes" yaml:"disk_bytes"`
	RAMBytes      int64    `json:"ram_bytes" yaml:"ram_bytes"`
	DailyUploads  int      `json:"daily_uploads" yaml:"daily_uploads"`
	DailyInstalls int      `json:"daily_installs" yaml:"daily_installs"`
}

// User is a known operator of the service. Users are created on first
// contact and never deleted.
type User struct {
	ID        int64     `json:"id"`
	Handle    string    `json:"handle"`
	Premium   bool      `json:"premium"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// UserState tracks the admission-gate flags for a user
type UserState struct {
	UserID      int64     `json:"user_id"`
	TOSAccepted bool      `json:"tos_accepted"`
	Verified    bool      `json:"verified"`
	VerifiedAt  time.Time `json:"verified_at,omitempty"`
}

// Ban denies all operations for a user while present
type Ban struct {
	UserID   int64     `json:"user_id"`
	Reason   string    `json:"reason"`
	BannedBy int64     `json:"banned_by"`
	BannedAt time.Time `json:"banned_at"`
}

// ProjectStatus is the lifecycle state visible to operators
type ProjectStatus string

const (
	StatusRunning ProjectStatus = "running"
	StatusStopped ProjectStatus = "stopped"
)

// Project is a user's uploaded program together with its metadata.
// Source, sandbox and logs live on disk under the project's subtree.
type Project struct {
	ID         int64     `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	Name       string    `json:"name"`
	Entrypoint string    `json:"entrypoint"`
	Autostart  bool      `json:"autostart"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EnvVar is one encrypted environment value for a project
type EnvVar struct {
	ProjectID int64  `json:"project_id"`
	Key       string `json:"key"`
	Value     []byte `json:"value"` // encrypted blob
}

// Run records one execution of a project's child process.
// StoppedAt is zero while the run is open.
type Run struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Reason    string    `json:"reason,omitempty"`
}

// Open reports whether the run row has not been closed yet
func (r *Run) Open() bool {
	return r.StoppedAt.IsZero()
}

// DailyUsage holds the quota counters for one user on one UTC day.
// Counters reset implicitly through the day key.
type DailyUsage struct {
	UserID   int64  `json:"user_id"`
	Day      string `json:"day"` // YYYY-MM-DD, UTC
	Uploads  int    `json:"uploads"`
	Installs int    `json:"installs"`
}

// AuditRecord is one append-only trail entry
type AuditRecord struct {
	ID      int64     `json:"id"`
	TS      time.Time `json:"ts"`
	Actor   int64     `json:"actor"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"`
	Details string    `json:"details,omitempty"`
}
