package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/types"
)

var (
	// Bucket names
	bucketUsers     = []byte("users")
	bucketUserState = []byte("user_state")
	bucketBans      = []byte("bans")
	bucketUsage     = []byte("daily_usage")
	bucketProjects  = []byte("projects")
	bucketEnvVars   = []byte("env_vars")
	bucketRuns      = []byte("runs")
	bucketAudit     = []byte("audit")
)

// BoltStore is the bbolt-backed metadata store
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the metadata database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hostingbot.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketUserState,
			bucketBans,
			bucketUsage,
			bucketProjects,
			bucketEnvVars,
			bucketRuns,
			bucketAudit,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob encodes an integer key in big-endian so bucket order matches
// numeric order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// envKey builds the composite (project, key) bucket key
func envKey(projectID int64, key string) []byte {
	return []byte(fmt.Sprintf("%d/%s", projectID, key))
}

// usageKey builds the composite (user, day) bucket key
func usageKey(userID int64, day string) []byte {
	return []byte(fmt.Sprintf("%d/%s", userID, day))
}

// User operations

// UpsertUser creates the user on first contact and refreshes handle and
// last-seen on every subsequent one. The premium flag is preserved.
func (s *BoltStore) UpsertUser(id int64, handle string) (*types.User, error) {
	var user types.User
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		now := time.Now().UTC()

		if data := b.Get(itob(id)); data != nil {
			if err := json.Unmarshal(data, &user); err != nil {
				return err
			}
			user.Handle = handle
			user.LastSeen = now
		} else {
			user = types.User{
				ID:        id,
				Handle:    handle,
				CreatedAt: now,
				LastSeen:  now,
			}
		}

		data, err := json.Marshal(&user)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	return &user, err
}

func (s *BoltStore) GetUser(id int64) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get(itob(id))
		if data == nil {
			return errdefs.NotFound("user not found: %d", id)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) SetPremium(id int64, premium bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get(itob(id))
		if data == nil {
			return errdefs.NotFound("user not found: %d", id)
		}
		var user types.User
		if err := json.Unmarshal(data, &user); err != nil {
			return err
		}
		user.Premium = premium
		out, err := json.Marshal(&user)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}

func (s *BoltStore) CountUsers() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketUsers).Stats().KeyN
		return nil
	})
	return n, err
}

// Ban operations

func (s *BoltStore) Ban(userID int64, reason string, bannedBy int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ban := types.Ban{
			UserID:   userID,
			Reason:   reason,
			BannedBy: bannedBy,
			BannedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(&ban)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBans).Put(itob(userID), data)
	})
}

func (s *BoltStore) Unban(userID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Delete(itob(userID))
	})
}

// GetBan returns the ban row for a user, or nil when not banned
func (s *BoltStore) GetBan(userID int64) (*types.Ban, error) {
	var ban *types.Ban
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBans).Get(itob(userID))
		if data == nil {
			return nil
		}
		ban = &types.Ban{}
		return json.Unmarshal(data, ban)
	})
	return ban, err
}

func (s *BoltStore) IsBanned(userID int64) (bool, error) {
	ban, err := s.GetBan(userID)
	return ban != nil, err
}

// User state (admission gate flags)

func (s *BoltStore) GetUserState(userID int64) (*types.UserState, error) {
	state := &types.UserState{UserID: userID}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUserState).Get(itob(userID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, state)
	})
	return state, err
}

func (s *BoltStore) SetTOSAccepted(userID int64, accepted bool) error {
	return s.updateUserState(userID, func(st *types.UserState) {
		st.TOSAccepted = accepted
	})
}

func (s *BoltStore) SetVerified(userID int64, verified bool) error {
	return s.updateUserState(userID, func(st *types.UserState) {
		st.Verified = verified
		if verified {
			st.VerifiedAt = time.Now().UTC()
		}
	})
}

func (s *BoltStore) updateUserState(userID int64, mutate func(*types.UserState)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUserState)
		state := types.UserState{UserID: userID}
		if data := b.Get(itob(userID)); data != nil {
			if err := json.Unmarshal(data, &state); err != nil {
				return err
			}
		}
		mutate(&state)
		out, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		return b.Put(itob(userID), out)
	})
}

// Daily usage counters

// GetDailyUsage returns the counters for the given UTC day, zeroed when
// no row exists yet.
func (s *BoltStore) GetDailyUsage(userID int64, day string) (*types.DailyUsage, error) {
	usage := &types.DailyUsage{UserID: userID, Day: day}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsage).Get(usageKey(userID, day))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, usage)
	})
	return usage, err
}

func (s *BoltStore) IncUploads(userID int64, day string) error {
	return s.incUsage(userID, day, func(u *types.DailyUsage) { u.Uploads++ })
}

func (s *BoltStore) IncInstalls(userID int64, day string) error {
	return s.incUsage(userID, day, func(u *types.DailyUsage) { u.Installs++ })
}

func (s *BoltStore) incUsage(userID int64, day string, inc func(*types.DailyUsage)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		usage := types.DailyUsage{UserID: userID, Day: day}
		if data := b.Get(usageKey(userID, day)); data != nil {
			if err := json.Unmarshal(data, &usage); err != nil {
				return err
			}
		}
		inc(&usage)
		out, err := json.Marshal(&usage)
		if err != nil {
			return err
		}
		return b.Put(usageKey(userID, day), out)
	})
}

// Project operations

// CreateProject allocates the next project ID and writes the catalog row
func (s *BoltStore) CreateProject(ownerID int64, name, entrypoint string) (*types.Project, error) {
	var project types.Project
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		project = types.Project{
			ID:         int64(seq),
			OwnerID:    ownerID,
			Name:       name,
			Entrypoint: entrypoint,
			Autostart:  true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		data, err := json.Marshal(&project)
		if err != nil {
			return err
		}
		return b.Put(itob(project.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) GetProject(id int64) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProjects).Get(itob(id))
		if data == nil {
			return errdefs.NotFound("project not found: %d", id)
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) ListProjectsByOwner(ownerID int64) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.OwnerID == ownerID {
				projects = append(projects, &p)
			}
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) ListAutostartProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Autostart {
				projects = append(projects, &p)
			}
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) ListAllProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			projects = append(projects, &p)
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) CountProjects() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketProjects).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) RenameProject(id int64, name string) error {
	return s.mutateProject(id, func(p *types.Project) { p.Name = name })
}

func (s *BoltStore) SetEntrypoint(id int64, entrypoint string) error {
	return s.mutateProject(id, func(p *types.Project) { p.Entrypoint = entrypoint })
}

func (s *BoltStore) SetAutostart(id int64, autostart bool) error {
	return s.mutateProject(id, func(p *types.Project) { p.Autostart = autostart })
}

func (s *BoltStore) TouchProject(id int64) error {
	return s.mutateProject(id, func(p *types.Project) {})
}

func (s *BoltStore) mutateProject(id int64, mutate func(*types.Project)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get(itob(id))
		if data == nil {
			return errdefs.NotFound("project not found: %d", id)
		}
		var p types.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		mutate(&p)
		p.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}

// DeleteProject removes the catalog row and all env rows for the project
// in a single transaction.
func (s *BoltStore) DeleteProject(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProjects).Delete(itob(id)); err != nil {
			return err
		}

		env := tx.Bucket(bucketEnvVars)
		prefix := []byte(fmt.Sprintf("%d/", id))
		c := env.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := env.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Env var operations. Values are opaque encrypted blobs; this component
// never sees plaintext.

func (s *BoltStore) SetEnvVar(projectID int64, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		row := types.EnvVar{ProjectID: projectID, Key: key, Value: value}
		data, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEnvVars).Put(envKey(projectID, key), data)
	})
}

func (s *BoltStore) DeleteEnvVar(projectID int64, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvVars)
		if b.Get(envKey(projectID, key)) == nil {
			return errdefs.NotFound("env var not found: %s", key)
		}
		return b.Delete(envKey(projectID, key))
	})
}

func (s *BoltStore) ListEnvVars(projectID int64) ([]*types.EnvVar, error) {
	var rows []*types.EnvVar
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(fmt.Sprintf("%d/", projectID))
		c := tx.Bucket(bucketEnvVars).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row types.EnvVar
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, &row)
		}
		return nil
	})
	return rows, err
}

// Run operations

// StartRun opens a run row for a freshly spawned child
func (s *BoltStore) StartRun(projectID int64, pid int) (*types.Run, error) {
	var run types.Run
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		run = types.Run{
			ID:        int64(seq),
			ProjectID: projectID,
			PID:       pid,
			StartedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		return b.Put(itob(run.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// StopRun closes a run row with the observed exit code and reason.
// Closing an already-closed row is a no-op.
func (s *BoltStore) StopRun(runID int64, exitCode int, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get(itob(runID))
		if data == nil {
			return errdefs.NotFound("run not found: %d", runID)
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		if !run.Open() {
			return nil
		}
		run.StoppedAt = time.Now().UTC()
		run.ExitCode = exitCode
		run.Reason = reason
		out, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		return b.Put(itob(runID), out)
	})
}

// OpenRun returns the open run row for a project, or nil when none exists
func (s *BoltStore) OpenRun(projectID int64) (*types.Run, error) {
	var open *types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.ProjectID == projectID && run.Open() {
				open = &run
			}
			return nil
		})
	})
	return open, err
}

func (s *BoltStore) ListRuns(projectID int64) ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.ProjectID == projectID {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	return runs, err
}

// Audit trail

func (s *BoltStore) AppendAudit(actor int64, action, target, details string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec := types.AuditRecord{
			ID:      int64(seq),
			TS:      time.Now().UTC(),
			Actor:   actor,
			Action:  action,
			Target:  target,
			Details: details,
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(itob(rec.ID), data)
	})
}
