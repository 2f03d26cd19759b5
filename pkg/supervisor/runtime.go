package supervisor

import (
	"os/exec"
	"sync"
	"time"
)

// Runtime is the in-memory record of one live child process together
// with its pump and waiter tasks. Runtimes are owned by the Supervisor;
// the registry is never exposed by reference.
type Runtime struct {
	ProjectID  int64
	OwnerID    int64
	Name       string
	Entrypoint string
	RunID      int64
	PID        int
	StartedAt  time.Time

	// backoff is the delay the next unattended restart will use
	backoff time.Duration

	ring *Ring
	cmd  *exec.Cmd

	mu       sync.Mutex
	stopping bool
	reason   string

	// pumpDone closes when the log pump has drained the child's output;
	// done closes when the waiter has finished teardown.
	pumpDone chan struct{}
	done     chan struct{}
}

// markStopping flags a deliberate stop and records its reason.
// The first caller wins.
func (rt *Runtime) markStopping(reason string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.stopping {
		rt.stopping = true
		rt.reason = reason
	}
}

func (rt *Runtime) isStopping() (bool, string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stopping, rt.reason
}

// LastLines returns up to n newest buffered log lines
func (rt *Runtime) LastLines(n int) []string {
	return rt.ring.Last(n)
}

// Info is a point-in-time snapshot of a live runtime
type Info struct {
	ProjectID  int64
	OwnerID    int64
	Name       string
	PID        int
	RunID      int64
	StartedAt  time.Time
	Stopping   bool
}

func (rt *Runtime) snapshot() Info {
	stopping, _ := rt.isStopping()
	return Info{
		ProjectID: rt.ProjectID,
		OwnerID:   rt.OwnerID,
		Name:      rt.Name,
		PID:       rt.PID,
		RunID:     rt.RunID,
		StartedAt: rt.StartedAt,
		Stopping:  stopping,
	}
}
