package proctree

import (
	"syscall"
	"time"

	"github.com/prometheus/procfs"
)

// Descendants enumerates every live process whose parent chain leads to
// pid, by walking the /proc PPID graph.
func Descendants(pid int) ([]int, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], p.PID)
	}

	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

// TreeRSS returns the resident set size in bytes summed over pid and all
// of its descendants. Processes that vanish mid-walk are skipped.
func TreeRSS(pid int) (int64, error) {
	pids, err := Descendants(pid)
	if err != nil {
		return 0, err
	}
	pids = append(pids, pid)

	var total int64
	for _, p := range pids {
		proc, err := procfs.NewProc(p)
		if err != nil {
			continue
		}
		stat, err := proc.Stat()
		if err != nil {
			continue
		}
		total += int64(stat.ResidentMemory())
	}
	return total, nil
}

// Alive reports whether the process still exists
func Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// TreeKill terminates pid and its whole descendant set: graceful TERM to
// the process group and every enumerated descendant, a bounded wait, then
// KILL for survivors. Signal errors are ignored; targets may already be
// gone.
func TreeKill(pid int, grace time.Duration) {
	pids, _ := Descendants(pid)
	pids = append(pids, pid)

	// The child runs in its own session, so the negative pid reaches the
	// whole group in one signal. Descendants are signalled individually
	// as well to cover processes that changed group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	for _, p := range pids {
		_ = syscall.Kill(p, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(pids) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	for _, p := range pids {
		if Alive(p) {
			_ = syscall.Kill(p, syscall.SIGKILL)
		}
	}
}

func anyAlive(pids []int) bool {
	for _, p := range pids {
		if Alive(p) {
			return true
		}
	}
	return false
}
