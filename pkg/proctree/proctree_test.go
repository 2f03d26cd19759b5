package proctree

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireProcfs(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
}

func TestAlive(t *testing.T) {
	requireProcfs(t)

	assert.True(t, Alive(os.Getpid()))

	// A PID far beyond pid_max is never alive
	assert.False(t, Alive(1<<30))
}

func TestDescendantsSeesChild(t *testing.T) {
	requireProcfs(t)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	pids, err := Descendants(os.Getpid())
	require.NoError(t, err)
	assert.Contains(t, pids, cmd.Process.Pid)
}

func TestTreeRSS(t *testing.T) {
	requireProcfs(t)

	rss, err := TreeRSS(os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, rss, int64(0))
}

func TestTreeKill(t *testing.T) {
	requireProcfs(t)

	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	TreeKill(pid, 2*time.Second)
	_, _ = cmd.Process.Wait()

	assert.False(t, Alive(pid))
}
