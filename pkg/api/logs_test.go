package api

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostingbot/hostingbot/pkg/errdefs"
)

func numberedLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	return lines
}

func TestPageLinesNewestFirst(t *testing.T) {
	window := numberedLines(120)

	// Page 0 is the newest page
	page, err := pageLines(window, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, "line 71", page.Lines[0])
	assert.Equal(t, "line 120", page.Lines[len(page.Lines)-1])
	assert.Equal(t, "lines 71–120 of 120", page.Summary)
	assert.True(t, page.HasOlder)

	page, err = pageLines(window, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, "line 21", page.Lines[0])
	assert.True(t, page.HasOlder)

	// The last page is short and has nothing older
	page, err = pageLines(window, 2, 50)
	require.NoError(t, err)
	assert.Len(t, page.Lines, 20)
	assert.Equal(t, "line 1", page.Lines[0])
	assert.Equal(t, "lines 1–20 of 120", page.Summary)
	assert.False(t, page.HasOlder)
}

func TestPageLinesOutOfRange(t *testing.T) {
	window := numberedLines(10)

	_, err := pageLines(window, -1, 50)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalid))

	_, err = pageLines(window, 5, 50)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalid))
}

func TestPageLinesEmpty(t *testing.T) {
	page, err := pageLines(nil, 0, 50)
	require.NoError(t, err)
	assert.Empty(t, page.Lines)
	assert.Equal(t, "log is empty", page.Summary)
	assert.False(t, page.HasOlder)
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(numberedLines(30), "\n")+"\n"), 0644))

	lines, err := readTail(path, 10)
	require.NoError(t, err)
	require.Len(t, lines, 10)
	assert.Equal(t, "line 21", lines[0])
	assert.Equal(t, "line 30", lines[9])
}

func TestReadTailMissingFile(t *testing.T) {
	lines, err := readTail(filepath.Join(t.TempDir(), "nope.log"), 10)
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestTruncateLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(numberedLines(500), "\n")+"\n"), 0644))

	// Under the threshold: untouched
	did, err := truncateLog(path, 1024*1024, 100)
	require.NoError(t, err)
	assert.False(t, did)

	// Over the threshold: rewritten keeping the newest lines
	did, err = truncateLog(path, 10, 100)
	require.NoError(t, err)
	assert.True(t, did)

	lines, err := readTail(path, 1000)
	require.NoError(t, err)
	require.Len(t, lines, 100)
	assert.Equal(t, "line 401", lines[0])
	assert.Equal(t, "line 500", lines[99])
}

func TestTruncateLogMissingFile(t *testing.T) {
	did, err := truncateLog(filepath.Join(t.TempDir(), "nope.log"), 10, 100)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestTruncateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte("content\n"), 0644))

	require.NoError(t, truncateFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}
