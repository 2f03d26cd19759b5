package pycheck

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostingbot/hostingbot/pkg/errdefs"
)

func TestDetectEntrypoint(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		want       string
	}{
		{"single candidate wins", []string{"whatever.py"}, "whatever.py"},
		{"bot.py beats main.py", []string{"main.py", "bot.py"}, "bot.py"},
		{"main.py beats app.py", []string{"app.py", "main.py"}, "main.py"},
		{"priority order", []string{"start.py", "run.py"}, "run.py"},
		{"dunder main", []string{"util.py", "__main__.py"}, "__main__.py"},
		{"case insensitive", []string{"util.py", "Main.py"}, "Main.py"},
		{"nested path matches by basename", []string{"util.py", "src/bot.py"}, "src/bot.py"},
		{"no well-known name", []string{"alpha.py", "beta.py"}, ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectEntrypoint(tt.candidates))
		})
	}
}

func TestListSourceFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0755))
	for _, f := range []string{"main.py", "zeta.py", "pkg/db.py", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(f)), []byte("x = 1\n"), 0644))
	}

	files, err := ListSourceFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py", "pkg/db.py", "zeta.py"}, files)
}

func requirePython(t *testing.T) string {
	t.Helper()
	bin, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not installed")
	}
	return bin
}

func TestSyntaxCheckClean(t *testing.T) {
	bin := requirePython(t)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "bot.py"), []byte("print('hi')\n"), 0644))

	assert.NoError(t, SyntaxCheck(context.Background(), bin, root))
}

func TestSyntaxCheckReportsOffender(t *testing.T) {
	bin := requirePython(t)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bot.py"), []byte("x = 1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "bad.py"), []byte("def broken(:\n"), 0644))

	err := SyntaxCheck(context.Background(), bin, root)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindSyntax))

	var se *errdefs.SyntaxError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "pkg/bad.py", se.Path)
	assert.Equal(t, 1, se.Line)
	assert.NotEmpty(t, se.Msg)
}

func TestSyntaxCheckTimeout(t *testing.T) {
	bin := requirePython(t)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "bot.py"), []byte("x = 1\n"), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()

	err := SyntaxCheck(ctx, bin, root)
	assert.True(t, errdefs.IsKind(err, errdefs.KindTimeout))
}
