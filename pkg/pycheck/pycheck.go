package pycheck

import (
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hostingbot/hostingbot/pkg/errdefs"
)

// entrypointPriority is the well-known entrypoint name order
var entrypointPriority = []string{
	"bot.py", "main.py", "app.py", "run.py", "start.py", "__main__.py",
}

// ListSourceFiles enumerates the .py files under root as sorted,
// slash-separated paths relative to root.
func ListSourceFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(strings.ToLower(d.Name()), ".py") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate source files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// DetectEntrypoint picks the project entrypoint from the candidate list.
// A single candidate wins outright; otherwise the first well-known name
// present wins. When neither applies the empty string is returned and the
// caller must ask the operator to pick.
func DetectEntrypoint(candidates []string) string {
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, want := range entrypointPriority {
		for _, c := range candidates {
			if strings.EqualFold(filepath.Base(c), want) {
				return c
			}
		}
	}
	return ""
}

// checkProgram walks the tree and parses every .py file, printing the
// first offender as "relpath<TAB>line<TAB>message" and exiting 2.
const checkProgram = `
import ast, os, sys
root = sys.argv[1]
for dirpath, dirnames, filenames in os.walk(root):
    dirnames.sort()
    for fn in sorted(filenames):
        if not fn.endswith('.py'):
            continue
        p = os.path.join(dirpath, fn)
        try:
            with open(p, 'rb') as fh:
                src = fh.read()
            ast.parse(src, filename=p)
        except SyntaxError as e:
            rel = os.path.relpath(p, root).replace(os.sep, '/')
            sys.stdout.write('%s\t%d\t%s\n' % (rel, e.lineno or 0, e.msg))
            sys.exit(2)
sys.exit(0)
`

// SyntaxCheck statically parses every source file under root using the
// host interpreter. The first syntax error fails the whole tree with a
// classified error carrying path, line and message.
func SyntaxCheck(ctx context.Context, pythonBin, root string) error {
	cmd := exec.CommandContext(ctx, pythonBin, "-c", checkProgram, root)
	out, err := cmd.Output()

	if ctx.Err() == context.DeadlineExceeded {
		return errdefs.Timeout("syntax check timed out")
	}
	if err == nil {
		return nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 2 {
		line := strings.TrimSpace(string(out))
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) == 3 {
			lineno, _ := strconv.Atoi(parts[1])
			return errdefs.Syntax(parts[0], lineno, parts[2])
		}
		return errdefs.Syntax("", 0, line)
	}
	return errdefs.Internal(fmt.Errorf("syntax check failed: %w", err))
}
