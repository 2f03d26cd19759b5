package api

import (
	"bufio"
	"fmt"
	"os"

	"github.com/hostingbot/hostingbot/pkg/errdefs"
	"github.com/hostingbot/hostingbot/pkg/types"
)

const (
	// tailWindow bounds how many newest lines are pageable
	tailWindow = 900

	// cleanupThreshold and cleanupKeep drive admin.cleanup-logs
	cleanupThreshold = 5 * 1024 * 1024
	cleanupKeep      = 2000
)

// LogPage is one page of a project's log, newest page first
type LogPage struct {
	Status  types.ProjectStatus
	Page    int
	Lines   []string
	Summary string

	// HasOlder tells the front end whether a next (older) page exists
	HasOlder bool
}

// readTail reads the newest max lines of the file at path
func readTail(path string, max int) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > max*2 {
			lines = lines[len(lines)-max:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines, nil
}

// pageLines slices one page out of the tail window. Page 0 is the
// newest page.
func pageLines(window []string, page, pageSize int) (*LogPage, error) {
	if page < 0 {
		return nil, errdefs.Invalid("negative log page")
	}
	total := len(window)
	end := total - page*pageSize
	if end <= 0 && total > 0 {
		return nil, errdefs.Invalid("log page %d is out of range", page)
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}

	lp := &LogPage{
		Page:     page,
		Lines:    window[start:end],
		HasOlder: start > 0,
	}
	if total == 0 {
		lp.Summary = "log is empty"
	} else {
		lp.Summary = fmt.Sprintf("lines %d–%d of %d", start+1, end, total)
	}
	return lp, nil
}

// truncateFile empties the file if it exists
func truncateFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// truncateLog rewrites the file keeping only the newest keep lines when
// it exceeds threshold bytes. Returns whether it truncated.
func truncateLog(path string, threshold int64, keep int) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.Size() <= threshold {
		return false, nil
	}

	lines, err := readTail(path, keep)
	if err != nil {
		return false, err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return false, err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return false, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, os.Rename(tmp, path)
}
