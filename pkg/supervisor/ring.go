package supervisor

import (
	"sync"
)

// Ring is a bounded in-memory line buffer. When full, the oldest line
// is dropped.
type Ring struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

// NewRing creates a ring holding up to capacity lines
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 80
	}
	return &Ring{cap: capacity}
}

// Push appends a line, truncating from the front when over capacity
func (r *Ring) Push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

// Last returns up to n newest lines, oldest first
func (r *Ring) Last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.lines) {
		n = len(r.lines)
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}

// Len returns the number of buffered lines
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
