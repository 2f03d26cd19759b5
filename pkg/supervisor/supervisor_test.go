package supervisor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingTruncatesFromFront(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Push(fmt.Sprintf("line %d", i))
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, r.Last(10))
	assert.Equal(t, []string{"line 5"}, r.Last(1))
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(3)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Last(10))
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	for i := 0; i < 200; i++ {
		r.Push("x")
	}
	assert.Equal(t, 80, r.Len())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 5 * time.Second
	max := 90 * time.Second

	// 5s, 10s, 20s, 40s, 80s, then pinned at 90s
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		90 * time.Second,
		90 * time.Second,
	}

	d := base
	for i, expect := range want {
		assert.Equal(t, expect, clampDelay(d, max), "restart %d", i)
		d = nextDelay(d, max)
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	max := 90 * time.Second
	d := 5 * time.Second
	for i := 0; i < 32; i++ {
		d = nextDelay(d, max)
		assert.LessOrEqual(t, d, max)
	}
}

func TestRuntimeStoppingIsOneShot(t *testing.T) {
	rt := &Runtime{ring: NewRing(8)}

	stopping, _ := rt.isStopping()
	assert.False(t, stopping)

	rt.markStopping("stop")
	rt.markStopping("late")

	// The first caller's reason sticks
	stopping, reason := rt.isStopping()
	assert.True(t, stopping)
	assert.Equal(t, "stop", reason)
}
