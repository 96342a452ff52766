package abuse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_FixedNotSliding(t *testing.T) {
	w := NewWindow(time.Minute, 3)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		n, over := w.Hit("a", start.Add(time.Duration(i)*10*time.Second))
		assert.Equal(t, i, n)
		assert.False(t, over)
	}
	n, over := w.Hit("a", start.Add(59*time.Second))
	assert.Equal(t, 4, n)
	assert.True(t, over)

	// The window opened at start+10s, so it closes at start+70s regardless
	// of when the later hits landed.
	n, over = w.Hit("a", start.Add(70*time.Second))
	assert.Equal(t, 1, n)
	assert.False(t, over)
}

func TestWindow_ResetAndPrune(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.Hit("a", now)
	w.Hit("b", now.Add(30*time.Second))

	w.Reset("a")
	assert.Equal(t, 1, w.Len())

	w.Hit("a", now)
	assert.Equal(t, 1, w.Prune(now.Add(time.Minute)))
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 1, w.Prune(now.Add(90*time.Second)))
	assert.Zero(t, w.Len())
}
