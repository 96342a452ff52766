package abuse

import "time"

// Window counts requests per address in fixed, non-sliding windows. The first
// request from an address opens its window; the count resets once the window
// length has elapsed. Window is not safe for concurrent use; Engine guards it.
type Window struct {
	size     time.Duration
	limit    int
	counters map[string]*counter
}

type counter struct {
	start time.Time
	count int
}

// NewWindow returns a counter allowing limit requests per size.
func NewWindow(size time.Duration, limit int) *Window {
	return &Window{size: size, limit: limit, counters: make(map[string]*counter)}
}

// Hit records one request from addr and returns the count in the current
// window and whether it is over the limit.
func (w *Window) Hit(addr string, now time.Time) (int, bool) {
	c, ok := w.counters[addr]
	if !ok || !now.Before(c.start.Add(w.size)) {
		c = &counter{start: now}
		w.counters[addr] = c
	}
	c.count++
	return c.count, c.count > w.limit
}

// Reset forgets addr.
func (w *Window) Reset(addr string) {
	delete(w.counters, addr)
}

// Prune drops counters whose window has closed and returns how many.
func (w *Window) Prune(now time.Time) int {
	n := 0
	for addr, c := range w.counters {
		if !now.Before(c.start.Add(w.size)) {
			delete(w.counters, addr)
			n++
		}
	}
	return n
}

// Len returns the number of tracked addresses.
func (w *Window) Len() int { return len(w.counters) }
