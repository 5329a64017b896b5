package backend

import "sync"

// defaultLogCapacity bounds how many log lines a sandbox retains in memory.
const defaultLogCapacity = 1000

// logRing keeps the most recent lines of a sandbox's output in a fixed-size
// circular buffer. Once full, each append drops the oldest line.
type logRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &logRing{lines: make([]string, capacity)}
}

func (r *logRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns the newest n retained lines in append order, or all of them
// when n <= 0.
func (r *logRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	if n > 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	return out
}
