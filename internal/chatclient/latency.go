package chatclient

import (
	"sync"
	"time"
)

// latencyWindow keeps a bounded ring of recent heartbeat round-trip samples.
// Samples are advisory: they inform the application, never the link lifecycle.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 16
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
}

// Average returns the mean of the recorded samples. ok is false before the
// first sample.
func (w *latencyWindow) Average() (avg time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0, false
	}
	var total time.Duration
	for _, s := range w.samples[:n] {
		total += s
	}
	return total / time.Duration(n), true
}

// Latest returns the most recent sample. ok is false before the first sample.
func (w *latencyWindow) Latest() (d time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.next == 0 && !w.filled {
		return 0, false
	}
	idx := (w.next - 1 + len(w.samples)) % len(w.samples)
	return w.samples[idx], true
}
