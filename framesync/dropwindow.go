package framesync

import "sync"

// dropWindow tracks which of the trailing N sync indices dropped a port's
// frame, backing the rolling drop-rate diagnostic.
type dropWindow struct {
	mu      sync.Mutex
	dropped []bool
	next    int
	filled  int
}

func newDropWindow(size int) *dropWindow {
	return &dropWindow{dropped: make([]bool, size)}
}

func (w *dropWindow) add(dropped bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped[w.next] = dropped
	w.next = (w.next + 1) % len(w.dropped)
	if w.filled < len(w.dropped) {
		w.filled++
	}
}

func (w *dropWindow) rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0
	}
	count := 0
	for i := 0; i < w.filled; i++ {
		if w.dropped[i] {
			count++
		}
	}
	return float64(count) / float64(w.filled)
}
