package service

import (
	"sync"
)

// ---------------------------------------------------------------------------
// syncWaiter: key-based wake-up fan-out
// ---------------------------------------------------------------------------

// syncWaiter wakes goroutines waiting on a key (a handoff ID or an agent ID).
// It carries hints only: a woken waiter re-reads the store, and a missed
// wake-up costs at most one poll interval.
type syncWaiter struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func newSyncWaiter() *syncWaiter {
	return &syncWaiter{waiters: make(map[string]map[chan struct{}]struct{})}
}

// register returns a channel that receives at most one pending wake-up for
// key, and a func that removes it.
func (w *syncWaiter) register(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	set, ok := w.waiters[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		w.waiters[key] = set
	}
	set[ch] = struct{}{}
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if set, ok := w.waiters[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.waiters, key)
			}
		}
	}
}

// deliver wakes every waiter on key without blocking. It reports whether any
// waiter was registered.
func (w *syncWaiter) deliver(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.waiters[key]
	for ch := range set {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return len(set) > 0
}
