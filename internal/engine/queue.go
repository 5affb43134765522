package engine

import "sync"

// triggerQueue holds triggers posted from other goroutines (file watcher,
// connectivity monitor) until the Run loop picks them up.
//
// A trigger that is already pending is not queued twice: a burst of saves
// or online events collapses into one round.
//
// The queue uses a channel for signaling so the Run loop can wait on it
// together with its ticker and context.
type triggerQueue struct {
	mu      sync.Mutex
	pending []Trigger
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{signal: make(chan struct{}, 1)}
}

// Post adds t unless it is already pending. It returns false if the queue
// is closed or t was coalesced.
func (q *triggerQueue) Post(t Trigger) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	for _, p := range q.pending {
		if p == t {
			return false
		}
	}
	q.pending = append(q.pending, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryTake removes and returns the oldest pending trigger.
func (q *triggerQueue) TryTake() (Trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return t, true
}

// Wait returns a channel that signals when triggers may be pending.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending triggers.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting triggers and wakes any waiter.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
