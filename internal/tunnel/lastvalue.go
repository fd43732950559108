package tunnel

import "sync"

// lastValue is a single-slot, many-reader broadcast: observers always
// see the most recently published value but may miss intermediate
// ones. It is the Go stand-in for the watch channel described in
// spec §5/§9 ("outbox"). Nothing in the retrieved corpus supplies this
// primitive (no watch/broadcast type ships with the stdlib or with any
// library the teacher or the rest of the pack imports), so it is
// hand-rolled on a mutex plus a closed-channel generation counter —
// the smallest thing that satisfies "single writer, many readers,
// always-latest, with a way to wait for the next update".
type lastValue[T any] struct {
	mu      sync.Mutex
	val     T
	version chan struct{} // closed and replaced on every publish
}

func newLastValue[T any](initial T) *lastValue[T] {
	return &lastValue[T]{val: initial, version: make(chan struct{})}
}

// Set publishes a new value, waking any goroutine blocked on a channel
// returned by Changed.
func (l *lastValue[T]) Set(v T) {
	l.mu.Lock()
	l.val = v
	old := l.version
	l.version = make(chan struct{})
	l.mu.Unlock()
	close(old)
}

// Get returns the most recently published value.
func (l *lastValue[T]) Get() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.val
}

// Changed returns a channel that closes the next time Set is called.
func (l *lastValue[T]) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}
