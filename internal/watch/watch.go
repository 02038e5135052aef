// Package watch implements a single-producer, multi-consumer,
// latest-value-wins notification primitive in the shape of tokio's watch
// channel. A slow consumer only ever misses intermediate values, never the
// most recently published one.
package watch

import "sync"

type state[T any] struct {
	mu      sync.Mutex
	value   T
	seq     uint64
	changed chan struct{}
}

// Sender publishes values to all derived Receivers.
type Sender[T any] struct {
	s *state[T]
}

// Receiver observes a stream of values where only the latest is ever
// retained between reads.
type Receiver[T any] struct {
	s      *state[T]
	seenAt uint64
}

// NewSender creates a watch channel seeded with an initial value.
func NewSender[T any](initial T) *Sender[T] {
	return &Sender[T]{s: &state[T]{value: initial, seq: 1, changed: make(chan struct{})}}
}

// Send publishes a new value, waking any receiver blocked in Changed.
func (s *Sender[T]) Send(v T) {
	s.s.mu.Lock()
	s.s.value = v
	s.s.seq++
	old := s.s.changed
	s.s.changed = make(chan struct{})
	s.s.mu.Unlock()
	close(old)
}

// Receiver returns a new observer positioned at the sender's current value
// (i.e. Changed will not fire until the next Send).
func (s *Sender[T]) Receiver() *Receiver[T] {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	return &Receiver[T]{s: s.s, seenAt: s.s.seq}
}

// Current returns the latest published value without blocking. Reading a
// stale value is explicitly permitted by the protocol this type implements;
// correctness is recovered on the next refresh.
func (r *Receiver[T]) Current() T {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.value
}

// Changed blocks until a value newer than the last one observed by this
// receiver is published, or done is closed. The bool result is false only
// when done fired first.
func (r *Receiver[T]) Changed(done <-chan struct{}) (T, bool) {
	for {
		r.s.mu.Lock()
		cur := r.s.value
		curSeq := r.s.seq
		ch := r.s.changed
		r.s.mu.Unlock()

		if curSeq != r.seenAt {
			r.seenAt = curSeq
			return cur, true
		}

		select {
		case <-ch:
			continue
		case <-done:
			var zero T
			return zero, false
		}
	}
}

// MarkChanged forces the next Changed call to return immediately with the
// current value, even if nothing has been published since. Used to
// bootstrap a freshly constructed leader context, which wants to process
// the current value right away rather than wait for the next publish.
func (r *Receiver[T]) MarkChanged() {
	r.seenAt = 0
}
