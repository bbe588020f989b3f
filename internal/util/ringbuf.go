package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full. The overwritten
// element is returned with ok set.
func (r *RingBuffer[T]) Push(item T) (evicted T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushLocked(item)
}

// PushUnless appends item unless an existing element satisfies match. A nil
// match always appends. When the append overwrote the oldest element, that
// element is returned with dropped set.
func (r *RingBuffer[T]) PushUnless(item T, match func(T) bool) (added bool, evicted T, dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if match != nil {
		for i := 0; i < r.count; i++ {
			if match(r.buf[(r.head+i)%len(r.buf)]) {
				return false, evicted, false
			}
		}
	}
	evicted, dropped = r.pushLocked(item)
	return true, evicted, dropped
}

func (r *RingBuffer[T]) pushLocked(item T) (evicted T, ok bool) {
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		evicted, ok = r.buf[idx], true
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.buf[idx] = item
	return evicted, ok
}

// Update replaces the newest element satisfying match with fn(element).
// Returns the new value and true, or the zero value and false if none matched.
func (r *RingBuffer[T]) Update(match func(T) bool, fn func(T) T) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := r.count - 1; i >= 0; i-- {
		idx := (r.head + i) % len(r.buf)
		if match(r.buf[idx]) {
			r.buf[idx] = fn(r.buf[idx])
			return r.buf[idx], true
		}
	}
	var zero T
	return zero, false
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}
