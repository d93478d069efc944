package events

// Ring is a fixed-capacity buffer which evicts the oldest element on
// overflow. It is not synchronized; owners guard it with their own mutex.
type Ring[T any] struct {
	buf   []T
	start int
	count int
}

// NewRing returns a Ring holding at most |capacity| elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends |v|, evicting the oldest element if the ring is full.
func (r *Ring[T]) Push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of retained elements.
func (r *Ring[T]) Len() int { return r.count }

// Snapshot returns retained elements oldest-first.
func (r *Ring[T]) Snapshot() []T {
	var out = make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Do calls |fn| for each retained element, oldest first.
func (r *Ring[T]) Do(fn func(T)) {
	for i := 0; i < r.count; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}
