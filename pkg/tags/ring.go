package tags

// Ring is a fixed-capacity FIFO. Pushing onto a full ring evicts the oldest item.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing creates a ring holding at most capacity items
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when full
func (r *Ring[T]) Push(v T) {
	idx := (r.head + r.size) % len(r.items)
	r.items[idx] = v
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.items)
}

// Len returns the number of stored items
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity
func (r *Ring[T]) Cap() int { return len(r.items) }

// Last returns the newest item
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head+r.size-1)%len(r.items)], true
}

// Items returns the stored items oldest first
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// Reset drops all items
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
}
