package buffer

// Ring is a fixed-capacity buffer that keeps the most recent entries.
// Once full, adding evicts the oldest entry.
type Ring[T any] struct {
	items []T
	head  int
	count int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items: make([]T, capacity),
	}
}

func (r *Ring[T]) Add(item T) {
	if r == nil || len(r.items) == 0 {
		return
	}

	if r.count < len(r.items) {
		index := (r.head + r.count) % len(r.items)
		r.items[index] = item
		r.count++
		return
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

// List returns the buffered entries oldest first.
func (r *Ring[T]) List() []T {
	if r == nil || r.count == 0 {
		return nil
	}

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		index := (r.head + i) % len(r.items)
		out[i] = r.items[index]
	}
	return out
}
