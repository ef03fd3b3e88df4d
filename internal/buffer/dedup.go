package buffer

// Dedup is a bounded list of distinct strings ordered oldest first.
// Adding an entry that is already present moves it to the end instead of
// duplicating it; once full, adding a new entry evicts the oldest.
type Dedup struct {
	items    []string
	capacity int
}

func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 1
	}
	return &Dedup{
		items:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

func (d *Dedup) Add(item string) {
	if d == nil || item == "" {
		return
	}

	for i, existing := range d.items {
		if existing == item {
			d.items = append(d.items[:i], d.items[i+1:]...)
			break
		}
	}
	if len(d.items) == d.capacity {
		d.items = d.items[1:]
	}
	d.items = append(d.items, item)
}

func (d *Dedup) Len() int {
	if d == nil {
		return 0
	}
	return len(d.items)
}

// List returns the entries oldest first.
func (d *Dedup) List() []string {
	if d == nil || len(d.items) == 0 {
		return nil
	}
	out := make([]string, len(d.items))
	copy(out, d.items)
	return out
}

// Replace resets the list to the given entries, applying the same
// de-duplication and capacity rules in order.
func (d *Dedup) Replace(items []string) {
	if d == nil {
		return
	}
	d.items = d.items[:0]
	for _, item := range items {
		d.Add(item)
	}
}
