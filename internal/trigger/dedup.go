package trigger

import "sync"

// DefaultDedupWindow is the number of recent keys remembered.
const DefaultDedupWindow = 1024

// Deduper remembers the last N idempotency keys.
// Once the window is full the oldest key is forgotten.
type Deduper struct {
	mu   sync.Mutex
	ring []string
	next int
	full bool
	seen map[string]int // key -> ring slot
}

// NewDeduper creates a deduper with the given window.
func NewDeduper(window int) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduper{
		ring: make([]string, window),
		seen: make(map[string]int, window),
	}
}

// Observe records key and reports whether it was already within the window.
func (d *Deduper) Observe(key string) (duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if d.full {
		old := d.ring[d.next]
		if slot, ok := d.seen[old]; ok && slot == d.next {
			delete(d.seen, old)
		}
	}
	d.ring[d.next] = key
	d.seen[key] = d.next
	d.next++
	if d.next == len(d.ring) {
		d.next = 0
		d.full = true
	}
	return false
}

// Forget removes key so the same event can be accepted again.
func (d *Deduper) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
