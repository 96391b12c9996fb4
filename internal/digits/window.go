package digits

import "deriv-digit-bot-go/internal/models"

// Window is a fixed-capacity FIFO of digits with a frequency table that
// always equals the multiset of its contents. Push and evict are O(1).
// A Window is not safe for concurrent use.
type Window struct {
	buf    []models.Digit
	head   int // index of the oldest digit
	size   int
	counts models.Counts
}

// NewWindow creates a window holding at most capacity digits (minimum 1).
func NewWindow(capacity int) *Window {
	return &Window{buf: make([]models.Digit, max(1, capacity))}
}

// Push appends d. When the window is full the oldest digit is evicted first
// and returned with ok set.
func (w *Window) Push(d models.Digit) (evicted models.Digit, ok bool) {
	if d > 9 {
		d = 0
	}
	if w.size == len(w.buf) {
		evicted = w.buf[w.head]
		w.counts[evicted]--
		w.buf[w.head] = d
		w.head = (w.head + 1) % len(w.buf)
		w.counts[d]++
		return evicted, true
	}
	w.buf[(w.head+w.size)%len(w.buf)] = d
	w.size++
	w.counts[d]++
	return 0, false
}

// Snapshot returns a copy of the frequency table.
func (w *Window) Snapshot() models.Counts {
	return w.counts
}

// Len returns the number of digits held.
func (w *Window) Len() int { return w.size }

// Cap returns the capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Reset empties the window, keeping its capacity.
func (w *Window) Reset() {
	w.head, w.size = 0, 0
	w.counts = models.Counts{}
}

// Resize changes the capacity. Shrinking below the current length evicts the
// oldest digits until the window fits; growing keeps every digit and leaves
// room for future pushes.
func (w *Window) Resize(capacity int) {
	capacity = max(1, capacity)
	if capacity == len(w.buf) {
		return
	}
	for w.size > capacity {
		w.counts[w.buf[w.head]]--
		w.head = (w.head + 1) % len(w.buf)
		w.size--
	}
	buf := make([]models.Digit, capacity)
	for i := 0; i < w.size; i++ {
		buf[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	w.buf, w.head = buf, 0
}

// Digits returns the held digits, oldest first.
func (w *Window) Digits() []models.Digit {
	out := make([]models.Digit, w.size)
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}
