package digits

import "deriv-digit-bot-go/internal/models"

// Tail keeps the most recent digits for status output.
type Tail struct {
	limit  int
	digits []models.Digit
}

// NewTail creates a tail holding the last limit digits.
func NewTail(limit int) *Tail {
	return &Tail{limit: max(1, limit)}
}

// Push records d, dropping the oldest digit past the limit.
func (t *Tail) Push(d models.Digit) {
	t.digits = append(t.digits, d)
	if len(t.digits) > t.limit {
		t.digits = t.digits[len(t.digits)-t.limit:]
	}
}

// Digits returns a copy, oldest first.
func (t *Tail) Digits() []models.Digit {
	return append([]models.Digit(nil), t.digits...)
}

// Reset clears the tail.
func (t *Tail) Reset() { t.digits = t.digits[:0] }
