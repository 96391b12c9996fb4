// Package notify delivers short operator notices ("toasts"): purchases,
// settlements, risk trips and market shifts.
package notify

import (
	"go.uber.org/zap"
)

// Notifier is a one-way sink. Notify must not block the caller.
type Notifier interface {
	Notify(title, msg string, ok bool)
}

// Nop discards every notice.
type Nop struct{}

func (Nop) Notify(string, string, bool) {}

// LogNotifier writes notices to the logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier logging at info, or warn for failures.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title, msg string, ok bool) {
	if ok {
		n.logger.Info(title, zap.String("notice", msg))
		return
	}
	n.logger.Warn(title, zap.String("notice", msg))
}

// Multi fans a notice out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(title, msg string, ok bool) {
	for _, n := range m {
		n.Notify(title, msg, ok)
	}
}
