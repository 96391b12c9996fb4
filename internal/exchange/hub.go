package exchange

import (
	"sync"

	"go.uber.org/zap"
)

type subscriber struct {
	id int64
	h  Handler
}

// hub is the msg_type keyed subscriber registry shared by both channels.
type hub struct {
	mu   sync.Mutex
	seq  int64
	subs map[MsgType][]subscriber
}

func (h *hub) subscribe(t MsgType, fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[MsgType][]subscriber)
	}
	h.seq++
	id := h.seq
	h.subs[t] = append(h.subs[t], subscriber{id: id, h: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			list := h.subs[t]
			for i, s := range list {
				if s.id == id {
					h.subs[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(h.subs[t]) == 0 {
				delete(h.subs, t)
			}
		})
	}
}

// publish calls every handler registered for m.Type in registration order.
// A panicking handler is logged and does not affect the others.
func (h *hub) publish(m *Message, logger *zap.Logger) {
	h.mu.Lock()
	list := append([]subscriber(nil), h.subs[m.Type]...)
	h.mu.Unlock()

	for _, s := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("subscriber panicked", zap.String("msg_type", string(m.Type)), zap.Any("panic", r))
				}
			}()
			s.h(m)
		}()
	}
}

func (h *hub) count(t MsgType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[t])
}
