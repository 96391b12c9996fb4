package market

import (
	"math/rand"
	"slices"
	"sync"
	"time"
)

// Mode selects how the next instrument is chosen.
type Mode string

const (
	Sequential Mode = "sequential"
	Random     Mode = "random"
)

// ParseMode maps a config string to a Mode. "series" is accepted for
// sequential; anything unrecognised is sequential.
func ParseMode(s string) Mode {
	if s == string(Random) {
		return Random
	}
	return Sequential
}

// RotationPolicy picks the next instrument after a completed phase.
type RotationPolicy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRotationPolicy creates a policy. A nil source seeds from the clock.
func NewRotationPolicy(src rand.Source) *RotationPolicy {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &RotationPolicy{rnd: rand.New(src)}
}

// Next returns the instrument that follows current. Sequential mode advances
// through allowed (wrapping) starting after current's position; a current not
// in allowed starts from the first entry. Random mode draws uniformly from
// allowed minus current. An empty allowed set keeps current.
func (p *RotationPolicy) Next(current string, mode Mode, allowed []string) string {
	if len(allowed) == 0 {
		return current
	}

	if mode == Random {
		others := make([]string, 0, len(allowed))
		for _, s := range allowed {
			if s != current {
				others = append(others, s)
			}
		}
		if len(others) == 0 {
			return current
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return others[p.rnd.Intn(len(others))]
	}

	idx := slices.Index(allowed, current)
	if idx < 0 {
		return allowed[0]
	}
	return allowed[(idx+1)%len(allowed)]
}
