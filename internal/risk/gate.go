// Package risk enforces the session take-profit and stop-loss.
package risk

import (
	"sync"
	"time"

	"deriv-digit-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Verdict is the result of a threshold check.
type Verdict int

const (
	Continue Verdict = iota
	TakeProfitHit
	StopLossHit
)

func (v Verdict) String() string {
	switch v {
	case TakeProfitHit:
		return "take-profit"
	case StopLossHit:
		return "stop-loss"
	}
	return "continue"
}

// Check compares the session P/L against the thresholds. A zero threshold is
// disabled. Take-profit triggers at pl >= tp, stop-loss at pl <= -sl.
func Check(pl decimal.Decimal, th models.RiskThresholds) Verdict {
	if th.TakeProfit.IsPositive() && pl.GreaterThanOrEqual(th.TakeProfit) {
		return TakeProfitHit
	}
	if th.StopLoss.IsPositive() && pl.LessThanOrEqual(th.StopLoss.Neg()) {
		return StopLossHit
	}
	return Continue
}

// TripFunc is called once when a threshold disables trading.
type TripFunc func(v Verdict, pl decimal.Decimal)

// Gate owns the session statistics and the trading-enabled flag. A tripped
// threshold disables new runs and phases; open positions keep settling.
type Gate struct {
	mu         sync.Mutex
	thresholds models.RiskThresholds
	stats      models.SessionStats
	enabled    bool
	tripped    Verdict
	onTrip     TripFunc
}

// NewGate creates a disabled gate with empty statistics.
func NewGate(th models.RiskThresholds) *Gate {
	g := &Gate{thresholds: th}
	g.resetLocked()
	return g
}

// OnTrip sets the callback for threshold trips.
func (g *Gate) OnTrip(fn TripFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTrip = fn
}

// Enable turns trading on. It reports false when a threshold is already
// crossed by the current session P/L.
func (g *Gate) Enable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v := Check(g.stats.NetProfitLoss, g.thresholds); v != Continue {
		g.tripped = v
		return false
	}
	g.enabled = true
	g.tripped = Continue
	return true
}

// Disable turns trading off.
func (g *Gate) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = false
}

// Allow reports whether a new run or phase may start.
func (g *Gate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Tripped returns the verdict that last disabled trading.
func (g *Gate) Tripped() Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// RecordPurchase counts a bought contract.
func (g *Gate) RecordPurchase() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.TradesCount++
}

// RecordSettlement adds a settled profit to the session and disables trading
// on the settlement that crosses a threshold.
func (g *Gate) RecordSettlement(profit decimal.Decimal) Verdict {
	g.mu.Lock()
	g.stats.NetProfitLoss = g.stats.NetProfitLoss.Add(profit)
	if profit.IsPositive() {
		g.stats.Wins++
	} else {
		g.stats.Losses++
	}
	v := g.evaluateLocked()
	fn, pl := g.onTrip, g.stats.NetProfitLoss
	g.mu.Unlock()

	if v != Continue && fn != nil {
		fn(v, pl)
	}
	return v
}

// evaluateLocked trips the gate if it is enabled and a threshold is crossed.
// It returns Continue when nothing changed.
func (g *Gate) evaluateLocked() Verdict {
	if !g.enabled {
		return Continue
	}
	v := Check(g.stats.NetProfitLoss, g.thresholds)
	if v != Continue {
		g.enabled = false
		g.tripped = v
	}
	return v
}

// RecordUnknown counts a run whose outcome never arrived. It does not touch
// the P/L.
func (g *Gate) RecordUnknown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Unknown++
}

// RecordPhase counts a completed phase.
func (g *Gate) RecordPhase() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.PhasesCount++
}

// RecordRecovery counts a recovery run.
func (g *Gate) RecordRecovery() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.RecoveryCount++
}

// Visit marks an instrument as streamed in this session.
func (g *Gate) Visit(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.VisitedInstruments[symbol] = true
}

// SetThresholds replaces the thresholds; an already crossed threshold trips
// the gate immediately.
func (g *Gate) SetThresholds(th models.RiskThresholds) Verdict {
	g.mu.Lock()
	g.thresholds = th
	v := g.evaluateLocked()
	fn, pl := g.onTrip, g.stats.NetProfitLoss
	g.mu.Unlock()

	if v != Continue && fn != nil {
		fn(v, pl)
	}
	return v
}

// Thresholds returns the current thresholds.
func (g *Gate) Thresholds() models.RiskThresholds {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.thresholds
}

// Stats returns a copy of the session statistics.
func (g *Gate) Stats() models.SessionStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats.Clone()
}

// Reset starts a new session: statistics are cleared and trading is
// disabled until Enable.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

func (g *Gate) resetLocked() {
	g.stats = models.SessionStats{
		VisitedInstruments: make(map[string]bool),
		StartedAt:          time.Now(),
	}
	g.enabled = false
	g.tripped = Continue
}
