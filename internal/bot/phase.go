package bot

import (
	"fmt"
	"time"

	"deriv-digit-bot-go/internal/market"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/pipeline"
	"deriv-digit-bot-go/internal/reporter"
	"deriv-digit-bot-go/internal/signal"
	"deriv-digit-bot-go/internal/statemanager"

	"go.uber.org/zap"
)

// HandleSignal implements statemanager.SignalHandler. It runs on the
// stream's event loop, so an accepted breakout is executed in its own
// goroutine.
func (b *DigitTradingBot) HandleSignal(symbol string, ev signal.Event) bool {
	b.metrics.SignalEvents.WithLabelValues(ev.Kind.String()).Inc()
	if ev.Kind != signal.Breakout {
		b.logger.Debug("signal", zap.String("symbol", symbol), zap.Stringer("kind", ev.Kind),
			zap.Uint8("digit", uint8(ev.Digit)), zap.String("reason", ev.Reason))
		return false
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()
	switch {
	case b.closed || !b.isRunning:
		b.logger.Debug("breakout ignored, trading is off", zap.String("symbol", symbol))
		return false
	case b.shifting:
		b.logger.Debug("breakout ignored during market shift", zap.String("symbol", symbol))
		return false
	case b.stopRequested.Load() || !b.gate.Allow():
		b.logger.Debug("breakout ignored, trading disabled", zap.String("symbol", symbol))
		return false
	case symbol != b.symbol:
		return false
	}
	if !b.execLock.TryLock() {
		b.logger.Info("breakout ignored, a phase is executing",
			zap.String("symbol", symbol), zap.Uint8("digit", uint8(ev.Digit)))
		return false
	}

	b.executing.Store(true)
	b.wg.Add(1)
	go b.runPhase(symbol, ev.Digit)
	return true
}

func (b *DigitTradingBot) runPhase(symbol string, digit models.Digit) {
	defer b.wg.Done()
	defer b.execLock.Unlock()
	defer b.executing.Store(false)

	b.logger.Info("breakout, executing phase", zap.String("symbol", symbol), zap.Uint8("digit", uint8(digit)))
	res := b.pipe.Execute(b.ctx, pipeline.Signal{Symbol: symbol, Digit: digit}, b.stopRequested.Load)

	b.sm.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.PhaseCompleteEvent,
		Timestamp: time.Now(),
		Data:      statemanager.PhaseCompleteEventData{Symbol: symbol},
	})
	b.recordPhase(res)

	if next, ok := b.rotationTarget(symbol, res); ok {
		b.shift(symbol, next)
	}
}

func (b *DigitTradingBot) recordPhase(res pipeline.PhaseResult) {
	result := "partial"
	switch {
	case res.Err != nil:
		result = "aborted"
	case res.FullSet(b.config.Pipeline.Runs):
		result = "full"
	}
	b.metrics.Phases.WithLabelValues(result).Inc()
	b.metrics.SetSessionPL(b.gate.Stats().NetProfitLoss)

	b.mutex.Lock()
	if res.Err == nil && res.Purchased > 0 {
		if res.HadLoss() || res.Recovery {
			b.flawless = 0
		} else {
			b.flawless++
		}
	}
	b.mutex.Unlock()

	fields := []zap.Field{
		zap.String("phase", res.PhaseID),
		zap.String("symbol", res.Symbol),
		zap.Uint8("digit", uint8(res.Digit)),
		zap.String("result", result),
		zap.Int("purchased", res.Purchased),
		zap.Int("wins", res.Wins),
		zap.Int("losses", res.Losses),
		zap.Int("unknown", res.Unknown),
		zap.String("net_pl", res.NetPL.StringFixed(2)),
	}
	if res.Interrupted != "" {
		fields = append(fields, zap.String("interrupted", res.Interrupted))
	}
	if res.Err != nil {
		b.logger.Error("phase aborted", append(fields, zap.Error(res.Err))...)
		b.notifier.Notify("Phase aborted", res.Err.Error(), false)
		return
	}
	b.logger.Info("phase complete", fields...)
}

// rotationTarget decides whether the bot moves to another instrument after
// a phase, and which one.
func (b *DigitTradingBot) rotationTarget(symbol string, res pipeline.PhaseResult) (string, bool) {
	if b.stopRequested.Load() || b.ctx.Err() != nil || res.Err != nil {
		return "", false
	}

	b.mutex.Lock()
	trigger := false
	switch b.config.RotateOn {
	case "never":
	case "loss":
		trigger = res.HadLoss()
		if th := b.config.FlawlessThreshold; !trigger && th > 0 && b.flawless >= th {
			trigger = true
		}
	default:
		trigger = res.FullSet(b.config.Pipeline.Runs)
	}
	if trigger {
		b.flawless = 0
	}
	b.mutex.Unlock()
	if !trigger {
		return "", false
	}

	next := b.rotation.Next(symbol, market.ParseMode(b.config.RotationMode), b.allowedMarkets())
	if next == symbol {
		return "", false
	}
	return next, true
}

func (b *DigitTradingBot) allowedMarkets() []string {
	if len(b.config.Markets) > 0 {
		return b.config.Markets
	}
	return market.Symbols()
}

// shift shows the summary of the instrument being left, waits out the blind
// interval and switches. The caller holds execLock, so no phase can start
// before the new stream is up.
func (b *DigitTradingBot) shift(from, to string) {
	blind := time.Duration(b.config.BlindIntervalSec) * time.Second
	b.mutex.Lock()
	b.shifting = true
	b.blindUntil = time.Now().Add(blind)
	b.mutex.Unlock()
	defer func() {
		b.mutex.Lock()
		b.shifting = false
		b.blindUntil = time.Time{}
		b.mutex.Unlock()
	}()

	snap := b.sm.GetSnapshot()
	summary := reporter.NewMarketSummary(snap.Market, b.gate.Stats().NetProfitLoss, b.Currency(), market.Label(to))
	b.logger.Info("market summary\n" + summary.Render())
	b.notifier.Notify("Shifting market", "Now shifting to volatility: "+market.Label(to), true)

	if blind > 0 {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		deadline := time.NewTimer(blind)
		defer deadline.Stop()
	wait:
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-deadline.C:
				break wait
			case <-ticker.C:
				b.logger.Debug("blind interval", zap.Duration("left", time.Until(b.blindUntil).Round(time.Second)))
			}
		}
	}

	if _, err := b.switchInstrument(b.ctx, to); err != nil {
		b.logger.Error("market shift failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
		b.notifier.Notify("Shift failed", fmt.Sprintf("%s: %v", market.Label(to), err), false)
		return
	}
	b.metrics.Rotations.Inc()
	b.notifier.Notify("Market subscribed", market.Label(to), true)
}

// phaseObserver feeds pipeline progress to metrics, notices and the stream
// state.
type phaseObserver struct {
	b *DigitTradingBot
}

func (o *phaseObserver) Purchased(pos models.Position) {
	o.b.metrics.Orders.WithLabelValues("buy", "ok").Inc()
	title := "Bought"
	if pos.Recovery {
		title = "Recovery bought"
	}
	o.b.notifier.Notify(title, fmt.Sprintf("%s differs %d, stake %s %s",
		market.Label(pos.Symbol), pos.Barrier, pos.Stake.StringFixed(2), o.b.Currency()), true)
}

func (o *phaseObserver) Settled(rec models.TradeRecord) {
	o.b.metrics.Settlements.WithLabelValues(string(rec.Outcome)).Inc()
	o.b.metrics.SetSessionPL(o.b.gate.Stats().NetProfitLoss)
	o.b.sm.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.TradeSettledEvent,
		Timestamp: rec.SettledAt,
		Data:      rec,
	})
	o.b.notifier.Notify(string(rec.Outcome), fmt.Sprintf("%s contract %d, profit %s %s",
		market.Label(rec.Symbol), rec.ContractID, rec.Profit.StringFixed(2), o.b.Currency()),
		rec.Outcome == models.OutcomeWin)
}

func (o *phaseObserver) RunSkipped(phaseID string, run int, err error) {
	o.b.metrics.Orders.WithLabelValues("run", "failed").Inc()
	o.b.notifier.Notify("Run skipped", fmt.Sprintf("phase %s run %d: %v", phaseID, run, err), false)
}
