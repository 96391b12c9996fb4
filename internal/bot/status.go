package bot

import (
	"time"

	"deriv-digit-bot-go/internal/market"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/reporter"
	"deriv-digit-bot-go/internal/risk"
	"deriv-digit-bot-go/internal/statemanager"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status is a point-in-time view of the bot for the control surface.
type Status struct {
	Symbol         string                `json:"symbol"`
	Market         string                `json:"market"`
	Connected      bool                  `json:"connected"`
	Running        bool                  `json:"running"`
	Executing      bool                  `json:"executing"`
	Shifting       bool                  `json:"shifting"`
	BlindLeftSec   int                   `json:"blind_left_sec"`
	TradingEnabled bool                  `json:"trading_enabled"`
	Tripped        string                `json:"tripped,omitempty"`
	Balance        decimal.Decimal       `json:"balance"`
	Currency       string                `json:"currency"`
	Flawless       int                   `json:"flawless"`
	OpenContracts  int                   `json:"open_contracts"`
	Thresholds     models.RiskThresholds `json:"thresholds"`
	Session        models.SessionStats   `json:"session"`
	Stream         statemanager.Snapshot `json:"stream"`
}

// Status returns the current state of the bot.
func (b *DigitTradingBot) Status() Status {
	b.mutex.RLock()
	st := Status{
		Symbol:    b.symbol,
		Market:    market.Label(b.symbol),
		Connected: b.connected,
		Running:   b.isRunning,
		Shifting:  b.shifting,
		Balance:   b.balance,
		Currency:  b.currency,
		Flawless:  b.flawless,
	}
	if b.shifting {
		st.BlindLeftSec = max(0, int(time.Until(b.blindUntil).Round(time.Second)/time.Second))
	}
	b.mutex.RUnlock()

	if l, ok := b.ch.(liveness); ok && st.Connected {
		st.Connected = l.Connected()
	}
	st.Executing = b.executing.Load()
	st.TradingEnabled = b.gate.Allow()
	if v := b.gate.Tripped(); v != risk.Continue {
		st.Tripped = v.String()
	}
	st.OpenContracts = b.tracker.Open()
	st.Thresholds = b.gate.Thresholds()
	st.Session = b.gate.Stats()
	st.Stream = b.sm.GetSnapshot()
	return st
}

// Report renders the session report from the trades journalled since the
// session started.
func (b *DigitTradingBot) Report() string {
	stats := b.gate.Stats()
	var trades []models.TradeRecord
	if b.journal != nil {
		all, err := b.journal.ListTrades()
		if err != nil {
			b.logger.Warn("read journal failed", zap.Error(err))
		}
		for _, t := range all {
			if !t.SettledAt.Before(stats.StartedAt) {
				trades = append(trades, t)
			}
		}
	}
	return reporter.SessionReport(reporter.CalculateMetrics(trades), stats, b.Currency())
}

// monitorStatus periodically logs the state of the bot.
func (b *DigitTradingBot) monitorStatus() {
	defer b.wg.Done()
	interval := time.Duration(b.config.StatusIntervalSec) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.printStatus()
		}
	}
}

func (b *DigitTradingBot) printStatus() {
	st := b.Status()
	b.logger.Info("status",
		zap.String("symbol", st.Symbol),
		zap.Bool("connected", st.Connected),
		zap.Bool("running", st.Running),
		zap.Bool("executing", st.Executing),
		zap.Bool("trading_enabled", st.TradingEnabled),
		zap.String("balance", st.Balance.StringFixed(2)),
		zap.String("session_pl", st.Session.NetProfitLoss.StringFixed(2)),
		zap.Int("trades", st.Session.TradesCount),
		zap.Int("open_contracts", st.OpenContracts),
		zap.Int("window", st.Stream.WindowLen),
		zap.Stringer("arming", st.Stream.Arming.Status),
	)
}
