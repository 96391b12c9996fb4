// Package metrics exposes the bot's Prometheus collectors:
//
//	digitbot_ticks_total{symbol}            ticks processed
//	digitbot_signal_events_total{kind}      armed, reappeared, breakout, invalidated, ignored
//	digitbot_orders_total{step,result}      contracts bought (buy/ok) and runs skipped (run/failed)
//	digitbot_settlements_total{outcome}     WIN, LOSS, UNKNOWN
//	digitbot_phases_total{result}           full, partial, aborted
//	digitbot_rotations_total                instrument switches
//	digitbot_session_pl                     session net profit/loss
//	digitbot_balance                        account balance
//	digitbot_trading_enabled                1 while the risk gate allows trading
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the collectors, registered on one registry.
type Metrics struct {
	reg prometheus.Gatherer

	Ticks          *prometheus.CounterVec
	SignalEvents   *prometheus.CounterVec
	Orders         *prometheus.CounterVec
	Settlements    *prometheus.CounterVec
	Phases         *prometheus.CounterVec
	Rotations      prometheus.Counter
	SessionPL      prometheus.Gauge
	Balance        prometheus.Gauge
	TradingEnabled prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "digitbot_ticks_total", Help: "Ticks processed"},
			[]string{"symbol"},
		),
		SignalEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "digitbot_signal_events_total", Help: "Signal state machine events"},
			[]string{"kind"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "digitbot_orders_total", Help: "Bought contracts and skipped runs"},
			[]string{"step", "result"},
		),
		Settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "digitbot_settlements_total", Help: "Settled contracts by outcome"},
			[]string{"outcome"},
		),
		Phases: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "digitbot_phases_total", Help: "Executed phases by result: full (every run placed, win or loss), partial or aborted"},
			[]string{"result"},
		),
		Rotations: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "digitbot_rotations_total", Help: "Instrument switches"},
		),
		SessionPL: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "digitbot_session_pl", Help: "Session net profit/loss"},
		),
		Balance: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "digitbot_balance", Help: "Account balance"},
		),
		TradingEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "digitbot_trading_enabled", Help: "1 while trading is enabled"},
		),
	}
	reg.MustRegister(m.Ticks, m.SignalEvents, m.Orders, m.Settlements, m.Phases)
	reg.MustRegister(m.Rotations, m.SessionPL, m.Balance, m.TradingEnabled)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetSessionPL records the session P/L.
func (m *Metrics) SetSessionPL(pl decimal.Decimal) {
	m.SessionPL.Set(pl.InexactFloat64())
}

// SetBalance records the account balance.
func (m *Metrics) SetBalance(b decimal.Decimal) {
	m.Balance.Set(b.InexactFloat64())
}

// SetTradingEnabled flips the trading gauge.
func (m *Metrics) SetTradingEnabled(on bool) {
	if on {
		m.TradingEnabled.Set(1)
		return
	}
	m.TradingEnabled.Set(0)
}
