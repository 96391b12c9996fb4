package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ArmStatus is the status of the signal state machine.
type ArmStatus int

const (
	Idle ArmStatus = iota
	Armed
	Reappeared
	Executing
)

func (s ArmStatus) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Armed:
		return "ARMED"
	case Reappeared:
		return "REAPPEARED"
	case Executing:
		return "EXECUTING"
	}
	return "UNKNOWN"
}

// ArmingState is the live signal state of the streamed instrument.
// ArmedDigit and WindowLeft are meaningful only outside Idle.
type ArmingState struct {
	Status     ArmStatus `json:"status"`
	ArmedDigit Digit     `json:"armed_digit"`
	WindowLeft int       `json:"window_left"`
	TailRun    []Digit   `json:"tail_run"` // current run of equal digits, oldest first
}

// RiskThresholds are the session take-profit and stop-loss. Zero disables.
type RiskThresholds struct {
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
}

// SessionStats are the running totals of a trading session.
type SessionStats struct {
	NetProfitLoss      decimal.Decimal `json:"net_profit_loss"`
	TradesCount        int             `json:"trades_count"`
	Wins               int             `json:"wins"`
	Losses             int             `json:"losses"`
	Unknown            int             `json:"unknown"`
	PhasesCount        int             `json:"phases_count"`
	RecoveryCount      int             `json:"recovery_count"`
	VisitedInstruments map[string]bool `json:"visited_instruments"`
	StartedAt          time.Time       `json:"started_at"`
}

// Clone returns a deep copy.
func (s SessionStats) Clone() SessionStats {
	c := s
	c.VisitedInstruments = make(map[string]bool, len(s.VisitedInstruments))
	for k, v := range s.VisitedInstruments {
		c.VisitedInstruments[k] = v
	}
	return c
}

// MarketStats are the counters of the currently streamed instrument. They are
// reset on every instrument switch and feed the rotation summary.
type MarketStats struct {
	Symbol    string            `json:"symbol"`
	Signals   int               `json:"signals"`
	Ignored   int               `json:"ignored"`
	Trades    int               `json:"trades"`
	Wins      int               `json:"wins"`
	Losses    int               `json:"losses"`
	Stakes    []decimal.Decimal `json:"stakes"`
	NetPL     decimal.Decimal   `json:"net_pl"`
	FirstTick time.Time         `json:"first_tick"`
	LastTick  time.Time         `json:"last_tick"`
}
