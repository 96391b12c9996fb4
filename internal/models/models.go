package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every tunable of the bot. It is decoded from a JSON file and
// normalised by the config package before use.
type Config struct {
	WSURL             string   `json:"ws_url"`              // Deriv websocket endpoint
	AppID             string   `json:"app_id"`              // Deriv application id appended to the endpoint
	Symbol            string   `json:"symbol"`              // instrument streamed at startup, e.g. "1HZ10V"
	Markets           []string `json:"markets,omitempty"`   // allowed rotation set, defaults to the full catalog
	RotationMode      string   `json:"rotation_mode"`       // "sequential" or "random"
	RotateOn          string   `json:"rotate_on"`           // "phase", "loss" or "never"
	FlawlessThreshold int      `json:"flawless_threshold"`  // consecutive clean phases that force a rotation, 0 disables
	BlindIntervalSec  int      `json:"blind_interval_sec"`  // signals are ignored for this long before switching markets
	WindowSize        int      `json:"window_size"`         // rolling distribution capacity N
	TakeProfit        float64  `json:"take_profit"`         // session take-profit, 0 disables
	StopLoss          float64  `json:"stop_loss"`           // session stop-loss (positive number), 0 disables
	JournalDriver     string   `json:"journal_driver"`      // "badger" or "sql"
	JournalPath       string   `json:"journal_path"`        // badger directory, sqlite file or postgres DSN; empty keeps it in memory
	MetricsAddr       string   `json:"metrics_addr"`        // listen address for /metrics and the control endpoints
	StatusIntervalSec int      `json:"status_interval_sec"` // period of the status printout

	RequestTimeoutSec        int     `json:"request_timeout_sec"`         // request/response timeout on the channel
	RequestsPerSecond        float64 `json:"requests_per_second"`         // outgoing request rate limit
	WebSocketPingIntervalSec int     `json:"websocket_ping_interval_sec"` // keepalive ping period
	WebSocketPongTimeoutSec  int     `json:"websocket_pong_timeout_sec"`  // read deadline extended by every pong

	Signal    SignalConfig   `json:"signal"`
	Pipeline  PipelineConfig `json:"pipeline"`
	Paper     PaperConfig    `json:"paper"`
	LogConfig LogConfig      `json:"log"`
}

// PaperConfig configures the simulated venue used in paper mode.
type PaperConfig struct {
	InitialBalance float64 `json:"initial_balance"`  // starting account balance
	Currency       string  `json:"currency"`         // account currency reported by authorize
	TickIntervalMs int     `json:"tick_interval_ms"` // period of generated ticks
	PayoutRate     float64 `json:"payout_rate"`      // profit per unit stake on a winning contract
	Seed           int64   `json:"seed"`             // random seed, 0 picks one from the clock
}

// SignalConfig configures the signal state machine.
type SignalConfig struct {
	Variant        string `json:"variant"`         // "two_stage" or "single"
	RunThreshold   int    `json:"run_threshold"`   // X, run length that arms the machine
	Countdown      int    `json:"countdown"`       // W, ticks allowed for the armed digit to reappear
	ArmTop         int    `json:"arm_top"`         // most frequent digits excluded when arming
	ArmBottom      int    `json:"arm_bottom"`      // least frequent digits excluded when arming
	BreakoutTop    int    `json:"breakout_top"`    // most frequent digits excluded at breakout
	BreakoutBottom int    `json:"breakout_bottom"` // least frequent digits excluded at breakout
}

// PipelineConfig configures order execution for one phase.
type PipelineConfig struct {
	Runs                 int     `json:"runs"`                   // R, sequential runs per breakout
	BulkCount            int     `json:"bulk_count"`             // B, parallel buys per run when >= 2
	StakeMode            string  `json:"stake_mode"`             // "fixed" or "percent"
	FixedStake           float64 `json:"fixed_stake"`            // stake in account currency for "fixed"
	StakePercent         float64 `json:"stake_percent"`          // percentage of balance for "percent"
	LowBalanceThreshold  float64 `json:"low_balance_threshold"`  // stake floor for "percent"
	ContractType         string  `json:"contract_type"`          // e.g. "DIGITDIFF"
	Duration             int     `json:"duration"`               // contract duration
	DurationUnit         string  `json:"duration_unit"`          // "t" for ticks
	Currency             string  `json:"currency"`               // fallback when authorize reports none
	RetryAttempts        int     `json:"retry_attempts"`         // attempts per proposal/buy request
	RetryBackoffMs       int     `json:"retry_backoff_ms"`       // first backoff between attempts
	RetryMaxBackoffMs    int     `json:"retry_max_backoff_ms"`   // backoff ceiling
	PacingDelayMs        int     `json:"pacing_delay_ms"`        // pause after every run
	SettlementTimeoutSec int     `json:"settlement_timeout_sec"` // wait for a settlement push
	Recovery             bool    `json:"recovery"`               // issue one multiplied run after a loss, then stop
	RecoveryMultiplier   float64 `json:"recovery_multiplier"`    // stake multiplier of the recovery run
}

// LogConfig defines logging output.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file" or "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // megabytes per file
	MaxBackups int    `json:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age"`     // days a rotated file is kept
	Compress   bool   `json:"compress"`    // gzip rotated files
}

// InstrumentMeta describes a tradable instrument.
type InstrumentMeta struct {
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	DecimalPlaces int    `json:"decimal_places"`
}

// Digit is a single decimal digit in [0,9].
type Digit uint8

// MarshalJSON keeps digit slices as JSON arrays rather than base64 bytes.
func (d Digit) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(d), 10), nil
}

// Counts is a frequency table indexed by digit.
type Counts [10]int

// Total returns the number of samples counted.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Position is an open contract owned by the settlement tracker.
type Position struct {
	ContractID int64           `json:"contract_id"`
	PhaseID    string          `json:"phase_id"`
	Symbol     string          `json:"symbol"`
	Stake      decimal.Decimal `json:"stake"`
	Barrier    Digit           `json:"barrier"`
	Recovery   bool            `json:"recovery"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Outcome is the settlement result of a position.
type Outcome string

const (
	OutcomeWin     Outcome = "WIN"
	OutcomeLoss    Outcome = "LOSS"
	OutcomeUnknown Outcome = "UNKNOWN"
)

// OutcomeOf classifies a settled profit figure.
func OutcomeOf(profit decimal.Decimal) Outcome {
	if profit.IsPositive() {
		return OutcomeWin
	}
	return OutcomeLoss
}

// TradeRecord is one journalled contract.
type TradeRecord struct {
	ContractID int64           `json:"contract_id"`
	PhaseID    string          `json:"phase_id"`
	Symbol     string          `json:"symbol"`
	Barrier    Digit           `json:"barrier"`
	Stake      decimal.Decimal `json:"stake"`
	Profit     decimal.Decimal `json:"profit"`
	Outcome    Outcome         `json:"outcome"`
	Recovery   bool            `json:"recovery"`
	OpenedAt   time.Time       `json:"opened_at"`
	SettledAt  time.Time       `json:"settled_at"`
}
