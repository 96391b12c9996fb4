package config

import (
	"deriv-digit-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Window bounds for the rolling distribution.
const (
	MinWindowSize = 25
	MaxWindowSize = 25000
)

// LoadConfig reads the JSON config file at path and normalises it.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := Default()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	Normalize(config)
	return config, nil
}

// Default returns a config populated with the values the bot ships with.
func Default() *models.Config {
	return &models.Config{
		WSURL:                    "wss://ws.derivws.com/websockets/v3",
		AppID:                    "97447",
		Symbol:                   "1HZ10V",
		RotationMode:             "sequential",
		RotateOn:                 "phase",
		BlindIntervalSec:         10,
		WindowSize:               1000,
		JournalDriver:            "badger",
		MetricsAddr:              ":9108",
		StatusIntervalSec:        30,
		RequestTimeoutSec:        12,
		RequestsPerSecond:        50,
		WebSocketPingIntervalSec: 30,
		WebSocketPongTimeoutSec:  60,
		Signal: models.SignalConfig{
			Variant:        "two_stage",
			RunThreshold:   2,
			Countdown:      6,
			ArmTop:         2,
			ArmBottom:      2,
			BreakoutTop:    2,
			BreakoutBottom: 2,
		},
		Pipeline: models.PipelineConfig{
			Runs:                 1,
			BulkCount:            1,
			StakeMode:            "percent",
			FixedStake:           1,
			StakePercent:         50,
			LowBalanceThreshold:  0.35,
			ContractType:         "DIGITDIFF",
			Duration:             1,
			DurationUnit:         "t",
			Currency:             "USD",
			RetryAttempts:        3,
			RetryBackoffMs:       10,
			RetryMaxBackoffMs:    100,
			PacingDelayMs:        8,
			SettlementTimeoutSec: 60,
			RecoveryMultiplier:   2,
		},
		Paper: models.PaperConfig{
			InitialBalance: 1000,
			Currency:       "USD",
			TickIntervalMs: 1000,
			PayoutRate:     0.0956,
		},
		LogConfig: models.LogConfig{
			Level:  "info",
			Output: "console",
		},
	}
}

// Normalize fills missing values and clamps out-of-range ones. Invalid user
// input is never an error; it is pulled back into bounds.
func Normalize(cfg *models.Config) {
	def := Default()

	if cfg.WSURL == "" {
		cfg.WSURL = def.WSURL
	}
	if cfg.Symbol == "" {
		cfg.Symbol = def.Symbol
	}
	cfg.RotationMode = strings.ToLower(cfg.RotationMode)
	switch cfg.RotationMode {
	case "series":
		cfg.RotationMode = "sequential"
	case "sequential", "random":
	default:
		cfg.RotationMode = def.RotationMode
	}
	cfg.RotateOn = strings.ToLower(cfg.RotateOn)
	switch cfg.RotateOn {
	case "phase", "loss", "never":
	default:
		cfg.RotateOn = def.RotateOn
	}
	cfg.JournalDriver = strings.ToLower(cfg.JournalDriver)
	if cfg.JournalDriver != "badger" && cfg.JournalDriver != "sql" {
		cfg.JournalDriver = def.JournalDriver
	}
	cfg.FlawlessThreshold = max(0, cfg.FlawlessThreshold)
	cfg.BlindIntervalSec = max(0, cfg.BlindIntervalSec)
	cfg.WindowSize = ClampWindow(cfg.WindowSize)
	cfg.TakeProfit = max(0, cfg.TakeProfit)
	cfg.StopLoss = max(0, cfg.StopLoss)
	if cfg.StatusIntervalSec <= 0 {
		cfg.StatusIntervalSec = def.StatusIntervalSec
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = def.RequestTimeoutSec
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.WebSocketPingIntervalSec <= 0 {
		cfg.WebSocketPingIntervalSec = def.WebSocketPingIntervalSec
	}
	if cfg.WebSocketPongTimeoutSec <= cfg.WebSocketPingIntervalSec {
		cfg.WebSocketPongTimeoutSec = 2 * cfg.WebSocketPingIntervalSec
	}

	s := &cfg.Signal
	s.Variant = strings.ToLower(s.Variant)
	if s.Variant != "two_stage" && s.Variant != "single" {
		s.Variant = def.Signal.Variant
	}
	s.RunThreshold = max(2, s.RunThreshold)
	s.Countdown = max(1, s.Countdown)
	s.ArmTop = clamp(s.ArmTop, 0, 10)
	s.ArmBottom = clamp(s.ArmBottom, 0, 10)
	s.BreakoutTop = clamp(s.BreakoutTop, 0, 10)
	s.BreakoutBottom = clamp(s.BreakoutBottom, 0, 10)

	p := &cfg.Pipeline
	p.Runs = max(1, p.Runs)
	p.BulkCount = max(1, p.BulkCount)
	p.StakeMode = strings.ToLower(p.StakeMode)
	if p.StakeMode != "fixed" && p.StakeMode != "percent" {
		p.StakeMode = def.Pipeline.StakeMode
	}
	if p.FixedStake <= 0 {
		p.FixedStake = def.Pipeline.FixedStake
	}
	p.StakePercent = min(100, max(1, p.StakePercent))
	p.LowBalanceThreshold = max(0, p.LowBalanceThreshold)
	if p.ContractType == "" {
		p.ContractType = def.Pipeline.ContractType
	}
	p.Duration = max(1, p.Duration)
	if p.DurationUnit == "" {
		p.DurationUnit = def.Pipeline.DurationUnit
	}
	if p.Currency == "" {
		p.Currency = def.Pipeline.Currency
	}
	p.RetryAttempts = clamp(p.RetryAttempts, 1, 10)
	p.RetryBackoffMs = max(0, p.RetryBackoffMs)
	p.RetryMaxBackoffMs = max(p.RetryBackoffMs, p.RetryMaxBackoffMs)
	p.PacingDelayMs = max(0, p.PacingDelayMs)
	if p.SettlementTimeoutSec <= 0 {
		p.SettlementTimeoutSec = def.Pipeline.SettlementTimeoutSec
	}
	if p.RecoveryMultiplier < 1 {
		p.RecoveryMultiplier = def.Pipeline.RecoveryMultiplier
	}

	pp := &cfg.Paper
	if pp.InitialBalance <= 0 {
		pp.InitialBalance = def.Paper.InitialBalance
	}
	if pp.Currency == "" {
		pp.Currency = def.Paper.Currency
	}
	if pp.TickIntervalMs <= 0 {
		pp.TickIntervalMs = def.Paper.TickIntervalMs
	}
	if pp.PayoutRate <= 0 {
		pp.PayoutRate = def.Paper.PayoutRate
	}

	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = def.LogConfig.Level
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = def.LogConfig.Output
	}
}

// ClampWindow pulls a window size into [MinWindowSize, MaxWindowSize]. Zero
// or negative values fall back to the default of 1000.
func ClampWindow(n int) int {
	if n <= 0 {
		return 1000
	}
	return clamp(n, MinWindowSize, MaxWindowSize)
}

func clamp(v, lo, hi int) int {
	return min(hi, max(lo, v))
}
