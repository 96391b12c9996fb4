package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"symbol":"R_50","pipeline":{"runs":4}}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "R_50", cfg.Symbol)
	assert.Equal(t, 4, cfg.Pipeline.Runs)
	assert.Equal(t, 1000, cfg.WindowSize)
	assert.Equal(t, "two_stage", cfg.Signal.Variant)
	assert.Equal(t, 6, cfg.Signal.Countdown)
	assert.Equal(t, "DIGITDIFF", cfg.Pipeline.ContractType)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestNormalizeClampsOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.WindowSize = 10
	cfg.RotationMode = "SERIES"
	cfg.RotateOn = "sometimes"
	cfg.StopLoss = -5
	cfg.Signal.RunThreshold = 1
	cfg.Signal.Countdown = 0
	cfg.Signal.ArmTop = 42
	cfg.Pipeline.Runs = 0
	cfg.Pipeline.StakePercent = 250
	cfg.Pipeline.RetryAttempts = 99
	cfg.Pipeline.StakeMode = "martingale"

	Normalize(cfg)

	assert.Equal(t, MinWindowSize, cfg.WindowSize)
	assert.Equal(t, "sequential", cfg.RotationMode)
	assert.Equal(t, "phase", cfg.RotateOn)
	assert.Zero(t, cfg.StopLoss)
	assert.Equal(t, 2, cfg.Signal.RunThreshold)
	assert.Equal(t, 1, cfg.Signal.Countdown)
	assert.Equal(t, 10, cfg.Signal.ArmTop)
	assert.Equal(t, 1, cfg.Pipeline.Runs)
	assert.Equal(t, 100.0, cfg.Pipeline.StakePercent)
	assert.Equal(t, 10, cfg.Pipeline.RetryAttempts)
	assert.Equal(t, "percent", cfg.Pipeline.StakeMode)
}

func TestClampWindow(t *testing.T) {
	assert.Equal(t, 1000, ClampWindow(0))
	assert.Equal(t, MinWindowSize, ClampWindow(3))
	assert.Equal(t, 500, ClampWindow(500))
	assert.Equal(t, MaxWindowSize, ClampWindow(1_000_000))
}
