package bot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"deriv-digit-bot-go/internal/config"
	"deriv-digit-bot-go/internal/exchange"
	"deriv-digit-bot-go/internal/metrics"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/notify"
	"deriv-digit-bot-go/internal/persistence"
	"deriv-digit-bot-go/internal/pipeline"
	"deriv-digit-bot-go/internal/risk"
	"deriv-digit-bot-go/internal/signal"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() *models.Config {
	cfg := config.Default()
	cfg.Symbol = "R_100"
	cfg.Markets = []string{"R_100", "R_50"}
	cfg.BlindIntervalSec = 0
	cfg.WindowSize = 50
	cfg.StatusIntervalSec = 0
	cfg.Signal.ArmTop, cfg.Signal.ArmBottom = 0, 0
	cfg.Signal.BreakoutTop, cfg.Signal.BreakoutBottom = 0, 0
	cfg.Pipeline.StakeMode = "fixed"
	cfg.Pipeline.FixedStake = 1
	cfg.Pipeline.PacingDelayMs = 0
	cfg.Pipeline.SettlementTimeoutSec = 5
	return cfg
}

type harness struct {
	bot     *DigitTradingBot
	sim     *exchange.SimChannel
	journal persistence.JournalRepository
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg *models.Config) *harness {
	t.Helper()
	sim := exchange.NewSimChannel(exchange.SimConfig{
		InitialBalance: decimal.NewFromInt(100),
		PayoutRate:     decimal.RequireFromString("0.1"),
		Seed:           1,
	}, zap.NewNop())
	journal, err := persistence.NewBadgerRepository("", nil)
	require.NoError(t, err)
	m := metrics.New(nil)

	b := NewDigitTradingBot(cfg, sim, Deps{
		Journal:  journal,
		Metrics:  m,
		Notifier: notify.Nop{},
		Rand:     rand.NewSource(1),
	}, zap.NewNop())
	t.Cleanup(func() {
		b.Close()
		journal.Close()
	})
	return &harness{bot: b, sim: sim, journal: journal, metrics: m}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.bot.Connect(ctx))
}

// quote renders an R_100 price whose last digit is d.
func quote(d int) string {
	return fmt.Sprintf("1000.1%d", d)
}

func (h *harness) emit(symbol string, ds ...int) {
	for _, d := range ds {
		h.sim.EmitTick(symbol, quote(d))
	}
}

// breakout drives the stream back to idle, then arms 5, sees it reappear
// and breaks out on 9.
func (h *harness) breakout() {
	h.emit("R_100", 1, 2, 3, 4, 6, 7, 8, 5, 5, 5, 9)
}

func TestConnectSeedsWindow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)

	assert.Eventually(t, func() bool {
		return h.bot.Status().Stream.WindowLen == 50
	}, time.Second, 5*time.Millisecond)

	st := h.bot.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Running)
	assert.False(t, st.TradingEnabled)
	assert.Equal(t, "R_100", st.Symbol)
	assert.Equal(t, "R_100", st.Stream.Symbol)
	assert.Equal(t, "USD", st.Currency)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, h.sim.Calls("ticks_history"))
	assert.Equal(t, 1, h.sim.Calls("ticks"))
	assert.Zero(t, h.sim.Calls("authorize"))
}

func TestStartRequiresConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.bot.Start(), ErrNotConnected)
	assert.ErrorIs(t, h.bot.SwitchInstrument(context.Background(), "R_50"), ErrNotConnected)
}

func TestBreakoutIgnoredUntilStarted(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)

	h.breakout()
	assert.Eventually(t, func() bool {
		st := h.bot.Status().Stream
		return st.Market.Signals == 1 && st.Arming.Status == models.Idle
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.bot.Status().Stream.Market.Ignored)
	assert.Zero(t, h.sim.Calls("proposal"))
}

func TestPhaseExecutesAndRotates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	require.NoError(t, h.bot.Start())

	h.breakout()
	// every further R_100 tick ends in 2 and settles the 5-barrier contract as a win
	require.Eventually(t, func() bool {
		h.emit("R_100", 2)
		return h.bot.Symbol() == "R_50"
	}, 3*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return !h.bot.Status().Executing }, time.Second, 5*time.Millisecond)
	st := h.bot.Status()
	assert.Equal(t, 1, st.Session.TradesCount)
	assert.Equal(t, 1, st.Session.Wins)
	assert.True(t, st.Session.NetProfitLoss.Equal(decimal.RequireFromString("0.1")), st.Session.NetProfitLoss.String())
	assert.True(t, st.Session.VisitedInstruments["R_100"])
	assert.True(t, st.Session.VisitedInstruments["R_50"])
	assert.Equal(t, "R_50", st.Stream.Symbol)
	assert.Zero(t, st.Stream.Market.Trades)

	assert.Equal(t, 1, h.sim.Calls("buy"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Rotations))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Phases.WithLabelValues("full")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Settlements.WithLabelValues("WIN")))

	assert.Eventually(t, func() bool {
		trades, err := h.journal.ListTrades()
		return err == nil && len(trades) == 1
	}, time.Second, 5*time.Millisecond)
	report := h.bot.Report()
	assert.Contains(t, report, "Session Report")
	assert.Contains(t, report, "100.00%")
}

func TestSecondBreakoutRejectedWhileExecuting(t *testing.T) {
	cfg := testConfig()
	cfg.RotateOn = "never"
	cfg.Pipeline.SettlementTimeoutSec = 1
	h := newHarness(t, cfg)
	h.sim.DropSettlements(true)
	h.connect(t)
	require.NoError(t, h.bot.Start())

	ev := signal.Event{Kind: signal.Breakout, Digit: 3}
	assert.True(t, h.bot.HandleSignal("R_100", ev))
	assert.False(t, h.bot.HandleSignal("R_100", ev))
	assert.True(t, h.bot.Status().Executing)

	require.Eventually(t, func() bool { return !h.bot.Status().Executing }, 4*time.Second, 10*time.Millisecond)
	st := h.bot.Status()
	assert.Equal(t, 1, st.Session.Unknown)
	assert.True(t, st.Session.NetProfitLoss.IsZero())
	assert.Equal(t, "R_100", st.Symbol)
	assert.Equal(t, 1, h.sim.Calls("buy"))
}

func TestBreakoutOnOtherSymbolRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	require.NoError(t, h.bot.Start())

	assert.False(t, h.bot.HandleSignal("R_50", signal.Event{Kind: signal.Breakout, Digit: 1}))
	assert.False(t, h.bot.HandleSignal("R_100", signal.Event{Kind: signal.Armed, Digit: 1}))
	assert.Zero(t, h.sim.Calls("proposal"))
}

func TestStopBlocksBreakouts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	require.NoError(t, h.bot.Start())
	assert.True(t, h.bot.Status().TradingEnabled)

	h.bot.Stop()
	st := h.bot.Status()
	assert.False(t, st.Running)
	assert.False(t, st.TradingEnabled)
	assert.False(t, h.bot.HandleSignal("R_100", signal.Event{Kind: signal.Breakout, Digit: 4}))
	assert.Zero(t, h.sim.Calls("proposal"))
}

func TestRiskThresholdTripsAndRestart(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	require.NoError(t, h.bot.Start())

	h.bot.gate.RecordSettlement(decimal.NewFromInt(2))
	assert.Equal(t, risk.Continue, h.bot.SetRiskThresholds(5, 0))
	assert.Equal(t, risk.TakeProfitHit, h.bot.SetRiskThresholds(1, -3))

	st := h.bot.Status()
	assert.False(t, st.TradingEnabled)
	assert.Equal(t, "take-profit", st.Tripped)
	assert.True(t, st.Thresholds.StopLoss.IsZero())
	assert.False(t, h.bot.HandleSignal("R_100", signal.Event{Kind: signal.Breakout, Digit: 4}))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.TradingEnabled))

	// a new session starts from zero P/L
	h.bot.Stop()
	require.NoError(t, h.bot.Start())
	st = h.bot.Status()
	assert.True(t, st.TradingEnabled)
	assert.True(t, st.Session.NetProfitLoss.IsZero())
}

func TestSetWindowSizeClamps(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)

	assert.Equal(t, config.MinWindowSize, h.bot.SetWindowSize(3))
	assert.Eventually(t, func() bool {
		s := h.bot.Status().Stream
		return s.WindowCap == config.MinWindowSize && s.WindowLen == config.MinWindowSize
	}, time.Second, 5*time.Millisecond)
}

func TestSwitchInstrument(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)

	err := h.bot.SwitchInstrument(context.Background(), "NOPE")
	assert.True(t, errors.Is(err, ErrUnknownSymbol))

	require.NoError(t, h.bot.SwitchInstrument(context.Background(), "R_50"))
	assert.Equal(t, "R_50", h.bot.Symbol())
	assert.Equal(t, "R_50", h.bot.Status().Stream.Symbol)
	assert.Equal(t, 2, h.sim.Calls("ticks_history"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Rotations))
}

func TestRotationTarget(t *testing.T) {
	full := pipeline.PhaseResult{Attempted: 1, Purchased: 1, Wins: 1}
	lost := pipeline.PhaseResult{Attempted: 1, Purchased: 1, Losses: 1}
	partial := pipeline.PhaseResult{Attempted: 1, Skipped: 1}

	tests := []struct {
		name     string
		rotateOn string
		flawless int
		stop     bool
		res      pipeline.PhaseResult
		want     bool
	}{
		{name: "phase full set", rotateOn: "phase", res: full, want: true},
		{name: "phase partial", rotateOn: "phase", res: partial},
		{name: "phase interrupted", rotateOn: "phase", res: pipeline.PhaseResult{Attempted: 1, Interrupted: "stop requested"}},
		{name: "loss rotates", rotateOn: "loss", res: lost, want: true},
		{name: "clean phase stays", rotateOn: "loss", flawless: 1, res: full},
		{name: "flawless streak rotates", rotateOn: "loss", flawless: 3, res: full, want: true},
		{name: "never", rotateOn: "never", res: lost},
		{name: "stop requested", rotateOn: "phase", stop: true, res: full},
		{name: "aborted", rotateOn: "phase", res: pipeline.PhaseResult{Err: errors.New("boom")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.RotateOn = tt.rotateOn
			cfg.FlawlessThreshold = 3
			h := newHarness(t, cfg)
			h.bot.flawless = tt.flawless
			h.bot.stopRequested.Store(tt.stop)

			next, ok := h.bot.rotationTarget("R_100", tt.res)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, "R_50", next)
				assert.Zero(t, h.bot.flawless)
			}
		})
	}
}

func TestRecordPhaseCountsFlawless(t *testing.T) {
	h := newHarness(t, testConfig())

	clean := pipeline.PhaseResult{Attempted: 1, Purchased: 2, Wins: 2}
	h.bot.recordPhase(clean)
	h.bot.recordPhase(clean)
	assert.Equal(t, 2, h.bot.flawless)

	h.bot.recordPhase(pipeline.PhaseResult{Err: errors.New("proposal failed")})
	assert.Equal(t, 2, h.bot.flawless)

	// a losing phase that placed every run is still full, but not flawless
	h.bot.recordPhase(pipeline.PhaseResult{Attempted: 1, Purchased: 1, Losses: 1})
	assert.Zero(t, h.bot.flawless)

	h.bot.recordPhase(pipeline.PhaseResult{Attempted: 1, Skipped: 1})
	assert.Zero(t, h.bot.flawless)

	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.Phases.WithLabelValues("full")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Phases.WithLabelValues("partial")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Phases.WithLabelValues("aborted")))
}

// flakyTicks fails the first tick subscription.
type flakyTicks struct {
	*exchange.SimChannel
	failed bool
}

func (f *flakyTicks) Request(ctx context.Context, p exchange.Payload) (*exchange.Message, error) {
	if _, ok := p["ticks"]; ok && !f.failed {
		f.failed = true
		return nil, exchange.ErrRequestTimeout
	}
	return f.SimChannel.Request(ctx, p)
}

func TestConnectRetryAfterFailureCountsEachTickOnce(t *testing.T) {
	sim := exchange.NewSimChannel(exchange.SimConfig{InitialBalance: decimal.NewFromInt(100), Seed: 1}, zap.NewNop())
	b := NewDigitTradingBot(testConfig(), &flakyTicks{SimChannel: sim}, Deps{Notifier: notify.Nop{}}, zap.NewNop())
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, b.Connect(ctx))
	assert.False(t, b.Status().Connected)
	require.NoError(t, b.Connect(ctx))

	// the subscription response carries the first tick
	require.Eventually(t, func() bool { return b.Status().Stream.Ticks == 1 }, time.Second, 5*time.Millisecond)

	sim.EmitTick("R_100", quote(3))
	require.Eventually(t, func() bool { return b.Status().Stream.Ticks == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	st := b.Status().Stream
	assert.Equal(t, 2, st.Ticks)
	total := 0
	for _, n := range st.Counts {
		total += n
	}
	assert.Equal(t, st.WindowLen, total)
}

func TestCloseReportsTradesOfTheInFlightPhase(t *testing.T) {
	cfg := testConfig()
	cfg.RotateOn = "never"
	sim := exchange.NewSimChannel(exchange.SimConfig{
		InitialBalance: decimal.NewFromInt(100),
		PayoutRate:     decimal.RequireFromString("0.1"),
		Seed:           1,
	}, zap.NewNop())
	sim.DropSettlements(true)
	journal, err := persistence.NewBadgerRepository("", nil)
	require.NoError(t, err)
	defer journal.Close()

	core, logs := observer.New(zap.InfoLevel)
	b := NewDigitTradingBot(cfg, sim, Deps{Journal: journal, Notifier: notify.Nop{}}, zap.New(core))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Start())

	require.True(t, b.HandleSignal("R_100", signal.Event{Kind: signal.Breakout, Digit: 3}))
	require.Eventually(t, func() bool { return sim.Calls("buy") == 1 }, time.Second, 5*time.Millisecond)
	b.Close()

	trades, err := journal.ListTrades()
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.OutcomeUnknown, trades[0].Outcome)

	reports := logs.FilterMessageSnippet("session report").All()
	require.Len(t, reports, 1)
	assert.Equal(t, "session report\n"+b.Report(), reports[0].Message)
}
