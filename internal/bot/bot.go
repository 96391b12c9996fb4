package bot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"deriv-digit-bot-go/internal/config"
	"deriv-digit-bot-go/internal/exchange"
	"deriv-digit-bot-go/internal/market"
	"deriv-digit-bot-go/internal/metrics"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/notify"
	"deriv-digit-bot-go/internal/persistence"
	"deriv-digit-bot-go/internal/pipeline"
	"deriv-digit-bot-go/internal/risk"
	"deriv-digit-bot-go/internal/settlement"
	"deriv-digit-bot-go/internal/signal"
	"deriv-digit-bot-go/internal/statemanager"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxHistory is the largest ticks_history count the venue serves.
const maxHistory = 5000

var (
	ErrUnknownSymbol = errors.New("unknown instrument")
	ErrNotConnected  = errors.New("bot is not connected")
	ErrClosed        = errors.New("bot is closed")
)

// Optional capabilities of a channel. The live channel has all three, the
// simulated venue none.
type (
	connector   interface{ Connect(ctx context.Context) error }
	reconnector interface {
		OnReconnect(fn func(ctx context.Context))
	}
	liveness interface{ Connected() bool }
)

// Deps are the collaborators of the bot. Every field is optional.
type Deps struct {
	Journal  persistence.JournalRepository
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Token    string
	Rand     rand.Source
}

// DigitTradingBot wires the tick stream, the signal machine and the
// execution pipeline to one venue connection. At most one phase executes
// at a time.
type DigitTradingBot struct {
	config   *models.Config
	ch       exchange.Channel
	token    string
	sm       *statemanager.StateManager
	tracker  *settlement.Tracker
	gate     *risk.Gate
	pipe     *pipeline.Pipeline
	rotation *market.RotationPolicy
	notifier notify.Notifier
	metrics  *metrics.Metrics
	journal  persistence.JournalRepository
	logger   *zap.Logger

	// execLock is held by the executing phase and through a market shift.
	execLock  sync.Mutex
	executing atomic.Bool
	switchMu  sync.Mutex

	// connectMu serializes Connect; dialed and wireOnce keep a retried
	// Connect from dialing or subscribing twice.
	connectMu sync.Mutex
	dialed    bool
	wireOnce  sync.Once

	stopRequested atomic.Bool

	mutex      sync.RWMutex
	symbol     string
	balance    decimal.Decimal
	currency   string
	connected  bool
	isRunning  bool
	closed     bool
	shifting   bool
	blindUntil time.Time
	flawless   int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	unsubs    []func()
	closeOnce sync.Once
}

// NewDigitTradingBot creates a bot streaming config.Symbol. It does not
// touch the channel until Connect.
func NewDigitTradingBot(cfg *models.Config, ch exchange.Channel, deps Deps, logger *zap.Logger) *DigitTradingBot {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &DigitTradingBot{
		config:   cfg,
		ch:       ch,
		token:    deps.Token,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		journal:  deps.Journal,
		rotation: market.NewRotationPolicy(deps.Rand),
		symbol:   cfg.Symbol,
		currency: cfg.Pipeline.Currency,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	b.gate = risk.NewGate(models.RiskThresholds{
		TakeProfit: decimal.NewFromFloat(cfg.TakeProfit),
		StopLoss:   decimal.NewFromFloat(cfg.StopLoss),
	})
	b.gate.OnTrip(b.onTrip)

	timeout := time.Duration(cfg.Pipeline.SettlementTimeoutSec) * time.Second
	b.tracker = settlement.NewTracker(ch, timeout, logger.Named("settlement"))
	b.pipe = pipeline.New(ch, b.tracker, b.gate, b, cfg.Pipeline, &phaseObserver{b: b}, logger.Named("pipeline"))
	b.sm = statemanager.NewStateManager(cfg.Symbol, cfg.WindowSize, signal.ConfigFrom(cfg.Signal), deps.Journal, b, logger.Named("stream"))
	return b
}

// Balance implements pipeline.Account.
func (b *DigitTradingBot) Balance() decimal.Decimal {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.balance
}

// Currency implements pipeline.Account.
func (b *DigitTradingBot) Currency() string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.currency
}

// Symbol returns the instrument currently streamed.
func (b *DigitTradingBot) Symbol() string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.symbol
}

// Connect opens the venue connection, authorizes, subscribes to the balance
// and starts streaming the configured instrument. Trading stays disabled
// until Start.
func (b *DigitTradingBot) Connect(ctx context.Context) error {
	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	if b.connected {
		b.mutex.Unlock()
		return nil
	}
	b.mutex.Unlock()

	if c, ok := b.ch.(connector); ok && !b.dialed {
		if err := c.Connect(b.ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}
	b.dialed = true

	b.wireOnce.Do(func() {
		if r, ok := b.ch.(reconnector); ok {
			r.OnReconnect(b.resubscribe)
		}
		b.mutex.Lock()
		b.unsubs = append(b.unsubs,
			b.ch.Subscribe(exchange.MsgTick, b.onTick),
			b.ch.Subscribe(exchange.MsgBalance, b.onBalance),
		)
		b.mutex.Unlock()
		b.sm.Start()
	})

	if err := b.authorize(ctx); err != nil {
		return err
	}
	b.subscribeBalance(ctx)
	if _, err := b.switchInstrument(ctx, b.Symbol()); err != nil {
		return err
	}

	b.mutex.Lock()
	b.connected = true
	b.mutex.Unlock()

	b.wg.Add(1)
	go b.monitorStatus()

	b.logger.Info("bot connected",
		zap.String("symbol", b.Symbol()),
		zap.String("currency", b.Currency()),
		zap.String("balance", b.Balance().StringFixed(2)))
	return nil
}

func (b *DigitTradingBot) authorize(ctx context.Context) error {
	if b.token == "" {
		b.logger.Warn("no API token configured, skipping authorization")
		return nil
	}
	info, err := exchange.Authorize(ctx, b.ch, b.token)
	if err != nil {
		return err
	}
	b.mutex.Lock()
	if info.Currency != "" {
		b.currency = info.Currency
	}
	b.balance = info.Balance
	b.mutex.Unlock()
	b.metrics.SetBalance(info.Balance)
	b.logger.Info("authorized", zap.String("login", info.LoginID), zap.String("currency", info.Currency))
	return nil
}

// subscribeBalance failures are logged; trading still works without the
// stream, stakes then use the last known balance.
func (b *DigitTradingBot) subscribeBalance(ctx context.Context) {
	bal, _, err := exchange.SubscribeBalance(ctx, b.ch)
	if err != nil {
		b.logger.Warn("balance subscription failed", zap.Error(err))
		return
	}
	if bal != nil {
		b.setBalance(bal)
	}
}

// resubscribe restores the venue streams after a reconnection.
func (b *DigitTradingBot) resubscribe(ctx context.Context) {
	if err := b.authorize(ctx); err != nil {
		b.logger.Error("re-authorization failed", zap.Error(err))
		b.notifier.Notify("Reconnect", "re-authorization failed: "+err.Error(), false)
		return
	}
	b.subscribeBalance(ctx)
	symbol := b.Symbol()
	if _, err := exchange.SubscribeTicks(ctx, b.ch, symbol); err != nil {
		b.logger.Error("tick resubscription failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	b.logger.Info("streams restored after reconnect", zap.String("symbol", symbol))
}

func (b *DigitTradingBot) onTick(m *exchange.Message) {
	if m.Tick == nil {
		return
	}
	b.metrics.Ticks.WithLabelValues(m.Tick.Symbol).Inc()
	b.sm.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.TickEvent,
		Timestamp: time.Now(),
		Data: statemanager.TickEventData{
			Symbol: m.Tick.Symbol,
			Quote:  m.Tick.Quote.String(),
			Epoch:  m.Tick.Epoch,
		},
	})
}

func (b *DigitTradingBot) onBalance(m *exchange.Message) {
	if m.Balance != nil {
		b.setBalance(m.Balance)
	}
}

func (b *DigitTradingBot) setBalance(bal *exchange.Balance) {
	b.mutex.Lock()
	b.balance = bal.Balance
	if bal.Currency != "" {
		b.currency = bal.Currency
	}
	b.mutex.Unlock()
	b.metrics.SetBalance(bal.Balance)
}

// switchInstrument tears down the tick stream, resets the per-instrument
// state, seeds the window from history and subscribes to symbol. It returns
// the counters of the instrument left behind.
func (b *DigitTradingBot) switchInstrument(ctx context.Context, symbol string) (models.MarketStats, error) {
	b.switchMu.Lock()
	defer b.switchMu.Unlock()

	if err := exchange.ForgetAll(ctx, b.ch, "ticks"); err != nil {
		b.logger.Warn("forget ticks failed", zap.Error(err))
	}
	prev := b.sm.Reset(symbol)

	b.mutex.Lock()
	b.symbol = symbol
	b.mutex.Unlock()
	b.gate.Visit(symbol)

	count := min(b.sm.GetSnapshot().WindowCap, maxHistory)
	hist, err := exchange.TicksHistory(ctx, b.ch, symbol, count)
	if err != nil {
		b.logger.Warn("history unavailable, starting with an empty window", zap.String("symbol", symbol), zap.Error(err))
	} else {
		quotes := make([]string, len(hist.Prices))
		for i, p := range hist.Prices {
			quotes[i] = p.String()
		}
		b.sm.DispatchEvent(statemanager.NormalizedEvent{
			Type:      statemanager.HistoryEvent,
			Timestamp: time.Now(),
			Data:      statemanager.HistoryEventData{Symbol: symbol, Quotes: quotes},
		})
	}

	if _, err := exchange.SubscribeTicks(ctx, b.ch, symbol); err != nil {
		return prev, err
	}
	b.logger.Info("streaming instrument", zap.String("symbol", symbol), zap.String("market", market.Label(symbol)))
	return prev, nil
}

// Start enables trading and opens a new session.
func (b *DigitTradingBot) Start() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	if !b.connected {
		b.mutex.Unlock()
		return ErrNotConnected
	}
	if b.isRunning {
		b.mutex.Unlock()
		return nil
	}
	b.isRunning = true
	b.mutex.Unlock()

	b.stopRequested.Store(false)
	b.gate.Reset()
	b.gate.Visit(b.Symbol())
	if !b.gate.Enable() {
		b.mutex.Lock()
		b.isRunning = false
		b.mutex.Unlock()
		v := b.gate.Tripped()
		b.notifier.Notify("Not started", v.String()+" threshold already reached", false)
		return fmt.Errorf("risk threshold reached: %s", v)
	}
	b.metrics.SetTradingEnabled(true)
	b.metrics.SetSessionPL(decimal.Zero)
	b.logger.Info("trading started", zap.String("symbol", b.Symbol()))
	b.notifier.Notify("Started", "Trading on "+market.Label(b.Symbol()), true)
	return nil
}

// Stop disables trading. A running phase finishes its current run and
// stops before the next; open contracts keep settling.
func (b *DigitTradingBot) Stop() {
	if b.disable() {
		b.logger.Info("session report\n" + b.Report())
	}
}

// disable turns trading off and reports whether it was on.
func (b *DigitTradingBot) disable() bool {
	b.mutex.Lock()
	wasRunning := b.isRunning
	b.isRunning = false
	b.mutex.Unlock()

	b.stopRequested.Store(true)
	b.gate.Disable()
	b.metrics.SetTradingEnabled(false)
	if wasRunning {
		b.logger.Info("trading stopped")
		b.notifier.Notify("Stopped", "Trading stopped", true)
	}
	return wasRunning
}

// SwitchInstrument moves the stream to symbol on operator request.
func (b *DigitTradingBot) SwitchInstrument(ctx context.Context, symbol string) error {
	if !slices.Contains(market.Symbols(), symbol) {
		return fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	b.mutex.RLock()
	connected := b.connected
	b.mutex.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	if _, err := b.switchInstrument(ctx, symbol); err != nil {
		return err
	}
	b.metrics.Rotations.Inc()
	b.notifier.Notify("Market subscribed", market.Label(symbol), true)
	return nil
}

// SetRiskThresholds replaces the session take-profit and stop-loss. Negative
// values are treated as zero, which disables the threshold.
func (b *DigitTradingBot) SetRiskThresholds(tp, sl float64) risk.Verdict {
	th := models.RiskThresholds{
		TakeProfit: decimal.NewFromFloat(max(tp, 0)),
		StopLoss:   decimal.NewFromFloat(max(sl, 0)),
	}
	v := b.gate.SetThresholds(th)
	b.logger.Info("risk thresholds updated",
		zap.String("take_profit", th.TakeProfit.String()),
		zap.String("stop_loss", th.StopLoss.String()),
		zap.Stringer("verdict", v))
	return v
}

// SetWindowSize clamps n to the allowed range and resizes the rolling
// window. It returns the applied capacity.
func (b *DigitTradingBot) SetWindowSize(n int) int {
	n = config.ClampWindow(n)
	b.sm.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.ResizeEvent,
		Timestamp: time.Now(),
		Data:      statemanager.ResizeEventData{Size: n},
	})
	return n
}

func (b *DigitTradingBot) onTrip(v risk.Verdict, pl decimal.Decimal) {
	b.metrics.SetTradingEnabled(false)
	b.logger.Warn("risk threshold reached, trading disabled",
		zap.Stringer("verdict", v), zap.String("session_pl", pl.StringFixed(2)))
	title := "Take profit reached"
	ok := true
	if v == risk.StopLossHit {
		title = "Stop loss reached"
		ok = false
	}
	b.notifier.Notify(title, fmt.Sprintf("Session P/L %s %s", pl.StringFixed(2), b.Currency()), ok)
}

// Close stops trading, waits for the executing phase and releases every
// subscription. The channel and journal stay open; their owner closes them.
func (b *DigitTradingBot) Close() {
	b.closeOnce.Do(func() {
		wasRunning := b.disable()

		b.mutex.Lock()
		b.closed = true
		unsubs := b.unsubs
		b.mutex.Unlock()

		b.cancel()
		b.wg.Wait()

		for _, unsub := range unsubs {
			unsub()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, stream := range []string{"ticks", "balance"} {
			if err := exchange.ForgetAll(ctx, b.ch, stream); err != nil {
				b.logger.Debug("forget on close failed", zap.String("stream", stream), zap.Error(err))
			}
		}

		b.tracker.Close()
		// the journal queue is drained by Stop, so the report sees every trade
		b.sm.Stop()
		if wasRunning {
			b.logger.Info("session report\n" + b.Report())
		}
		b.logger.Info("bot closed")
	})
}
