package statemanager

import (
	"sync"
	"time"

	"deriv-digit-bot-go/internal/digits"
	"deriv-digit-bot-go/internal/market"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/persistence"
	"deriv-digit-bot-go/internal/signal"

	"go.uber.org/zap"
)

// TailSize is the number of recent digits kept for display.
const TailSize = 7

// EventType defines the type of a normalized event
type EventType int

const (
	TickEvent EventType = iota
	HistoryEvent
	ResetEvent
	PhaseCompleteEvent
	ResizeEvent
	TradeSettledEvent
)

// SignalHandler receives every non-trivial signal event of the streamed
// instrument. For a Breakout the return value tells whether execution was
// accepted; a rejected breakout returns the machine to Idle. It is called
// from the event loop and must not block.
type SignalHandler interface {
	HandleSignal(symbol string, ev signal.Event) bool
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// TickEventData is one live quote.
type TickEventData struct {
	Symbol string
	Quote  string
	Epoch  int64
}

// HistoryEventData seeds the distribution. It does not drive the signal
// machine.
type HistoryEventData struct {
	Symbol string
	Quotes []string
}

// ResetEventData switches the streamed instrument. The counters of the
// previous instrument are sent on Reply when it is set.
type ResetEventData struct {
	Symbol string
	Reply  chan<- models.MarketStats
}

// PhaseCompleteEventData returns an executing machine to Idle.
type PhaseCompleteEventData struct {
	Symbol string
}

// ResizeEventData changes the window capacity.
type ResizeEventData struct {
	Size int
}

// Snapshot is a deep copy of the streaming state.
type Snapshot struct {
	Symbol      string                `json:"symbol"`
	Meta        models.InstrumentMeta `json:"meta"`
	Counts      models.Counts         `json:"counts"`
	Percentages [10]float64           `json:"percentages"`
	WindowLen   int                   `json:"window_len"`
	WindowCap   int                   `json:"window_cap"`
	Tail        []models.Digit        `json:"tail"`
	Arming      models.ArmingState    `json:"arming"`
	LastQuote   string                `json:"last_quote"`
	LastDigit   models.Digit          `json:"last_digit"`
	Ticks       int                   `json:"ticks"`
	Market      models.MarketStats    `json:"market"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// StateManager is responsible for all mutations of the streaming state.
// It ensures that ticks and control events are processed serially, in
// arrival order.
type StateManager struct {
	mu        sync.RWMutex
	meta      models.InstrumentMeta
	window    *digits.Window
	tail      *digits.Tail
	machine   *signal.Machine
	stats     models.MarketStats
	lastQuote string
	lastDigit models.Digit
	ticks     int
	updatedAt time.Time

	repo        persistence.JournalRepository
	handler     SignalHandler
	eventChan   chan NormalizedEvent
	journalChan chan models.TradeRecord
	stopChan    chan struct{}
	eventsDone  chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	wg          sync.WaitGroup
	logger      *zap.Logger
}

// NewStateManager creates a new StateManager streaming symbol. repo may be
// nil, in which case settled trades are not journalled.
func NewStateManager(symbol string, windowSize int, sigCfg signal.Config, repo persistence.JournalRepository, handler SignalHandler, logger *zap.Logger) *StateManager {
	return &StateManager{
		meta:        market.Lookup(symbol),
		window:      digits.NewWindow(windowSize),
		tail:        digits.NewTail(TailSize),
		machine:     signal.NewMachine(sigCfg),
		stats:       models.MarketStats{Symbol: symbol},
		repo:        repo,
		handler:     handler,
		eventChan:   make(chan NormalizedEvent, 1024),
		journalChan: make(chan models.TradeRecord, 256),
		stopChan:    make(chan struct{}),
		eventsDone:  make(chan struct{}),
		logger:      logger,
	}
}

// Start begins the state manager's event processing and journal loops.
// Calling it again has no effect.
func (sm *StateManager) Start() {
	sm.startOnce.Do(func() {
		sm.wg.Add(2)
		go sm.eventLoop()
		go sm.persistenceLoop()
		sm.logger.Info("state manager started", zap.String("symbol", sm.meta.Symbol))
	})
}

// Stop shuts the loops down. Queued settled trades are counted and
// journalled first; other queued events are dropped.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Info("state manager stopped")
	})
}

// DispatchEvent queues an event. It drops the event once the manager is
// stopped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case sm.eventChan <- event:
	case <-sm.stopChan:
	}
}

// Reset switches to symbol and returns the counters of the instrument that
// was streamed until now.
func (sm *StateManager) Reset(symbol string) models.MarketStats {
	reply := make(chan models.MarketStats, 1)
	sm.DispatchEvent(NormalizedEvent{Type: ResetEvent, Data: ResetEventData{Symbol: symbol, Reply: reply}})
	select {
	case st := <-reply:
		return st
	case <-sm.stopChan:
		return sm.GetSnapshot().Market
	}
}

// GetSnapshot returns a deep copy of the current state for safe, concurrent
// reading.
func (sm *StateManager) GetSnapshot() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	counts := sm.window.Snapshot()
	return Snapshot{
		Symbol:      sm.meta.Symbol,
		Meta:        sm.meta,
		Counts:      counts,
		Percentages: digits.Percentages(counts),
		WindowLen:   sm.window.Len(),
		WindowCap:   sm.window.Cap(),
		Tail:        sm.tail.Digits(),
		Arming:      sm.machine.State(),
		LastQuote:   sm.lastQuote,
		LastDigit:   sm.lastDigit,
		Ticks:       sm.ticks,
		Market:      cloneMarket(sm.stats),
		UpdatedAt:   sm.updatedAt,
	}
}

func cloneMarket(st models.MarketStats) models.MarketStats {
	c := st
	c.Stakes = append(c.Stakes[:0:0], st.Stakes...)
	return c
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	defer close(sm.eventsDone)
	for {
		select {
		case event := <-sm.eventChan:
			sm.processEvent(event)
		case <-sm.stopChan:
			sm.drainTrades()
			return
		}
	}
}

func (sm *StateManager) drainTrades() {
	for {
		select {
		case event := <-sm.eventChan:
			if event.Type == TradeSettledEvent {
				sm.processEvent(event)
			}
		default:
			return
		}
	}
}

// persistenceLoop journals settled trades asynchronously.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case rec := <-sm.journalChan:
			sm.save(rec)
		case <-sm.stopChan:
			<-sm.eventsDone
			for {
				select {
				case rec := <-sm.journalChan:
					sm.save(rec)
				default:
					return
				}
			}
		}
	}
}

func (sm *StateManager) save(rec models.TradeRecord) {
	if sm.repo == nil {
		return
	}
	if err := sm.repo.SaveTrade(rec); err != nil {
		sm.logger.Error("failed to journal trade", zap.Int64("contract_id", rec.ContractID), zap.Error(err))
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case TickEvent:
		if data, ok := event.Data.(TickEventData); ok {
			sm.handleTick(data, event.Timestamp)
		} else {
			sm.logger.Warn("unexpected data for tick event", zap.Any("data", event.Data))
		}
	case HistoryEvent:
		if data, ok := event.Data.(HistoryEventData); ok {
			sm.handleHistory(data)
		} else {
			sm.logger.Warn("unexpected data for history event", zap.Any("data", event.Data))
		}
	case ResetEvent:
		if data, ok := event.Data.(ResetEventData); ok {
			sm.handleReset(data)
		} else {
			sm.logger.Warn("unexpected data for reset event", zap.Any("data", event.Data))
		}
	case PhaseCompleteEvent:
		if data, ok := event.Data.(PhaseCompleteEventData); ok {
			sm.mu.Lock()
			if data.Symbol == sm.meta.Symbol {
				sm.machine.Complete()
			}
			sm.mu.Unlock()
		} else {
			sm.logger.Warn("unexpected data for phase complete event", zap.Any("data", event.Data))
		}
	case ResizeEvent:
		if data, ok := event.Data.(ResizeEventData); ok {
			sm.mu.Lock()
			sm.window.Resize(max(1, data.Size))
			sm.mu.Unlock()
			sm.logger.Info("window resized", zap.Int("size", data.Size))
		} else {
			sm.logger.Warn("unexpected data for resize event", zap.Any("data", event.Data))
		}
	case TradeSettledEvent:
		if rec, ok := event.Data.(models.TradeRecord); ok {
			sm.handleTrade(rec)
		} else {
			sm.logger.Warn("unexpected data for trade event", zap.Any("data", event.Data))
		}
	}
}

func (sm *StateManager) handleTick(t TickEventData, at time.Time) {
	sm.mu.Lock()
	if t.Symbol != sm.meta.Symbol {
		sm.mu.Unlock()
		return
	}
	d, err := digits.Extract(t.Quote, sm.meta)
	if err != nil {
		sm.mu.Unlock()
		sm.logger.Warn("tick dropped", zap.String("symbol", t.Symbol), zap.Error(err))
		return
	}
	sm.window.Push(d)
	sm.tail.Push(d)
	sm.lastQuote, sm.lastDigit = t.Quote, d
	sm.ticks++
	sm.updatedAt = at
	if sm.stats.FirstTick.IsZero() {
		sm.stats.FirstTick = at
	}
	sm.stats.LastTick = at

	ev := sm.machine.Step(d, sm.window.Snapshot())
	switch ev.Kind {
	case signal.Breakout:
		sm.stats.Signals++
	case signal.Ignored:
		sm.stats.Ignored++
	}
	symbol := sm.meta.Symbol
	sm.mu.Unlock()

	switch ev.Kind {
	case signal.None:
		return
	case signal.Suppressed:
		sm.logger.Debug("tick while executing, signal detection suspended", zap.String("symbol", symbol), zap.Uint8("digit", uint8(d)))
		return
	case signal.Breakout:
		sm.logger.Info("breakout", zap.String("symbol", symbol), zap.Uint8("digit", uint8(ev.Digit)))
	default:
		sm.logger.Info("signal "+ev.Kind.String(),
			zap.String("symbol", symbol),
			zap.Uint8("digit", uint8(ev.Digit)),
			zap.Int("window_left", ev.WindowLeft),
			zap.String("reason", ev.Reason))
	}

	accepted := sm.handler != nil && sm.handler.HandleSignal(symbol, ev)
	if ev.Kind == signal.Breakout && !accepted {
		sm.mu.Lock()
		sm.machine.Complete()
		sm.mu.Unlock()
		sm.logger.Info("breakout not executed", zap.String("symbol", symbol), zap.Uint8("digit", uint8(ev.Digit)))
	}
}

func (sm *StateManager) handleHistory(h HistoryEventData) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if h.Symbol != sm.meta.Symbol {
		return
	}
	dropped := 0
	for _, q := range h.Quotes {
		d, err := digits.Extract(q, sm.meta)
		if err != nil {
			dropped++
			continue
		}
		sm.window.Push(d)
		sm.tail.Push(d)
	}
	if dropped > 0 {
		sm.logger.Warn("history quotes dropped", zap.String("symbol", h.Symbol), zap.Int("dropped", dropped))
	}
	sm.logger.Info("distribution seeded", zap.String("symbol", h.Symbol), zap.Int("quotes", len(h.Quotes)), zap.Int("window", sm.window.Len()))
}

func (sm *StateManager) handleReset(r ResetEventData) {
	sm.mu.Lock()
	prev := cloneMarket(sm.stats)
	sm.meta = market.Lookup(r.Symbol)
	sm.window.Reset()
	sm.tail.Reset()
	sm.machine.Reset()
	sm.stats = models.MarketStats{Symbol: r.Symbol}
	sm.lastQuote, sm.lastDigit, sm.ticks = "", 0, 0
	sm.mu.Unlock()

	if r.Reply != nil {
		r.Reply <- prev
	}
	sm.logger.Info("instrument reset", zap.String("from", prev.Symbol), zap.String("to", r.Symbol))
}

func (sm *StateManager) handleTrade(rec models.TradeRecord) {
	sm.mu.Lock()
	if rec.Symbol == sm.stats.Symbol {
		sm.stats.Trades++
		sm.stats.Stakes = append(sm.stats.Stakes, rec.Stake)
		switch rec.Outcome {
		case models.OutcomeWin:
			sm.stats.Wins++
		case models.OutcomeLoss:
			sm.stats.Losses++
		}
		sm.stats.NetPL = sm.stats.NetPL.Add(rec.Profit)
	}
	sm.mu.Unlock()

	select {
	case sm.journalChan <- rec:
	default:
		sm.logger.Warn("journal queue full, trade not journalled", zap.Int64("contract_id", rec.ContractID))
	}
}
