package statemanager

import (
	"sync"
	"testing"
	"time"

	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/persistence"
	"deriv-digit-bot-go/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockJournalRepository is a mock implementation of the JournalRepository interface for testing.
type mockJournalRepository struct {
	sync.Mutex
	saved        []models.TradeRecord
	saveDoneChan chan bool // Channel to signal when SaveTrade is done
}

func newMockJournalRepository() *mockJournalRepository {
	return &mockJournalRepository{saveDoneChan: make(chan bool, 16)}
}

func (m *mockJournalRepository) SaveTrade(rec models.TradeRecord) error {
	m.Lock()
	m.saved = append(m.saved, rec)
	m.Unlock()
	m.saveDoneChan <- true
	return nil
}

func (m *mockJournalRepository) ListTrades() ([]models.TradeRecord, error) {
	m.Lock()
	defer m.Unlock()
	return append([]models.TradeRecord(nil), m.saved...), nil
}

func (m *mockJournalRepository) Close() error { return nil }

// mockSignalHandler records signal events and accepts breakouts when accept is set.
type mockSignalHandler struct {
	sync.Mutex
	accept bool
	events []signal.Event
	seen   chan signal.Event
}

func newMockSignalHandler(accept bool) *mockSignalHandler {
	return &mockSignalHandler{accept: accept, seen: make(chan signal.Event, 64)}
}

func (m *mockSignalHandler) HandleSignal(symbol string, ev signal.Event) bool {
	m.Lock()
	m.events = append(m.events, ev)
	m.Unlock()
	m.seen <- ev
	return m.accept
}

func (m *mockSignalHandler) kinds() []signal.EventKind {
	m.Lock()
	defer m.Unlock()
	out := make([]signal.EventKind, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Kind
	}
	return out
}

func (m *mockSignalHandler) waitFor(t *testing.T, kind signal.EventKind) signal.Event {
	t.Helper()
	for {
		select {
		case ev := <-m.seen:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// quote builds an R_100 (two decimals) quote ending in d.
func quote(d int) string {
	return "1000.1" + string(rune('0'+d))
}

func newManager(t *testing.T, h SignalHandler, repo *mockJournalRepository) *StateManager {
	t.Helper()
	var r persistence.JournalRepository
	if repo != nil {
		r = repo
	}
	sm := NewStateManager("R_100", 50, signal.Config{RunThreshold: 2, Countdown: 3}, r, h, zap.NewNop())
	sm.Start()
	t.Cleanup(sm.Stop)
	return sm
}

func ticks(sm *StateManager, ds ...int) {
	for _, d := range ds {
		sm.DispatchEvent(NormalizedEvent{Type: TickEvent, Data: TickEventData{Symbol: "R_100", Quote: quote(d)}})
	}
}

// settle waits until every queued event has been processed.
func settle(t *testing.T, sm *StateManager, ticksWanted int) {
	t.Helper()
	require.Eventually(t, func() bool { return sm.GetSnapshot().Ticks == ticksWanted }, time.Second, time.Millisecond)
}

func TestNewStateManager(t *testing.T) {
	sm := NewStateManager("R_10", 100, signal.Config{}, nil, nil, zap.NewNop())
	require.NotNil(t, sm)

	snap := sm.GetSnapshot()
	assert.Equal(t, "R_10", snap.Symbol)
	assert.Equal(t, 3, snap.Meta.DecimalPlaces)
	assert.Equal(t, 100, snap.WindowCap)
	assert.Equal(t, models.Idle, snap.Arming.Status)

	assert.NotNil(t, sm.eventChan, "eventChan should be created")
	assert.NotNil(t, sm.journalChan, "journalChan should be created")
	assert.NotNil(t, sm.stopChan, "stopChan should be created")
}

func TestTickUpdatesDistribution(t *testing.T) {
	sm := newManager(t, newMockSignalHandler(true), nil)
	ticks(sm, 1, 2, 2, 9)
	settle(t, sm, 4)

	snap := sm.GetSnapshot()
	assert.Equal(t, 4, snap.WindowLen)
	assert.Equal(t, 2, snap.Counts[2])
	assert.Equal(t, []models.Digit{1, 2, 2, 9}, snap.Tail)
	assert.Equal(t, models.Digit(9), snap.LastDigit)
	assert.Equal(t, quote(9), snap.LastQuote)
	assert.False(t, snap.Market.FirstTick.IsZero())

	// a stale tick of another instrument is dropped
	sm.DispatchEvent(NormalizedEvent{Type: TickEvent, Data: TickEventData{Symbol: "R_50", Quote: "1.2345"}})
	ticks(sm, 3)
	settle(t, sm, 5)
}

func TestBreakoutHandedToHandler(t *testing.T) {
	h := newMockSignalHandler(true)
	sm := newManager(t, h, nil)

	ticks(sm, 5, 5, 5, 1)
	ev := h.waitFor(t, signal.Breakout)
	assert.Equal(t, models.Digit(5), ev.Digit)
	settle(t, sm, 4)
	assert.Equal(t, []signal.EventKind{signal.Armed, signal.Reappeared, signal.Breakout}, h.kinds())

	snap := sm.GetSnapshot()
	assert.Equal(t, models.Executing, snap.Arming.Status)
	assert.Equal(t, 1, snap.Market.Signals)

	// ticks keep the distribution current while executing
	ticks(sm, 5, 5, 5)
	settle(t, sm, 7)
	assert.Equal(t, models.Executing, sm.GetSnapshot().Arming.Status)
	assert.Len(t, h.kinds(), 3, "suppressed ticks are not handed over")

	sm.DispatchEvent(NormalizedEvent{Type: PhaseCompleteEvent, Data: PhaseCompleteEventData{Symbol: "R_100"}})
	require.Eventually(t, func() bool { return sm.GetSnapshot().Arming.Status == models.Idle }, time.Second, time.Millisecond)
}

func TestRejectedBreakoutReturnsToIdle(t *testing.T) {
	h := newMockSignalHandler(false)
	sm := newManager(t, h, nil)

	ticks(sm, 4, 4, 4, 8)
	h.waitFor(t, signal.Breakout)
	settle(t, sm, 4)
	require.Eventually(t, func() bool { return sm.GetSnapshot().Arming.Status == models.Idle }, time.Second, time.Millisecond)

	snap := sm.GetSnapshot()
	assert.Equal(t, 1, snap.Market.Signals)
	assert.Zero(t, snap.Market.Ignored, "a rejected breakout is counted once, as a signal")
}

func TestHistorySeedsWithoutSignals(t *testing.T) {
	h := newMockSignalHandler(true)
	sm := newManager(t, h, nil)

	sm.DispatchEvent(NormalizedEvent{Type: HistoryEvent, Data: HistoryEventData{
		Symbol: "R_100",
		Quotes: []string{quote(3), quote(3), quote(3), quote(3), quote(7)},
	}})
	require.Eventually(t, func() bool { return sm.GetSnapshot().WindowLen == 5 }, time.Second, time.Millisecond)

	snap := sm.GetSnapshot()
	assert.Equal(t, 4, snap.Counts[3])
	assert.Zero(t, snap.Ticks)
	assert.Equal(t, models.Idle, snap.Arming.Status)
	assert.Empty(t, h.kinds())
}

func TestResetSwitchesInstrument(t *testing.T) {
	sm := newManager(t, newMockSignalHandler(true), nil)
	ticks(sm, 2, 2)
	settle(t, sm, 2)
	require.Equal(t, models.Armed, sm.GetSnapshot().Arming.Status)

	prev := sm.Reset("R_50")
	assert.Equal(t, "R_100", prev.Symbol)

	snap := sm.GetSnapshot()
	assert.Equal(t, "R_50", snap.Symbol)
	assert.Equal(t, 4, snap.Meta.DecimalPlaces)
	assert.Zero(t, snap.WindowLen)
	assert.Empty(t, snap.Tail)
	assert.Equal(t, models.Idle, snap.Arming.Status)
	assert.Equal(t, "R_50", snap.Market.Symbol)

	// a phase completion for the previous instrument has no effect
	sm.DispatchEvent(NormalizedEvent{Type: PhaseCompleteEvent, Data: PhaseCompleteEventData{Symbol: "R_100"}})
}

func TestResizeEvent(t *testing.T) {
	sm := newManager(t, newMockSignalHandler(true), nil)
	ticks(sm, 1, 2, 3, 4)
	settle(t, sm, 4)

	sm.DispatchEvent(NormalizedEvent{Type: ResizeEvent, Data: ResizeEventData{Size: 2}})
	require.Eventually(t, func() bool { return sm.GetSnapshot().WindowCap == 2 }, time.Second, time.Millisecond)
	snap := sm.GetSnapshot()
	assert.Equal(t, 2, snap.WindowLen)
	assert.Equal(t, 1, snap.Counts[3])
	assert.Equal(t, 1, snap.Counts[4])
}

func TestTradeSettledJournalledAsync(t *testing.T) {
	repo := newMockJournalRepository()
	sm := newManager(t, newMockSignalHandler(true), repo)

	rec := models.TradeRecord{
		ContractID: 42,
		Symbol:     "R_100",
		Stake:      decimal.NewFromInt(1),
		Profit:     decimal.RequireFromString("0.09"),
		Outcome:    models.OutcomeWin,
	}
	sm.DispatchEvent(NormalizedEvent{Type: TradeSettledEvent, Data: rec})

	select {
	case <-repo.saveDoneChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for trade to be journalled")
	}
	saved, _ := repo.ListTrades()
	require.Len(t, saved, 1)
	assert.Equal(t, int64(42), saved[0].ContractID)

	snap := sm.GetSnapshot()
	assert.Equal(t, 1, snap.Market.Trades)
	assert.Equal(t, 1, snap.Market.Wins)
	assert.True(t, snap.Market.NetPL.Equal(decimal.RequireFromString("0.09")))
	require.Len(t, snap.Market.Stakes, 1)

	// trades of a previous instrument are journalled but not counted
	sm.DispatchEvent(NormalizedEvent{Type: TradeSettledEvent, Data: models.TradeRecord{ContractID: 43, Symbol: "R_10", Outcome: models.OutcomeLoss}})
	select {
	case <-repo.saveDoneChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for trade to be journalled")
	}
	assert.Equal(t, 1, sm.GetSnapshot().Market.Trades)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	sm := newManager(t, newMockSignalHandler(true), nil)
	sm.DispatchEvent(NormalizedEvent{Type: TradeSettledEvent, Data: models.TradeRecord{Symbol: "R_100", Stake: decimal.NewFromInt(1)}})
	ticks(sm, 6, 6)
	settle(t, sm, 2)

	snap := sm.GetSnapshot()
	snap.Tail[0] = 9
	snap.Market.Stakes[0] = decimal.NewFromInt(100)
	snap.Arming.TailRun[0] = 9

	again := sm.GetSnapshot()
	assert.Equal(t, models.Digit(6), again.Tail[0])
	assert.True(t, again.Market.Stakes[0].Equal(decimal.NewFromInt(1)))
	assert.Equal(t, models.Digit(6), again.Arming.TailRun[0])
}

func TestStopDropsLaterEvents(t *testing.T) {
	sm := NewStateManager("R_100", 50, signal.Config{}, nil, nil, zap.NewNop())
	sm.Start()
	sm.Stop()
	sm.Stop()

	done := make(chan struct{})
	go func() {
		ticks(sm, 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked after stop")
	}
}

func TestUnknownTradeJournalledWithoutProfit(t *testing.T) {
	repo := newMockJournalRepository()
	sm := newManager(t, newMockSignalHandler(true), repo)

	sm.DispatchEvent(NormalizedEvent{Type: TradeSettledEvent, Data: models.TradeRecord{
		ContractID: 7,
		Symbol:     "R_100",
		Stake:      decimal.NewFromInt(1),
		Outcome:    models.OutcomeUnknown,
	}})
	select {
	case <-repo.saveDoneChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for trade to be journalled")
	}

	saved, _ := repo.ListTrades()
	require.Len(t, saved, 1)
	assert.Equal(t, models.OutcomeUnknown, saved[0].Outcome)

	m := sm.GetSnapshot().Market
	assert.Equal(t, 1, m.Trades, "the stake was spent")
	assert.Zero(t, m.Wins)
	assert.Zero(t, m.Losses)
	assert.True(t, m.NetPL.IsZero())
}

func TestStopJournalsQueuedTrades(t *testing.T) {
	repo := newMockJournalRepository()
	sm := NewStateManager("R_100", 50, signal.Config{}, repo, nil, zap.NewNop())
	sm.Start()
	for id := int64(1); id <= 10; id++ {
		sm.DispatchEvent(NormalizedEvent{Type: TradeSettledEvent, Data: models.TradeRecord{ContractID: id, Symbol: "R_100"}})
	}
	sm.Stop()

	saved, _ := repo.ListTrades()
	assert.Len(t, saved, 10)
}

func TestMalformedQuoteDropped(t *testing.T) {
	h := newMockSignalHandler(true)
	sm := newManager(t, h, nil)

	ticks(sm, 7)
	sm.DispatchEvent(NormalizedEvent{Type: TickEvent, Data: TickEventData{Symbol: "R_100", Quote: "1000.1x"}})
	ticks(sm, 7)
	settle(t, sm, 2)

	snap := sm.GetSnapshot()
	assert.Equal(t, 2, snap.WindowLen)
	assert.Equal(t, 2, snap.Counts[7])
	assert.Zero(t, snap.Counts[0])
	assert.Equal(t, quote(7), snap.LastQuote)

	sm.DispatchEvent(NormalizedEvent{Type: HistoryEvent, Data: HistoryEventData{
		Symbol: "R_100",
		Quotes: []string{quote(1), "abc", quote(2)},
	}})
	require.Eventually(t, func() bool { return sm.GetSnapshot().WindowLen == 4 }, time.Second, time.Millisecond)
	assert.Zero(t, sm.GetSnapshot().Counts[0])
}
