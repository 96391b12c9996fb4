// Package settlement follows open contracts until the venue reports them
// closed. Each contract resolves exactly once, with its profit or with a
// timeout.
package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"deriv-digit-bot-go/internal/exchange"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/retry"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrSettlementTimeout means no closing update arrived in time; the
	// outcome of the contract is unknown.
	ErrSettlementTimeout = errors.New("settlement timeout")
	// ErrTrackerClosed is returned for contracts still open at Close.
	ErrTrackerClosed = errors.New("settlement tracker closed")
)

const DefaultTimeout = 60 * time.Second

// Outcome is the settled result of one position.
type Outcome struct {
	Position  models.Position
	Profit    decimal.Decimal
	Result    models.Outcome
	SettledAt time.Time
}

// Pending is the handle returned by Track.
type Pending struct {
	pos     models.Position
	done    chan struct{}
	outcome Outcome
	err     error
}

// Position returns the tracked position.
func (p *Pending) Position() models.Position { return p.pos }

// Done is closed once the position resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the position resolves or ctx is done. On timeout the
// returned outcome carries models.OutcomeUnknown and ErrSettlementTimeout.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{Position: p.pos, Result: models.OutcomeUnknown}, ctx.Err()
	case <-p.done:
		return p.outcome, p.err
	}
}

type entry struct {
	p     *Pending
	timer *time.Timer
	subID string
}

// Tracker routes proposal_open_contract updates to pending positions by
// contract id. It holds one channel subscription for all of them.
type Tracker struct {
	ch      exchange.Channel
	logger  *zap.Logger
	timeout time.Duration
	policy  retry.Policy

	mu          sync.Mutex
	pending     map[int64]*entry
	closed      bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker subscribes to contract updates on ch. A non-positive timeout
// uses DefaultTimeout.
func NewTracker(ch exchange.Channel, timeout time.Duration, logger *zap.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		ch:      ch,
		logger:  logger,
		timeout: timeout,
		policy:  retry.Policy{MaxAttempts: 3, MinBackoff: 10 * time.Millisecond, MaxBackoff: 200 * time.Millisecond},
		pending: make(map[int64]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	t.unsubscribe = ch.Subscribe(exchange.MsgOpenContract, t.handle)
	return t
}

// Open returns the number of unresolved positions.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Track starts following pos. The settlement timeout starts now. Tracking
// the same contract twice returns a handle that resolves with the first.
func (t *Tracker) Track(ctx context.Context, pos models.Position) *Pending {
	p := &Pending{pos: pos, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.resolve(p, Outcome{Position: pos, Result: models.OutcomeUnknown}, ErrTrackerClosed)
		return p
	}
	if e, ok := t.pending[pos.ContractID]; ok {
		t.mu.Unlock()
		return e.p
	}
	e := &entry{p: p}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(pos.ContractID) })
	t.pending[pos.ContractID] = e
	t.mu.Unlock()

	res := retry.Do(ctx, t.policy, func(ctx context.Context, _ int) (string, error) {
		return exchange.SubscribeContract(ctx, t.ch, pos.ContractID)
	})
	if !res.OK() {
		t.logger.Warn("subscribe to contract failed",
			zap.Int64("contract_id", pos.ContractID), zap.Error(res.Err))
		t.fail(pos.ContractID, res.Err)
		return p
	}

	// If the subscribe response already reported the contract closed, the
	// handler has resolved it and forgotten the stream.
	t.mu.Lock()
	if e, ok := t.pending[pos.ContractID]; ok && e.subID == "" {
		e.subID = res.Value
	}
	t.mu.Unlock()
	return p
}

// handle runs on the channel's reader goroutine and must not block.
func (t *Tracker) handle(m *exchange.Message) {
	oc := m.OpenContract
	if oc == nil || oc.ContractID == 0 {
		return
	}

	t.mu.Lock()
	e, ok := t.pending[oc.ContractID]
	if !ok {
		// unknown or already resolved
		t.mu.Unlock()
		return
	}
	if sub := m.SubscriptionID(); sub != "" && e.subID == "" {
		e.subID = sub
	}
	if !oc.Closed() {
		t.mu.Unlock()
		return
	}
	delete(t.pending, oc.ContractID)
	t.mu.Unlock()

	e.timer.Stop()
	t.resolve(e.p, Outcome{
		Position:  e.p.pos,
		Profit:    oc.Profit,
		Result:    models.OutcomeOf(oc.Profit),
		SettledAt: time.Now(),
	}, nil)
	t.logger.Debug("contract settled",
		zap.Int64("contract_id", oc.ContractID),
		zap.String("profit", oc.Profit.String()))
	t.forget(e.subID)
}

func (t *Tracker) expire(id int64) {
	t.mu.Lock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.logger.Warn("settlement timed out", zap.Int64("contract_id", id), zap.Duration("timeout", t.timeout))
	t.resolve(e.p, Outcome{Position: e.p.pos, Result: models.OutcomeUnknown}, ErrSettlementTimeout)
	t.forget(e.subID)
}

func (t *Tracker) fail(id int64, err error) {
	t.mu.Lock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	e.timer.Stop()
	t.resolve(e.p, Outcome{Position: e.p.pos, Result: models.OutcomeUnknown}, err)
}

// resolve is called at most once per Pending; callers remove the entry from
// the map first.
func (t *Tracker) resolve(p *Pending, o Outcome, err error) {
	p.outcome, p.err = o, err
	close(p.done)
}

// forget drops the venue stream in the background; the handler that calls
// it runs on the channel's reader and cannot wait for a response. Once the
// tracker is closed no new forget is started, so Close can wait for the rest.
func (t *Tracker) forget(subID string) {
	if subID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, 15*time.Second)
		defer cancel()
		if err := exchange.Forget(ctx, t.ch, subID); err != nil {
			t.logger.Debug("forget contract stream failed", zap.String("subscription", subID), zap.Error(err))
		}
	}()
}

// Close stops routing updates and fails every unresolved position with
// ErrTrackerClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	open := t.pending
	t.pending = make(map[int64]*entry)
	t.mu.Unlock()

	t.unsubscribe()
	for _, e := range open {
		e.timer.Stop()
		t.resolve(e.p, Outcome{Position: e.p.pos, Result: models.OutcomeUnknown}, ErrTrackerClosed)
	}
	t.cancel()
	t.wg.Wait()
}
