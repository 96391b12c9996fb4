// Package pipeline executes one phase of orders for a breakout: sequential
// runs of proposal then buy, optional bulk buys per run, an optional recovery
// run after a loss, and settlement of everything it bought.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"deriv-digit-bot-go/internal/exchange"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/retry"
	"deriv-digit-bot-go/internal/risk"
	"deriv-digit-bot-go/internal/settlement"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInsufficientBalance aborts a phase before any order is sent.
var ErrInsufficientBalance = errors.New("insufficient balance for stake")

// Signal is a breakout handed over by the signal machine.
type Signal struct {
	Symbol string
	Digit  models.Digit
}

// StopFunc reports a cooperative stop request. It is polled before each run.
type StopFunc func() bool

// Tracker follows bought contracts to settlement.
type Tracker interface {
	Track(ctx context.Context, pos models.Position) *settlement.Pending
}

// Observer is told about every purchase and settlement as it happens.
type Observer interface {
	Purchased(pos models.Position)
	Settled(rec models.TradeRecord)
	RunSkipped(phaseID string, run int, err error)
}

type nopObserver struct{}

func (nopObserver) Purchased(models.Position)     {}
func (nopObserver) Settled(models.TradeRecord)    {}
func (nopObserver) RunSkipped(string, int, error) {}

// Account supplies the live balance and currency.
type Account interface {
	Balance() decimal.Decimal
	Currency() string
}

// PhaseResult summarises one executed phase.
type PhaseResult struct {
	PhaseID     string
	Symbol      string
	Digit       models.Digit
	Stake       decimal.Decimal
	Attempted   int // runs started
	Skipped     int // runs that bought nothing
	Purchased   int // contracts bought
	Wins        int
	Losses      int
	Unknown     int
	Recovery    bool // a recovery run was issued
	Interrupted string
	NetPL       decimal.Decimal
	Trades      []models.TradeRecord
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// FullSet reports whether every configured run bought at least one contract
// without interruption.
func (r PhaseResult) FullSet(runs int) bool {
	return r.Interrupted == "" && r.Err == nil && r.Skipped == 0 && r.Attempted >= runs
}

// HadLoss reports whether any contract of the phase lost.
func (r PhaseResult) HadLoss() bool { return r.Losses > 0 }

// Pipeline executes phases. It is safe for use by one phase at a time; the
// caller holds the execution lock.
type Pipeline struct {
	ch       exchange.Channel
	tracker  Tracker
	gate     *risk.Gate
	account  Account
	observer Observer
	cfg      models.PipelineConfig
	policy   retry.Policy
	logger   *zap.Logger
}

// New creates a pipeline. observer may be nil.
func New(ch exchange.Channel, tracker Tracker, gate *risk.Gate, account Account, cfg models.PipelineConfig, observer Observer, logger *zap.Logger) *Pipeline {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Pipeline{
		ch:       ch,
		tracker:  tracker,
		gate:     gate,
		account:  account,
		observer: observer,
		cfg:      cfg,
		policy: retry.Policy{
			MaxAttempts: cfg.RetryAttempts,
			MinBackoff:  time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
			MaxBackoff:  time.Duration(cfg.RetryMaxBackoffMs) * time.Millisecond,
			Jitter:      true,
		},
		logger: logger,
	}
}

// NewPhaseID returns a short random phase identifier.
func NewPhaseID() string {
	id := uuid.New()
	return base62.EncodeToString(id[:])
}

// Stake computes the per-contract stake for a phase. In percent mode the
// stake is a share of the balance; below the floor the whole balance is used,
// then it is rounded down to cents and raised to the floor.
func Stake(cfg models.PipelineConfig, balance decimal.Decimal) (decimal.Decimal, error) {
	if cfg.StakeMode == "fixed" {
		return decimal.NewFromFloat(cfg.FixedStake).Round(2), nil
	}
	floor := decimal.NewFromFloat(cfg.LowBalanceThreshold)
	stake := balance.Mul(decimal.NewFromFloat(cfg.StakePercent)).Div(decimal.NewFromInt(100))
	if stake.LessThan(floor) {
		stake = balance
	}
	stake = decimal.Max(floor, stake.RoundFloor(2))
	if !stake.IsPositive() || stake.GreaterThan(balance) {
		return decimal.Zero, fmt.Errorf("%w: balance %s stake %s", ErrInsufficientBalance, balance.StringFixed(2), stake.StringFixed(2))
	}
	return stake, nil
}

// phase is the mutable state of one Execute call.
type phase struct {
	mu  sync.Mutex
	res PhaseResult
}

// Execute runs one phase for sig and returns after every bought contract has
// settled or timed out.
func (p *Pipeline) Execute(ctx context.Context, sig Signal, stop StopFunc) PhaseResult {
	if stop == nil {
		stop = func() bool { return false }
	}
	ph := &phase{res: PhaseResult{
		PhaseID:   NewPhaseID(),
		Symbol:    sig.Symbol,
		Digit:     sig.Digit,
		StartedAt: time.Now(),
	}}
	log := p.logger.With(zap.String("phase", ph.res.PhaseID), zap.String("symbol", sig.Symbol), zap.Uint8("digit", uint8(sig.Digit)))

	stake, err := Stake(p.cfg, p.account.Balance())
	if err != nil {
		log.Warn("phase aborted", zap.Error(err))
		ph.res.Err = err
		ph.res.FinishedAt = time.Now()
		return ph.res
	}
	ph.res.Stake = stake
	log.Info("phase started", zap.String("stake", stake.StringFixed(2)), zap.Int("runs", p.cfg.Runs), zap.Int("bulk", p.cfg.BulkCount))

	var settles errgroup.Group
	for run := 1; run <= p.cfg.Runs; run++ {
		if reason := p.interrupted(ctx, stop); reason != "" {
			ph.res.Interrupted = reason
			log.Info("phase interrupted", zap.String("reason", reason), zap.Int("run", run))
			break
		}

		ph.res.Attempted++
		pendings := p.run(ctx, ph, sig, stake, run, false)

		if p.cfg.Recovery && len(pendings) > 0 {
			lost := p.awaitAll(ctx, ph, pendings)
			if lost {
				p.recover(ctx, ph, sig, stake, run, stop, log)
				break
			}
		} else {
			for _, pd := range pendings {
				pd := pd
				settles.Go(func() error {
					p.await(ctx, ph, pd)
					return nil
				})
			}
		}
		p.pace(ctx)
	}
	settles.Wait()

	p.gate.RecordPhase()
	ph.mu.Lock()
	defer ph.mu.Unlock()
	ph.res.FinishedAt = time.Now()
	log.Info("phase finished",
		zap.Int("attempted", ph.res.Attempted),
		zap.Int("purchased", ph.res.Purchased),
		zap.Int("wins", ph.res.Wins),
		zap.Int("losses", ph.res.Losses),
		zap.Int("unknown", ph.res.Unknown),
		zap.String("net_pl", ph.res.NetPL.StringFixed(2)))
	return ph.res
}

func (p *Pipeline) interrupted(ctx context.Context, stop StopFunc) string {
	switch {
	case ctx.Err() != nil:
		return "context cancelled"
	case stop():
		return "stop requested"
	case !p.gate.Allow():
		if v := p.gate.Tripped(); v != risk.Continue {
			return v.String()
		}
		return "trading disabled"
	}
	return ""
}

// recover issues one run at a multiplied stake after a loss and waits for it.
func (p *Pipeline) recover(ctx context.Context, ph *phase, sig Signal, stake decimal.Decimal, run int, stop StopFunc, log *zap.Logger) {
	if reason := p.interrupted(ctx, stop); reason != "" {
		ph.res.Interrupted = reason
		return
	}
	boosted := stake.Mul(decimal.NewFromFloat(p.cfg.RecoveryMultiplier)).RoundFloor(2)
	log.Info("loss in phase, issuing recovery run", zap.String("stake", boosted.StringFixed(2)))

	ph.mu.Lock()
	ph.res.Recovery = true
	ph.mu.Unlock()
	p.gate.RecordRecovery()

	pendings := p.run(ctx, ph, sig, boosted, run+1, true)
	p.awaitAll(ctx, ph, pendings)
}

// run prices one contract and buys it BulkCount times. It returns the
// pending settlements of the contracts bought.
func (p *Pipeline) run(ctx context.Context, ph *phase, sig Signal, stake decimal.Decimal, run int, recovery bool) []*settlement.Pending {
	params := exchange.ContractParams{
		Symbol:       sig.Symbol,
		ContractType: p.cfg.ContractType,
		Duration:     p.cfg.Duration,
		DurationUnit: p.cfg.DurationUnit,
		Currency:     p.currency(),
		Barrier:      int(sig.Digit),
		Amount:       stake,
	}
	prop := retry.Do(ctx, p.policy, func(ctx context.Context, _ int) (*exchange.Proposal, error) {
		return exchange.RequestProposal(ctx, p.ch, params)
	})
	if !prop.OK() {
		p.skip(ph, run, fmt.Errorf("proposal: %w", prop.Err))
		return nil
	}

	bulk := max(1, p.cfg.BulkCount)
	receipts := make([]*exchange.BuyReceipt, bulk)
	var g errgroup.Group
	for i := 0; i < bulk; i++ {
		i := i
		g.Go(func() error {
			res := retry.Do(ctx, p.policy, func(ctx context.Context, _ int) (*exchange.BuyReceipt, error) {
				r, err := exchange.Buy(ctx, p.ch, prop.Value.ID, stake)
				if exchange.IsAPIError(err, "InsufficientBalance") {
					return nil, retry.Permanent(err)
				}
				return r, err
			})
			if !res.OK() {
				return res.Err
			}
			receipts[i] = res.Value
			return nil
		})
	}
	buyErr := g.Wait()

	var pendings []*settlement.Pending
	for _, r := range receipts {
		if r == nil {
			continue
		}
		pos := models.Position{
			ContractID: r.ContractID,
			PhaseID:    ph.res.PhaseID,
			Symbol:     sig.Symbol,
			Stake:      r.BuyPrice,
			Barrier:    sig.Digit,
			Recovery:   recovery,
			OpenedAt:   time.Now(),
		}
		if !pos.Stake.IsPositive() {
			pos.Stake = stake
		}
		ph.mu.Lock()
		ph.res.Purchased++
		ph.mu.Unlock()
		p.gate.RecordPurchase()
		p.observer.Purchased(pos)
		p.logger.Info("contract bought",
			zap.String("phase", pos.PhaseID),
			zap.Int64("contract_id", pos.ContractID),
			zap.String("stake", pos.Stake.StringFixed(2)),
			zap.Int("run", run),
			zap.Bool("recovery", recovery))
		pendings = append(pendings, p.tracker.Track(ctx, pos))
	}
	if len(pendings) == 0 {
		p.skip(ph, run, fmt.Errorf("buy: %w", buyErr))
	} else if buyErr != nil {
		p.logger.Warn("some bulk buys failed", zap.Int("run", run), zap.Int("bought", len(pendings)), zap.Error(buyErr))
	}
	return pendings
}

func (p *Pipeline) skip(ph *phase, run int, err error) {
	ph.mu.Lock()
	ph.res.Skipped++
	ph.mu.Unlock()
	p.logger.Warn("run skipped", zap.String("phase", ph.res.PhaseID), zap.Int("run", run), zap.Error(err))
	p.observer.RunSkipped(ph.res.PhaseID, run, err)
}

func (p *Pipeline) currency() string {
	if c := p.account.Currency(); c != "" {
		return c
	}
	return p.cfg.Currency
}

// awaitAll waits for every pending and reports whether any of them lost.
func (p *Pipeline) awaitAll(ctx context.Context, ph *phase, pendings []*settlement.Pending) bool {
	var lost bool
	var mu sync.Mutex
	var g errgroup.Group
	for _, pd := range pendings {
		pd := pd
		g.Go(func() error {
			if p.await(ctx, ph, pd) == models.OutcomeLoss {
				mu.Lock()
				lost = true
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return lost
}

// await waits for one settlement and books it.
func (p *Pipeline) await(ctx context.Context, ph *phase, pd *settlement.Pending) models.Outcome {
	out, err := pd.Wait(ctx)
	pos := pd.Position()
	rec := models.TradeRecord{
		ContractID: pos.ContractID,
		PhaseID:    pos.PhaseID,
		Symbol:     pos.Symbol,
		Barrier:    pos.Barrier,
		Stake:      pos.Stake,
		Recovery:   pos.Recovery,
		OpenedAt:   pos.OpenedAt,
		SettledAt:  time.Now(),
	}

	if err != nil {
		rec.Outcome = models.OutcomeUnknown
		p.gate.RecordUnknown()
		p.logger.Warn("settlement unknown", zap.Int64("contract_id", pos.ContractID), zap.Error(err))
	} else {
		rec.Outcome = out.Result
		rec.Profit = out.Profit
		rec.SettledAt = out.SettledAt
		p.gate.RecordSettlement(out.Profit)
	}

	ph.mu.Lock()
	switch rec.Outcome {
	case models.OutcomeWin:
		ph.res.Wins++
	case models.OutcomeLoss:
		ph.res.Losses++
	default:
		ph.res.Unknown++
	}
	ph.res.NetPL = ph.res.NetPL.Add(rec.Profit)
	ph.res.Trades = append(ph.res.Trades, rec)
	ph.mu.Unlock()

	p.observer.Settled(rec)
	return rec.Outcome
}

func (p *Pipeline) pace(ctx context.Context) {
	if p.cfg.PacingDelayMs <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(p.cfg.PacingDelayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
