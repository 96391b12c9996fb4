package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deriv-digit-bot-go/internal/digits"
	"deriv-digit-bot-go/internal/market"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SimConfig configures a SimChannel.
type SimConfig struct {
	InitialBalance decimal.Decimal
	Currency       string
	PayoutRate     decimal.Decimal // profit per unit stake on a win
	Seed           int64
}

type simProposal struct {
	symbol  string
	barrier int
	ask     decimal.Decimal
	payout  decimal.Decimal
}

type simContract struct {
	id      int64
	symbol  string
	barrier int
	stake   decimal.Decimal
	payout  decimal.Decimal
	settled bool
	profit  decimal.Decimal
	subID   string
}

func (c *simContract) state() *OpenContract {
	oc := &OpenContract{ContractID: c.id, BuyPrice: c.stake, Payout: c.payout, Status: "open"}
	if c.settled {
		oc.IsSold = true
		oc.Profit = c.profit
		oc.Status = "lost"
		if c.profit.IsPositive() {
			oc.Status = "won"
		}
	}
	return oc
}

// SimChannel is an in-process venue implementing Channel. It streams
// random-walk ticks, prices and sells digit-differ contracts that settle on
// the next tick of their symbol, and keeps an account balance. It backs
// paper trading and the tests of everything above the channel.
type SimChannel struct {
	cfg    SimConfig
	logger *zap.Logger
	hub    hub
	reqID  atomic.Int64

	mu           sync.Mutex
	rnd          *rand.Rand
	balance      decimal.Decimal
	prices       map[string]float64
	tickSubs     map[string]string // symbol -> subscription id
	balanceSub   string
	proposals    map[string]simProposal
	contracts    map[int64]*simContract
	nextContract int64
	nextSub      int64
	nextProposal int64
	calls        map[string]int

	failProposals   int
	failBuys        int
	dropSettlements bool
}

// NewSimChannel creates a simulated venue.
func NewSimChannel(cfg SimConfig, logger *zap.Logger) *SimChannel {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if !cfg.PayoutRate.IsPositive() {
		cfg.PayoutRate = decimal.RequireFromString("0.0956")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimChannel{
		cfg:          cfg,
		logger:       logger,
		rnd:          rand.New(rand.NewSource(seed)),
		balance:      cfg.InitialBalance,
		prices:       make(map[string]float64),
		tickSubs:     make(map[string]string),
		proposals:    make(map[string]simProposal),
		contracts:    make(map[int64]*simContract),
		nextContract: 1000,
		calls:        make(map[string]int),
	}
}

// FailNextProposals makes the next n proposal requests fail with a venue error.
func (s *SimChannel) FailNextProposals(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failProposals = n
}

// FailNextBuys makes the next n buy requests fail with a venue error.
func (s *SimChannel) FailNextBuys(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBuys = n
}

// DropSettlements suppresses settlement pushes while set, simulating a venue
// that never reports the outcome.
func (s *SimChannel) DropSettlements(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSettlements = drop
}

// Balance returns the simulated account balance.
func (s *SimChannel) Balance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// Calls returns how many requests of the given kind were received, e.g. "buy".
func (s *SimChannel) Calls(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// Subscribe implements Channel.
func (s *SimChannel) Subscribe(msgType MsgType, h Handler) func() {
	return s.hub.subscribe(msgType, h)
}

// Request implements Channel. Like the live venue, the response is also
// published to the subscribers of its type.
func (s *SimChannel) Request(ctx context.Context, payload Payload) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := s.reqID.Add(1)

	s.mu.Lock()
	kind := requestKind(payload)
	s.calls[kind]++
	resp, pushes, apiErr := s.handle(kind, payload)
	s.mu.Unlock()

	if apiErr != nil {
		resp = &Message{Type: MsgType(kind), Error: apiErr}
	}
	resp.ReqID = id
	s.hub.publish(resp, s.logger)
	for _, m := range pushes {
		s.hub.publish(m, s.logger)
	}
	if apiErr != nil {
		return resp, apiErr
	}
	return resp, nil
}

var requestKinds = []string{
	"authorize", "balance", "ticks_history", "ticks", "forget_all", "forget",
	"proposal_open_contract", "proposal", "buy", "ping",
}

func requestKind(p Payload) string {
	for _, k := range requestKinds {
		if _, ok := p[k]; ok {
			return k
		}
	}
	return "unknown"
}

// handle runs with s.mu held.
func (s *SimChannel) handle(kind string, p Payload) (*Message, []*Message, *APIError) {
	switch kind {
	case "authorize":
		return &Message{Type: MsgAuthorize, Authorize: &AuthorizeInfo{
			Currency: s.cfg.Currency,
			LoginID:  "VRTC0000001",
			Balance:  s.balance,
		}}, nil, nil

	case "balance":
		msg := &Message{Type: MsgBalance, Balance: s.balanceMsg()}
		if intArg(p["subscribe"]) == 1 {
			s.balanceSub = s.newSubID()
			msg.Subscription = &Subscription{ID: s.balanceSub}
		}
		return msg, nil, nil

	case "ticks_history":
		symbol := stringArg(p["ticks_history"])
		count := max(1, intArg(p["count"]))
		h := &History{Prices: make([]json.Number, count), Times: make([]int64, count)}
		now := time.Now().Unix()
		for i := 0; i < count; i++ {
			h.Prices[i] = json.Number(s.nextQuote(symbol))
			h.Times[i] = now - int64(count-1-i)
		}
		return &Message{Type: MsgHistory, History: h}, nil, nil

	case "ticks":
		symbol := stringArg(p["ticks"])
		sub := s.newSubID()
		s.tickSubs[symbol] = sub
		return &Message{
			Type:         MsgTick,
			Tick:         &Tick{Symbol: symbol, Quote: json.Number(s.quote(symbol)), Epoch: time.Now().Unix(), ID: sub},
			Subscription: &Subscription{ID: sub},
		}, nil, nil

	case "forget_all":
		switch stringArg(p["forget_all"]) {
		case "ticks":
			clear(s.tickSubs)
		case "balance":
			s.balanceSub = ""
		case "proposal_open_contract":
			for _, c := range s.contracts {
				c.subID = ""
			}
		}
		return &Message{Type: MsgForgetAll}, nil, nil

	case "forget":
		sub := stringArg(p["forget"])
		for sym, id := range s.tickSubs {
			if id == sub {
				delete(s.tickSubs, sym)
			}
		}
		if s.balanceSub == sub {
			s.balanceSub = ""
		}
		for _, c := range s.contracts {
			if c.subID == sub {
				c.subID = ""
			}
		}
		return &Message{Type: MsgForget}, nil, nil

	case "proposal_open_contract":
		id := int64(intArg(p["contract_id"]))
		c, ok := s.contracts[id]
		if !ok {
			return nil, nil, &APIError{Code: "InvalidContractId", Message: fmt.Sprintf("contract %d not found", id)}
		}
		msg := &Message{Type: MsgOpenContract, OpenContract: c.state()}
		if intArg(p["subscribe"]) == 1 && !c.settled {
			c.subID = s.newSubID()
			msg.Subscription = &Subscription{ID: c.subID}
		}
		if c.settled && s.dropSettlements {
			msg.OpenContract = &OpenContract{ContractID: c.id, Status: "open", BuyPrice: c.stake}
		}
		return msg, nil, nil

	case "proposal":
		if s.failProposals > 0 {
			s.failProposals--
			return nil, nil, &APIError{Code: "RateLimit", Message: "simulated proposal failure"}
		}
		amount := decimalArg(p["amount"])
		if !amount.IsPositive() {
			return nil, nil, &APIError{Code: "ContractCreationFailure", Message: "invalid stake"}
		}
		barrier, err := strconv.Atoi(stringArg(p["barrier"]))
		if err != nil || barrier < 0 || barrier > 9 {
			return nil, nil, &APIError{Code: "ContractCreationFailure", Message: "invalid barrier"}
		}
		s.nextProposal++
		id := fmt.Sprintf("sim-%d", s.nextProposal)
		prop := simProposal{
			symbol:  stringArg(p["symbol"]),
			barrier: barrier,
			ask:     amount,
			payout:  amount.Add(amount.Mul(s.cfg.PayoutRate)).Round(2),
		}
		s.proposals[id] = prop
		return &Message{Type: MsgProposal, Proposal: &Proposal{ID: id, AskPrice: prop.ask, Payout: prop.payout}}, nil, nil

	case "buy":
		if s.failBuys > 0 {
			s.failBuys--
			return nil, nil, &APIError{Code: "RateLimit", Message: "simulated buy failure"}
		}
		prop, ok := s.proposals[stringArg(p["buy"])]
		if !ok {
			return nil, nil, &APIError{Code: "InvalidContractProposal", Message: "unknown proposal"}
		}
		if decimalArg(p["price"]).LessThan(prop.ask) {
			return nil, nil, &APIError{Code: "ContractBuyValidationError", Message: "price below ask"}
		}
		if s.balance.LessThan(prop.ask) {
			return nil, nil, &APIError{Code: "InsufficientBalance", Message: "insufficient balance"}
		}
		s.balance = s.balance.Sub(prop.ask)
		s.nextContract++
		c := &simContract{
			id:      s.nextContract,
			symbol:  prop.symbol,
			barrier: prop.barrier,
			stake:   prop.ask,
			payout:  prop.payout,
		}
		s.contracts[c.id] = c
		var pushes []*Message
		if s.balanceSub != "" {
			pushes = append(pushes, &Message{Type: MsgBalance, Balance: s.balanceMsg(), Subscription: &Subscription{ID: s.balanceSub}})
		}
		return &Message{Type: MsgBuy, Buy: &BuyReceipt{
			ContractID:    c.id,
			BuyPrice:      c.stake,
			Payout:        c.payout,
			TransactionID: c.id * 10,
		}}, pushes, nil

	case "ping":
		return &Message{Type: MsgPing}, nil, nil
	}
	return nil, nil, &APIError{Code: "UnrecognisedRequest", Message: "unrecognised request"}
}

// EmitTick publishes a tick for symbol with the given quote and settles every
// open contract on it.
func (s *SimChannel) EmitTick(symbol, quote string) {
	s.mu.Lock()
	out := s.tickLocked(symbol, quote)
	s.mu.Unlock()

	for _, m := range out {
		s.hub.publish(m, s.logger)
	}
}

func (s *SimChannel) tickLocked(symbol, quote string) []*Message {
	var out []*Message
	if sub, ok := s.tickSubs[symbol]; ok {
		out = append(out, &Message{
			Type:         MsgTick,
			Tick:         &Tick{Symbol: symbol, Quote: json.Number(quote), Epoch: time.Now().Unix(), ID: sub},
			Subscription: &Subscription{ID: sub},
		})
	}

	digit, err := digits.Extract(quote, market.Lookup(symbol))
	if err != nil {
		// a malformed quote is streamed but settles nothing
		return out
	}
	d := int(digit)
	ids := make([]int64, 0, len(s.contracts))
	for id, c := range s.contracts {
		if c.symbol == symbol && !c.settled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		c := s.contracts[id]
		c.settled = true
		if d != c.barrier {
			c.profit = c.payout.Sub(c.stake)
			s.balance = s.balance.Add(c.payout)
		} else {
			c.profit = c.stake.Neg()
		}
		s.logger.Debug("sim contract settled",
			zap.Int64("contract_id", c.id),
			zap.Int("digit", d),
			zap.Int("barrier", c.barrier),
			zap.String("profit", c.profit.String()))
		if c.subID != "" && !s.dropSettlements {
			out = append(out, &Message{Type: MsgOpenContract, OpenContract: c.state(), Subscription: &Subscription{ID: c.subID}})
		}
	}
	if len(ids) > 0 && s.balanceSub != "" {
		out = append(out, &Message{Type: MsgBalance, Balance: s.balanceMsg(), Subscription: &Subscription{ID: s.balanceSub}})
	}
	return out
}

// Run generates a tick every interval for every streamed symbol and every
// symbol with open contracts until ctx is done.
func (s *SimChannel) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			symbols := make(map[string]bool)
			for sym := range s.tickSubs {
				symbols[sym] = true
			}
			for _, c := range s.contracts {
				if !c.settled {
					symbols[c.symbol] = true
				}
			}
			var out []*Message
			for sym := range symbols {
				out = append(out, s.tickLocked(sym, s.nextQuote(sym))...)
			}
			s.mu.Unlock()

			for _, m := range out {
				s.hub.publish(m, s.logger)
			}
		}
	}
}

func (s *SimChannel) balanceMsg() *Balance {
	return &Balance{Balance: s.balance, Currency: s.cfg.Currency, LoginID: "VRTC0000001"}
}

func (s *SimChannel) newSubID() string {
	s.nextSub++
	return fmt.Sprintf("sim-sub-%d", s.nextSub)
}

// quote formats the current price of symbol, starting a walk if needed.
func (s *SimChannel) quote(symbol string) string {
	p, ok := s.prices[symbol]
	if !ok {
		p = 1000 + s.rnd.Float64()*9000
		s.prices[symbol] = p
	}
	return formatQuote(p, market.Lookup(symbol).DecimalPlaces)
}

func (s *SimChannel) nextQuote(symbol string) string {
	s.quote(symbol)
	p := s.prices[symbol] * (1 + s.rnd.NormFloat64()*0.0005)
	s.prices[symbol] = p
	return formatQuote(p, market.Lookup(symbol).DecimalPlaces)
}

// formatQuote drops trailing zeros the way the venue's JSON numbers do.
func formatQuote(p float64, places int) string {
	q := strconv.FormatFloat(p, 'f', places, 64)
	if strings.Contains(q, ".") {
		q = strings.TrimRight(strings.TrimRight(q, "0"), ".")
	}
	return q
}

func stringArg(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func intArg(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case json.Number:
		n, _ := x.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	}
	return 0
}

func decimalArg(v any) decimal.Decimal {
	switch x := v.(type) {
	case decimal.Decimal:
		return x
	case float64:
		return decimal.NewFromFloat(x)
	case int:
		return decimal.NewFromInt(int64(x))
	}
	d, err := decimal.NewFromString(stringArg(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}
