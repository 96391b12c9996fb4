package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// money renders an amount the way the venue expects it: a JSON number with
// two decimals.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

// Authorize logs in with an API token.
func Authorize(ctx context.Context, ch Channel, token string) (*AuthorizeInfo, error) {
	msg, err := ch.Request(ctx, Payload{"authorize": token})
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	if msg.Authorize == nil {
		return nil, fmt.Errorf("authorize: %w", ErrMalformed)
	}
	return msg.Authorize, nil
}

// SubscribeBalance starts the balance stream. The first balance arrives in
// the response and is also published to MsgBalance subscribers.
func SubscribeBalance(ctx context.Context, ch Channel) (*Balance, string, error) {
	msg, err := ch.Request(ctx, Payload{"balance": 1, "subscribe": 1})
	if err != nil {
		return nil, "", fmt.Errorf("subscribe balance: %w", err)
	}
	return msg.Balance, msg.SubscriptionID(), nil
}

// TicksHistory fetches the last count ticks of symbol.
func TicksHistory(ctx context.Context, ch Channel, symbol string, count int) (*History, error) {
	msg, err := ch.Request(ctx, Payload{
		"ticks_history":     symbol,
		"count":             count,
		"end":               "latest",
		"style":             "ticks",
		"adjust_start_time": 1,
	})
	if err != nil {
		return nil, fmt.Errorf("ticks history %s: %w", symbol, err)
	}
	if msg.History == nil {
		return nil, fmt.Errorf("ticks history %s: %w", symbol, ErrMalformed)
	}
	return msg.History, nil
}

// SubscribeTicks starts the live tick stream of symbol and returns its
// subscription id.
func SubscribeTicks(ctx context.Context, ch Channel, symbol string) (string, error) {
	msg, err := ch.Request(ctx, Payload{"ticks": symbol, "subscribe": 1})
	if err != nil {
		return "", fmt.Errorf("subscribe ticks %s: %w", symbol, err)
	}
	return msg.SubscriptionID(), nil
}

// ForgetAll cancels every stream of the given kind, e.g. "ticks".
func ForgetAll(ctx context.Context, ch Channel, stream string) error {
	if _, err := ch.Request(ctx, Payload{"forget_all": stream}); err != nil {
		return fmt.Errorf("forget all %s: %w", stream, err)
	}
	return nil
}

// Forget cancels one stream by subscription id.
func Forget(ctx context.Context, ch Channel, subscriptionID string) error {
	if subscriptionID == "" {
		return nil
	}
	if _, err := ch.Request(ctx, Payload{"forget": subscriptionID}); err != nil {
		return fmt.Errorf("forget %s: %w", subscriptionID, err)
	}
	return nil
}

// ContractParams describes a digit contract to price.
type ContractParams struct {
	Symbol       string
	ContractType string
	Duration     int
	DurationUnit string
	Currency     string
	Barrier      int
	Amount       decimal.Decimal
}

// RequestProposal prices a contract.
func RequestProposal(ctx context.Context, ch Channel, p ContractParams) (*Proposal, error) {
	msg, err := ch.Request(ctx, Payload{
		"proposal":      1,
		"amount":        money(p.Amount),
		"basis":         "stake",
		"contract_type": p.ContractType,
		"currency":      p.Currency,
		"duration":      p.Duration,
		"duration_unit": p.DurationUnit,
		"symbol":        p.Symbol,
		"barrier":       strconv.Itoa(p.Barrier),
	})
	if err != nil {
		return nil, fmt.Errorf("proposal: %w", err)
	}
	if msg.Proposal == nil || msg.Proposal.ID == "" {
		return nil, fmt.Errorf("proposal: %w", ErrMalformed)
	}
	return msg.Proposal, nil
}

// Buy purchases a priced proposal, paying at most price.
func Buy(ctx context.Context, ch Channel, proposalID string, price decimal.Decimal) (*BuyReceipt, error) {
	msg, err := ch.Request(ctx, Payload{"buy": proposalID, "price": money(price)})
	if err != nil {
		return nil, fmt.Errorf("buy %s: %w", proposalID, err)
	}
	if msg.Buy == nil || msg.Buy.ContractID == 0 {
		return nil, fmt.Errorf("buy %s: %w", proposalID, ErrMalformed)
	}
	return msg.Buy, nil
}

// SubscribeContract opens the proposal_open_contract stream of one contract.
// The response carries the current contract state and is published like any
// later update.
func SubscribeContract(ctx context.Context, ch Channel, contractID int64) (string, error) {
	msg, err := ch.Request(ctx, Payload{
		"proposal_open_contract": 1,
		"contract_id":            contractID,
		"subscribe":              1,
	})
	if err != nil {
		return "", fmt.Errorf("subscribe contract %d: %w", contractID, err)
	}
	return msg.SubscriptionID(), nil
}
