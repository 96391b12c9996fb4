package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// MsgType is the msg_type discriminator of a venue message.
type MsgType string

const (
	MsgTick         MsgType = "tick"
	MsgHistory      MsgType = "history"
	MsgProposal     MsgType = "proposal"
	MsgBuy          MsgType = "buy"
	MsgOpenContract MsgType = "proposal_open_contract"
	MsgBalance      MsgType = "balance"
	MsgAuthorize    MsgType = "authorize"
	MsgForget       MsgType = "forget"
	MsgForgetAll    MsgType = "forget_all"
	MsgPing         MsgType = "ping"
)

// Message is a decoded venue message. Exactly one of the payload pointers
// matching Type is set for known types; unknown types only carry Raw.
type Message struct {
	Type         MsgType       `json:"msg_type"`
	ReqID        int64         `json:"req_id,omitempty"`
	Error        *APIError     `json:"error,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`

	Tick         *Tick          `json:"tick,omitempty"`
	History      *History       `json:"history,omitempty"`
	Proposal     *Proposal      `json:"proposal,omitempty"`
	Buy          *BuyReceipt    `json:"buy,omitempty"`
	OpenContract *OpenContract  `json:"proposal_open_contract,omitempty"`
	Balance      *Balance       `json:"balance,omitempty"`
	Authorize    *AuthorizeInfo `json:"authorize,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Known reports whether the message type is one the bot understands.
func (m *Message) Known() bool {
	switch m.Type {
	case MsgTick, MsgHistory, MsgProposal, MsgBuy, MsgOpenContract,
		MsgBalance, MsgAuthorize, MsgForget, MsgForgetAll, MsgPing:
		return true
	}
	return false
}

// SubscriptionID returns the stream id attached to the message, if any.
func (m *Message) SubscriptionID() string {
	if m.Subscription == nil {
		return ""
	}
	return m.Subscription.ID
}

type Subscription struct {
	ID string `json:"id"`
}

// Tick keeps the quote in its textual form; digit extraction depends on it.
type Tick struct {
	Symbol string      `json:"symbol"`
	Quote  json.Number `json:"quote"`
	Epoch  int64       `json:"epoch"`
	ID     string      `json:"id,omitempty"`
}

type History struct {
	Prices []json.Number `json:"prices"`
	Times  []int64       `json:"times"`
}

type Proposal struct {
	ID       string          `json:"id"`
	AskPrice decimal.Decimal `json:"ask_price"`
	Payout   decimal.Decimal `json:"payout"`
}

type BuyReceipt struct {
	ContractID    int64           `json:"contract_id"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	Payout        decimal.Decimal `json:"payout"`
	TransactionID int64           `json:"transaction_id"`
}

type OpenContract struct {
	ContractID int64           `json:"contract_id"`
	IsSold     Flag            `json:"is_sold"`
	Status     string          `json:"status"`
	Profit     decimal.Decimal `json:"profit"`
	Payout     decimal.Decimal `json:"payout"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
}

// Closed reports whether the contract has been sold or has expired.
func (c *OpenContract) Closed() bool {
	return bool(c.IsSold) || c.Status == "won" || c.Status == "lost" || c.Status == "sold"
}

type Balance struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	LoginID  string          `json:"loginid"`
}

type AuthorizeInfo struct {
	Currency string          `json:"currency"`
	LoginID  string          `json:"loginid"`
	Balance  decimal.Decimal `json:"balance"`
}

// Flag decodes the venue's 0/1 integers as well as JSON booleans.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "1", "true":
		*f = true
	case "0", "false", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", b)
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// DecodeMessage parses one websocket frame. Frames that are not JSON objects,
// lack msg_type, or whose payload does not match msg_type return ErrMalformed.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m.Raw = append(json.RawMessage(nil), data...)

	if m.Type == "" {
		// Error replies to unparseable requests may omit msg_type.
		if m.Error != nil {
			return &m, nil
		}
		return nil, fmt.Errorf("%w: missing msg_type", ErrMalformed)
	}
	if m.Error != nil {
		return &m, nil
	}

	var missing bool
	switch m.Type {
	case MsgTick:
		missing = m.Tick == nil
	case MsgHistory:
		missing = m.History == nil || (len(m.History.Times) != 0 && len(m.History.Prices) != len(m.History.Times))
	case MsgProposal:
		missing = m.Proposal == nil || m.Proposal.ID == ""
	case MsgBuy:
		missing = m.Buy == nil || m.Buy.ContractID == 0
	case MsgBalance:
		missing = m.Balance == nil
	case MsgAuthorize:
		missing = m.Authorize == nil
	}
	if missing {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformed, m.Type)
	}
	return &m, nil
}
