package reporter

import (
	"fmt"
	"time"

	"deriv-digit-bot-go/internal/market"
	"deriv-digit-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02 15:04:05"

// MarketSummary is shown when the bot leaves an instrument.
type MarketSummary struct {
	Market    string
	Timeframe string
	Signals   int
	Ignored   int
	Trades    int
	Wins      int
	Losses    int
	MarketPL  decimal.Decimal
	SessionPL decimal.Decimal
	AvgStake  decimal.Decimal
	Currency  string
	Next      string
}

// NewMarketSummary builds the summary of the instrument described by st.
// next is the symbol the bot rotates to.
func NewMarketSummary(st models.MarketStats, sessionPL decimal.Decimal, currency, next string) MarketSummary {
	s := MarketSummary{
		Market:    market.Label(st.Symbol),
		Timeframe: timeframe(st.FirstTick, st.LastTick),
		Signals:   st.Signals,
		Ignored:   st.Ignored,
		Trades:    st.Trades,
		Wins:      st.Wins,
		Losses:    st.Losses,
		MarketPL:  st.NetPL,
		SessionPL: sessionPL,
		Currency:  currency,
	}
	if len(st.Stakes) > 0 {
		s.AvgStake = decimal.Sum(decimal.Zero, st.Stakes...).Div(decimal.NewFromInt(int64(len(st.Stakes))))
	}
	if next != "" {
		s.Next = market.Label(next)
	}
	return s
}

func timeframe(first, last time.Time) string {
	if first.IsZero() || last.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s -> %s", first.Local().Format(timeLayout), last.Local().Format(timeLayout))
}

func (s MarketSummary) money(d decimal.Decimal) string {
	if s.Currency == "" {
		return d.StringFixed(2)
	}
	return d.StringFixed(2) + " " + s.Currency
}

// Render draws the summary as a table.
func (s MarketSummary) Render() string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Market Summary - %s", s.Market)
	avg := "-"
	if s.AvgStake.IsPositive() {
		avg = s.money(s.AvgStake)
	}
	next := s.Next
	if next == "" {
		next = "-"
	}
	t.AppendRows([]table.Row{
		{"Timeframe", s.Timeframe},
		{"Signals", s.Signals},
		{"Trades", s.Trades},
		{"Wins / Losses", fmt.Sprintf("%d / %d", s.Wins, s.Losses)},
		{"Market P/L", s.money(s.MarketPL)},
		{"Session P/L", s.money(s.SessionPL)},
		{"Avg stake", avg},
		{"Ignored signals", s.Ignored},
		{"Next market", next},
	})
	return t.Render()
}
