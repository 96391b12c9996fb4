package reporter

import (
	"fmt"
	"sort"
	"time"

	"deriv-digit-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// Metrics are the performance figures of a session, computed from the
// trade journal.
type Metrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	UnknownTrades int
	RecoveryRuns  int
	WinRate       float64 // percent of settled trades
	AvgWin        decimal.Decimal
	AvgLoss       decimal.Decimal // positive magnitude
	AvgProfitLoss float64         // AvgWin / AvgLoss
	TotalProfit   decimal.Decimal
	TotalStaked   decimal.Decimal
	MaxDrawdown   decimal.Decimal // largest peak-to-trough fall of cumulative P/L
	Instruments   []string
	StartTime     time.Time
	EndTime       time.Time
}

// CalculateMetrics aggregates journal rows. Unknown outcomes are counted but
// take no part in win rate or P/L.
func CalculateMetrics(trades []models.TradeRecord) *Metrics {
	m := &Metrics{TotalTrades: len(trades)}

	var totalWin, totalLoss decimal.Decimal
	curve := make([]decimal.Decimal, 0, len(trades))
	seen := make(map[string]bool)
	for _, tr := range trades {
		if !seen[tr.Symbol] && tr.Symbol != "" {
			seen[tr.Symbol] = true
			m.Instruments = append(m.Instruments, tr.Symbol)
		}
		if tr.Recovery {
			m.RecoveryRuns++
		}
		m.TotalStaked = m.TotalStaked.Add(tr.Stake)
		if m.StartTime.IsZero() || (!tr.OpenedAt.IsZero() && tr.OpenedAt.Before(m.StartTime)) {
			m.StartTime = tr.OpenedAt
		}
		if tr.SettledAt.After(m.EndTime) {
			m.EndTime = tr.SettledAt
		}

		switch tr.Outcome {
		case models.OutcomeWin:
			m.WinningTrades++
			totalWin = totalWin.Add(tr.Profit)
		case models.OutcomeLoss:
			m.LosingTrades++
			totalLoss = totalLoss.Add(tr.Profit)
		default:
			m.UnknownTrades++
			continue
		}
		m.TotalProfit = m.TotalProfit.Add(tr.Profit)
		curve = append(curve, m.TotalProfit)
	}
	sort.Strings(m.Instruments)

	if settled := m.WinningTrades + m.LosingTrades; settled > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(settled) * 100
	}
	if m.WinningTrades > 0 {
		m.AvgWin = totalWin.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = totalLoss.Div(decimal.NewFromInt(int64(m.LosingTrades))).Abs()
	}
	if m.AvgWin.IsPositive() && m.AvgLoss.IsPositive() {
		m.AvgProfitLoss = m.AvgWin.Div(m.AvgLoss).InexactFloat64()
	}
	m.MaxDrawdown = calculateMaxDrawdown(curve)
	return m
}

// calculateMaxDrawdown works on cumulative P/L, which starts from zero and
// may go negative, so the drawdown is absolute rather than a ratio.
func calculateMaxDrawdown(curve []decimal.Decimal) decimal.Decimal {
	peak := decimal.Zero
	maxDrawdown := decimal.Zero
	for _, pl := range curve {
		if pl.GreaterThan(peak) {
			peak = pl
		}
		if dd := peak.Sub(pl); dd.GreaterThan(maxDrawdown) {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// SessionReport renders the end-of-session report.
func SessionReport(m *Metrics, stats models.SessionStats, currency string) string {
	money := func(d decimal.Decimal) string { return d.StringFixed(2) + " " + currency }
	period := "-"
	if !m.StartTime.IsZero() {
		period = fmt.Sprintf("%s -> %s", m.StartTime.Local().Format(timeLayout), m.EndTime.Local().Format(timeLayout))
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Session Report")
	t.AppendRows([]table.Row{
		{"Period", period},
		{"Instruments", len(stats.VisitedInstruments)},
		{"Phases", stats.PhasesCount},
		{"Recovery runs", stats.RecoveryCount},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Trades", m.TotalTrades},
		{"Wins / Losses / Unknown", fmt.Sprintf("%d / %d / %d", m.WinningTrades, m.LosingTrades, m.UnknownTrades)},
		{"Win rate", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"Avg win / Avg loss", fmt.Sprintf("%s / %s (%.2f)", money(m.AvgWin), money(m.AvgLoss), m.AvgProfitLoss)},
		{"Total staked", money(m.TotalStaked)},
		{"Net P/L", money(stats.NetProfitLoss)},
		{"Max drawdown", money(m.MaxDrawdown)},
	})
	return t.Render()
}
