// Package report aggregates ledger transactions for summaries and charts.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/kirana-ledger/ledger/internal/types"
)

// WeeklyDays is the number of most recent dates shown in the weekly overview.
const WeeklyDays = 7

// Summary holds the aggregate amounts of a set of transactions.
type Summary struct {
	Income  decimal.Decimal `json:"income"`
	Expense decimal.Decimal `json:"expense"`
	Balance decimal.Decimal `json:"balance"`
}

// Totals sums income and expense over txs.
func Totals(txs []types.Transaction) Summary {
	s := Summary{Income: decimal.Zero, Expense: decimal.Zero}
	for _, tx := range txs {
		s.Income = s.Income.Add(tx.Income)
		s.Expense = s.Expense.Add(tx.Expense)
	}
	s.Balance = s.Income.Sub(s.Expense)
	return s
}

// Bucket is the per-date aggregate shown in the weekly chart.
type Bucket struct {
	Date    string          `json:"date"`
	Income  decimal.Decimal `json:"income"`
	Expense decimal.Decimal `json:"expense"`
}

// Weekly groups txs by date and returns the last WeeklyDays dates that have
// entries, in ascending order.
func Weekly(txs []types.Transaction) []Bucket {
	byDate := make(map[string]*Bucket)
	for _, tx := range txs {
		b, ok := byDate[tx.Date]
		if !ok {
			b = &Bucket{Date: tx.Date, Income: decimal.Zero, Expense: decimal.Zero}
			byDate[tx.Date] = b
		}
		b.Income = b.Income.Add(tx.Income)
		b.Expense = b.Expense.Add(tx.Expense)
	}

	buckets := make([]Bucket, 0, len(byDate))
	for _, b := range byDate {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Date < buckets[j].Date
	})

	if len(buckets) > WeeklyDays {
		buckets = buckets[len(buckets)-WeeklyDays:]
	}
	return buckets
}

// FormatAxisDate renders a YYYY-MM-DD date as DD/MM. Unparseable dates are
// returned unchanged.
func FormatAxisDate(date string) string {
	t, err := time.Parse(types.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format("02/01")
}

var (
	incomeColor  = drawing.ColorFromHex("10b981")
	expenseColor = drawing.ColorFromHex("ef4444")
)

// RenderWeeklyPNG draws an income/expense bar pair per bucket.
func RenderWeeklyPNG(w io.Writer, buckets []Bucket) error {
	if len(buckets) == 0 {
		return fmt.Errorf("no transactions to chart")
	}

	var (
		bars []chart.Value
		max  float64
	)
	for _, b := range buckets {
		label := FormatAxisDate(b.Date)
		in, out := b.Income.InexactFloat64(), b.Expense.InexactFloat64()
		if in > max {
			max = in
		}
		if out > max {
			max = out
		}
		bars = append(bars,
			chart.Value{
				Label: label + " in",
				Value: in,
				Style: chart.Style{FillColor: incomeColor, StrokeColor: incomeColor},
			},
			chart.Value{
				Label: label + " out",
				Value: out,
				Style: chart.Style{FillColor: expenseColor, StrokeColor: expenseColor},
			},
		)
	}
	if max <= 0 {
		max = 1
	}

	barChart := chart.BarChart{
		Title: "Weekly Overview",
		Background: chart.Style{
			Padding: chart.Box{
				Top:    40,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Width:      1024,
		Height:     400,
		BarWidth:   40,
		BarSpacing: 20,
		Bars:       bars,
	}
	barChart.YAxis.Range = &chart.ContinuousRange{Min: 0, Max: max * 1.1}
	barChart.YAxis.ValueFormatter = func(v interface{}) string {
		if vf, isFloat := v.(float64); isFloat {
			return fmt.Sprintf("₹%.0f", vf)
		}
		return ""
	}

	if err := barChart.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}
