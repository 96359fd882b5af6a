package ui

import (
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/kirana-ledger/ledger/internal/report"
	"github.com/kirana-ledger/ledger/internal/types"
)

// WriteTransactions renders txs as a table with a totals footer. Amounts
// that are zero are left blank.
func WriteTransactions(w io.Writer, txs []types.Transaction) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Date", "Description", "Income", "Expense", "ID"})
	table.SetAutoWrapText(false)
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_LEFT,
	})

	for _, tx := range txs {
		id := tx.ID
		if tx.IsLocal() {
			id += " (queued)"
		}
		table.Append([]string{tx.Date, tx.Description, amount(tx.Income), amount(tx.Expense), id})
	}

	totals := report.Totals(txs)
	table.SetFooter([]string{"", "Balance " + Rupees(totals.Balance), Rupees(totals.Income), Rupees(totals.Expense), ""})
	table.Render()
}

// WriteWeekly renders the weekly buckets as a table.
func WriteWeekly(w io.Writer, buckets []report.Bucket) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Day", "Income", "Expense"})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT})
	for _, b := range buckets {
		table.Append([]string{report.FormatAxisDate(b.Date), Rupees(b.Income), Rupees(b.Expense)})
	}
	table.Render()
}

func amount(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return Rupees(d)
}
