package ui

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Currency is the ledger's display currency.
const Currency = money.INR

// Rupees formats amount for display, e.g. ₹1,500.00. Fractions below one
// paisa are rounded.
func Rupees(amount decimal.Decimal) string {
	fraction := 2
	if cur := money.GetCurrency(Currency); cur != nil {
		fraction = cur.Fraction
	}
	minor := amount.Shift(int32(fraction)).Round(0).IntPart()
	return money.New(minor, Currency).Display()
}

// SignedRupees renders a balance green when non-negative and red otherwise.
func SignedRupees(amount decimal.Decimal) string {
	if amount.IsNegative() {
		return RenderExpense(Rupees(amount))
	}
	return RenderIncome(Rupees(amount))
}
