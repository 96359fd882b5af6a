// Package ui provides terminal styling and formatting for ledger output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

func init() {
	if !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// ShouldUseColor reports whether output should be colored. NO_COLOR wins
// over CLICOLOR_FORCE; otherwise stdout must be a terminal.
func ShouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") != "" {
		return true
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Colors adapt to light and dark terminal backgrounds.
var (
	ColorIncome  = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	ColorExpense = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	ColorWarn    = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FFB74D"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
)

var (
	PassStyle    = lipgloss.NewStyle().Foreground(ColorIncome)
	IncomeStyle  = lipgloss.NewStyle().Foreground(ColorIncome)
	ExpenseStyle = lipgloss.NewStyle().Foreground(ColorExpense)
	WarnStyle    = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle    = lipgloss.NewStyle().Foreground(ColorExpense).Bold(true)
	AccentStyle  = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	MutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
)

func RenderPass(s string) string    { return PassStyle.Render(s) }
func RenderIncome(s string) string  { return IncomeStyle.Render(s) }
func RenderExpense(s string) string { return ExpenseStyle.Render(s) }
func RenderWarn(s string) string    { return WarnStyle.Render(s) }
func RenderFail(s string) string    { return FailStyle.Render(s) }
func RenderAccent(s string) string  { return AccentStyle.Render(s) }
func RenderMuted(s string) string   { return MutedStyle.Render(s) }

// RenderStatus colors a sync status word: synced is green, syncing amber,
// anything else muted.
func RenderStatus(status string) string {
	switch status {
	case "synced":
		return RenderPass(status)
	case "syncing":
		return RenderWarn(status)
	default:
		return RenderMuted(status)
	}
}
