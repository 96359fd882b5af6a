// Package assistant answers free-form questions about a ledger with a
// hosted language model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirana-ledger/ledger/internal/types"
)

// MaxContextRows is the number of most recent transactions sent as context.
const MaxContextRows = 50

// ErrAssistant is returned when the model cannot produce an answer.
var ErrAssistant = errors.New("failed to analyze finances")

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ContextRows renders up to MaxContextRows transactions, in the order given,
// one per line as date,description,Income:x,Expense:y.
func ContextRows(txs []types.Transaction) string {
	if len(txs) > MaxContextRows {
		txs = txs[:MaxContextRows]
	}
	lines := make([]string, len(txs))
	for i, t := range txs {
		lines[i] = fmt.Sprintf("%s,%s,Income:%s,Expense:%s", t.Date, t.Description, t.Income, t.Expense)
	}
	return strings.Join(lines, "\n")
}

// Prompt builds the full prompt for query. txs should already be sorted
// most recent first.
func Prompt(txs []types.Transaction, query string) string {
	var b strings.Builder
	b.WriteString("You are a financial assistant for a Kirana store (small grocery).\n")
	b.WriteString("Here is a list of recent transactions (Date, Description, Income, Expense):\n\n")
	b.WriteString(ContextRows(txs))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "User Question: %q\n\n", strings.TrimSpace(query))
	b.WriteString("Provide a concise, helpful answer. Format any monetary values with ₹.\n")
	b.WriteString("If the user asks for a summary, provide a brief overview of net profit and top expenses.\n")
	b.WriteString("Keep the tone professional yet friendly.\n")
	return b.String()
}

// Ask sends query with the ledger context to gen.
func Ask(ctx context.Context, gen Generator, txs []types.Transaction, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("%w: question is empty", ErrAssistant)
	}
	answer, err := gen.Generate(ctx, Prompt(txs, query))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAssistant, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("%w: empty response", ErrAssistant)
	}
	return answer, nil
}
