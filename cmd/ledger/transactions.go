package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/kirana-ledger/ledger/internal/types"
	"github.com/kirana-ledger/ledger/internal/ui"
)

var (
	addDate        string
	addDescription string
	addIncome      string
	addExpense     string
	addInteractive bool

	listLimit int
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts YYYY-MM-DD or a natural-language date such as
// "yesterday" or "last friday", resolved relative to now.
func parseDate(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.Format(types.DateLayout), nil
	}
	if t, err := time.Parse(types.DateLayout, s); err == nil {
		return t.Format(types.DateLayout), nil
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("invalid date %q: expected YYYY-MM-DD or e.g. \"yesterday\"", s)
	}
	return r.Time.Format(types.DateLayout), nil
}

// parseAmount treats an empty string as zero.
func parseAmount(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", field, s)
	}
	return d, nil
}

func buildInput(date, desc, income, expense string, now time.Time) (types.TransactionInput, error) {
	var in types.TransactionInput
	var err error
	if in.Date, err = parseDate(date, now); err != nil {
		return in, err
	}
	if in.Income, err = parseAmount("income", income); err != nil {
		return in, err
	}
	if in.Expense, err = parseAmount("expense", expense); err != nil {
		return in, err
	}
	in.Description = strings.TrimSpace(desc)
	return in, in.Validate()
}

func runAddForm() error {
	if addDate == "" {
		addDate = "today"
	}
	validAmount := func(field string) func(string) error {
		return func(s string) error {
			_, err := parseAmount(field, s)
			return err
		}
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Date").
				Description("YYYY-MM-DD, or e.g. today, yesterday").
				Value(&addDate).
				Validate(func(s string) error {
					_, err := parseDate(s, time.Now())
					return err
				}),
			huh.NewInput().
				Title("Description").
				Value(&addDescription),
			huh.NewInput().
				Title("Income (₹)").
				Value(&addIncome).
				Validate(validAmount("income")),
			huh.NewInput().
				Title("Expense (₹)").
				Value(&addExpense).
				Validate(validAmount("expense")),
		),
	)
	return form.Run()
}

var addCmd = &cobra.Command{
	Use:     "add",
	GroupID: "ledger",
	Short:   "Record an income or expense entry",
	Long: `Record a transaction. At least one of --income and --expense must be
positive.

While online the entry goes straight to the shared ledger; otherwise it is
queued on this device and uploaded on the next sync.`,
	Example: `  ledger add --income 150 --desc "Milk sales"
  ledger add --expense 500 --desc Rent --date yesterday
  ledger add -i`,
	Run: func(cmd *cobra.Command, args []string) {
		if addInteractive {
			if err := runAddForm(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		in, err := buildInput(addDate, addDescription, addIncome, addExpense, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		s := mustOpenSession(ctx)
		defer s.Close()

		tx, err := s.engine.AddTransaction(ctx, in)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error adding transaction: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(tx)
			return
		}
		where := "saved to shared ledger"
		if tx.IsLocal() {
			where = "queued on this device"
		}
		fmt.Printf("%s Added %s (%s)\n", ui.RenderPass("✓"), tx.ID, where)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete ID...",
	Aliases: []string{"rm"},
	GroupID: "ledger",
	Short:   "Delete transactions by id",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := mustOpenSession(ctx)
		defer s.Close()

		failed := false
		for _, id := range args {
			if err := s.engine.DeleteTransaction(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Error deleting %s: %v\n", id, err)
				failed = true
				continue
			}
			if !jsonOutput {
				fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "ledger",
	Short:   "List transactions, most recent first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := mustOpenSession(ctx)
		defer s.Close()

		txs := s.engine.Transactions()
		if listLimit > 0 && len(txs) > listLimit {
			txs = txs[:listLimit]
		}

		if jsonOutput {
			outputJSON(txs)
			return
		}
		if len(txs) == 0 {
			fmt.Println("No transactions yet. Add one with 'ledger add'.")
			return
		}
		ui.WriteTransactions(os.Stdout, txs)
	},
}

func init() {
	addCmd.Flags().StringVar(&addDate, "date", "", "transaction date (default today)")
	addCmd.Flags().StringVarP(&addDescription, "desc", "d", "", "description")
	addCmd.Flags().StringVar(&addIncome, "income", "", "income amount")
	addCmd.Flags().StringVar(&addExpense, "expense", "", "expense amount")
	addCmd.Flags().BoolVarP(&addInteractive, "interactive", "i", false, "enter the transaction in a form")

	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "show at most n transactions")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
}
