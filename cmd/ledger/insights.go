package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirana-ledger/ledger/internal/assistant"
	"github.com/kirana-ledger/ledger/internal/report"
	"github.com/kirana-ledger/ledger/internal/ui"
)

var (
	askProvider string
	askModel    string

	chartOutput string
)

var askCmd = &cobra.Command{
	Use:     "ask QUESTION",
	GroupID: "insights",
	Short:   "Ask the AI assistant about your finances",
	Long: `Ask a question about the active ledger. The most recent entries are sent
to the configured model (assistant.provider: gemini or anthropic).`,
	Example: `  ledger ask "How did I do this week?"
  ledger ask --provider anthropic "Which expense grew the most?"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		provider := cfg.Assistant.Provider
		if askProvider != "" {
			provider = askProvider
		}
		model := cfg.Assistant.Model
		if askModel != "" {
			model = askModel
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		gen, err := assistant.New(ctx, provider, cfg.Assistant.APIKey, model)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		s := mustOpenSession(context.Background())
		defer s.Close()

		answer, err := assistant.Ask(ctx, gen, s.engine.Transactions(), strings.Join(args, " "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]string{"answer": answer})
			return
		}
		fmt.Print(ui.RenderMarkdown(answer, 80))
	},
}

var chartCmd = &cobra.Command{
	Use:     "chart",
	GroupID: "insights",
	Short:   "Show income and expense for the last seven days with entries",
	Long: `Print the weekly overview as a table, and with --output also render it
as a PNG bar chart.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := mustOpenSession(context.Background())
		defer s.Close()

		buckets := report.Weekly(s.engine.Transactions())
		if jsonOutput {
			outputJSON(buckets)
			return
		}
		if len(buckets) == 0 {
			fmt.Println("No transactions yet.")
			return
		}
		ui.WriteWeekly(os.Stdout, buckets)

		if chartOutput == "" {
			return
		}
		f, err := os.Create(chartOutput)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", chartOutput, err)
			os.Exit(1)
		}
		defer f.Close()
		if err := report.RenderWeeklyPNG(f, buckets); err != nil {
			fmt.Fprintf(os.Stderr, "Error rendering chart: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Chart saved to %s\n", ui.RenderPass("✓"), chartOutput)
	},
}

func init() {
	askCmd.Flags().StringVar(&askProvider, "provider", "", "gemini or anthropic (default from config)")
	askCmd.Flags().StringVar(&askModel, "model", "", "model name (default depends on provider)")
	chartCmd.Flags().StringVarP(&chartOutput, "output", "o", "", "write a PNG chart to this file")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chartCmd)
}
