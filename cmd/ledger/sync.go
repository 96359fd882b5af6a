package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kirana-ledger/ledger/internal/daemon"
	"github.com/kirana-ledger/ledger/internal/report"
	"github.com/kirana-ledger/ledger/internal/sync"
	"github.com/kirana-ledger/ledger/internal/types"
	"github.com/kirana-ledger/ledger/internal/ui"
)

var linkYes bool

// statusReport is the JSON shape of 'ledger status'.
type statusReport struct {
	Status    types.SyncStatus `json:"status"`
	State     string           `json:"state"`
	Principal types.Principal  `json:"principal"`
	LedgerID  string           `json:"ledger_id"`
	Linked    bool             `json:"linked"`
	Pending   int              `json:"pending"`
	Totals    report.Summary   `json:"totals"`
	Backend   string           `json:"backend"`
}

func buildStatus(s *session) statusReport {
	_, linked := s.resolver.Linked()
	return statusReport{
		Status:    s.engine.Status(),
		State:     s.engine.State().String(),
		Principal: s.engine.Principal(),
		LedgerID:  s.engine.LedgerID(),
		Linked:    linked,
		Pending:   s.engine.Pending(),
		Totals:    s.engine.Totals(),
		Backend:   cfg.Remote.Backend,
	}
}

func printStatus(st statusReport) {
	fmt.Printf("\n%s Ledger Status\n\n", ui.RenderAccent("📒"))
	fmt.Printf("Sync:      %s (%s)\n", ui.RenderStatus(string(st.Status)), st.State)
	fmt.Printf("Backend:   %s\n", st.Backend)
	who := st.Principal.ID
	if st.Principal.Ephemeral {
		who += ui.RenderMuted(" (this device only)")
	}
	fmt.Printf("Signed in: %s\n", who)
	ledgerLine := st.LedgerID
	if st.Linked {
		ledgerLine += ui.RenderMuted(" (linked)")
	}
	fmt.Printf("Ledger:    %s\n", ledgerLine)
	if st.Pending > 0 {
		fmt.Printf("Queued:    %s\n", ui.RenderWarn(fmt.Sprintf("%d awaiting upload", st.Pending)))
	} else {
		fmt.Printf("Queued:    0\n")
	}
	fmt.Printf("\nIncome:    %s\n", ui.RenderIncome(ui.Rupees(st.Totals.Income)))
	fmt.Printf("Expense:   %s\n", ui.RenderExpense(ui.Rupees(st.Totals.Expense)))
	fmt.Printf("Balance:   %s\n\n", ui.SignedRupees(st.Totals.Balance))
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status, active ledger and totals",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := mustOpenSession(ctx)
		defer s.Close()

		st := buildStatus(s)
		if jsonOutput {
			outputJSON(st)
			return
		}
		printStatus(st)
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Upload queued entries to the shared ledger",
	Long: `Upload every entry queued on this device to the active shared ledger.

Entries that upload are removed from the queue; failed entries stay queued
for the next sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := mustOpenSession(ctx)
		defer s.Close()

		n, err := s.engine.Sync(ctx)
		switch {
		case errors.Is(err, sync.ErrNoRemote):
			fmt.Printf("%s No remote backend configured; entries stay on this device\n", ui.RenderWarn("⚠"))
			return
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			if n > 0 {
				fmt.Fprintf(os.Stderr, "Uploaded %d entries before the failure\n", n)
			}
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"uploaded": n, "pending": s.engine.Pending()})
			return
		}
		fmt.Printf("%s Uploaded %d entries\n", ui.RenderPass("✓"), n)
		if p := s.engine.Pending(); p > 0 {
			fmt.Printf("   Still queued: %d\n", p)
		}
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep a live session running (foreground)",
	Long: `Run a long-lived session in the foreground.

The watcher:
  1. Probes the remote store and uploads the queue when it becomes reachable
  2. Follows the shared ledger live and prints the balance on every change
  3. Switches ledgers when 'ledger link' or 'ledger unlink' runs elsewhere`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := mustOpenSession(ctx)
		defer s.Close()

		dcfg := daemon.DefaultConfig()
		dcfg.ProbeInterval = cfg.Daemon.ProbeInterval
		dcfg.DebounceInterval = cfg.Daemon.DebounceInterval
		dcfg.Logger = newLogger("[daemon] ")

		d, err := daemon.New(s.engine, s.prober, s.resolver, cfg.DataDir, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
			os.Exit(1)
		}

		changed := make(chan struct{}, 1)
		remove := s.engine.OnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer remove()

		go func() {
			var last string
			for {
				select {
				case <-ctx.Done():
					return
				case <-changed:
				}
				st := buildStatus(s)
				line := fmt.Sprintf("%s  ledger=%s  entries=%d  queued=%d  balance=%s",
					ui.RenderStatus(string(st.Status)), st.LedgerID, len(s.engine.Transactions()),
					st.Pending, ui.SignedRupees(st.Totals.Balance))
				if line != last {
					fmt.Println(line)
					last = line
				}
			}
		}()
		changed <- struct{}{}

		fmt.Printf("%s Watching ledger %s\n", ui.RenderAccent("👀"), s.engine.LedgerID())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Watcher stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func confirm(title string) bool {
	if linkYes {
		return true
	}
	ok := false
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&ok),
	)).Run()
	return err == nil && ok
}

var linkCmd = &cobra.Command{
	Use:     "link LEDGER_ID",
	GroupID: "sync",
	Short:   "View and write to another device's ledger",
	Long: `Link this device to an existing shared ledger, such as the shop owner's.

Entries queued under the current ledger stay queued there; they are uploaded
after 'ledger unlink'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := mustOpenSession(ctx)
		defer s.Close()

		target := args[0]
		if target == s.engine.LedgerID() {
			fmt.Printf("Already viewing ledger %s\n", target)
			return
		}
		if n := s.engine.Pending(); n > 0 {
			fmt.Printf("%s %d queued entries belong to ledger %s and will not move\n",
				ui.RenderWarn("⚠"), n, s.engine.LedgerID())
		}
		if !confirm(fmt.Sprintf("Switch to ledger %s?", target)) {
			fmt.Println("Cancelled")
			return
		}

		if err := s.engine.Relink(ctx, target); err != nil {
			fmt.Fprintf(os.Stderr, "Error linking ledger: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Now viewing ledger %s\n", ui.RenderPass("✓"), s.engine.LedgerID())
	},
}

var unlinkCmd = &cobra.Command{
	Use:     "unlink",
	GroupID: "sync",
	Short:   "Return to this device's own ledger",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := mustOpenSession(ctx)
		defer s.Close()

		if _, linked := s.resolver.Linked(); !linked {
			fmt.Println("Not linked to another ledger")
			return
		}
		if !confirm("Return to your own ledger?") {
			fmt.Println("Cancelled")
			return
		}
		if err := s.engine.Unlink(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error unlinking ledger: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Now viewing ledger %s\n", ui.RenderPass("✓"), s.engine.LedgerID())
	},
}

func init() {
	linkCmd.Flags().BoolVarP(&linkYes, "yes", "y", false, "skip confirmation")
	unlinkCmd.Flags().BoolVarP(&linkYes, "yes", "y", false, "skip confirmation")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)
}
