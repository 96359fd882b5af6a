package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kirana-ledger/ledger/internal/loadtest"
	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/remote/memory"
	"github.com/kirana-ledger/ledger/internal/ui"
)

var (
	benchDevices int
	benchEntries int
	benchRemote  bool
	benchTimeout time.Duration
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "insights",
	Short:   "Simulate several devices writing to one shared ledger",
	Long: `Run a fleet of simulated devices that all write to the same ledger at
once, then check that every device converges on the same view.

By default the fleet shares an in-process store. With --remote it uses the
configured backend; entries are written under throwaway bench-* ledgers.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), benchTimeout)
		defer cancel()

		var adapter remote.Adapter = memory.New(cfg.AppID)
		backend := "in-process store"
		if benchRemote {
			db := mustOpenLocal()
			defer db.Close()

			a, provider, _, err := openRemote(ctx, db)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening remote store: %v\n", err)
				os.Exit(1)
			}
			if a == nil {
				fmt.Fprintf(os.Stderr, "Error: no remote backend configured\n")
				os.Exit(1)
			}
			if provider != nil {
				if _, err := provider.SignIn(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "Error signing in: %v\n", err)
					os.Exit(1)
				}
			}
			adapter = a
			backend = cfg.Remote.Backend
		}

		dir, err := os.MkdirTemp("", "ledger-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		runID := "bench-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		fmt.Printf("%s Starting %d devices on %s...\n", ui.RenderAccent("🏁"), benchDevices, backend)

		fleet, err := loadtest.NewFleet(ctx, dir, adapter, benchDevices, runID, newLogger("[bench] "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting fleet: %v\n", err)
			os.Exit(1)
		}
		defer fleet.Close()

		start := time.Now()
		stats, err := fleet.RunConcurrentAdds(ctx, benchEntries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during writes: %v\n", err)
			os.Exit(1)
		}
		elapsed := time.Since(start)

		want := stats.TotalOps - stats.Errors
		convergeErr := fleet.WaitConverged(ctx, want)
		converged := time.Since(start)

		fmt.Println()
		stats.PrintStats(os.Stdout)
		fmt.Printf("\nWrites done in %v (%.0f writes/sec)\n",
			elapsed.Round(time.Millisecond), float64(stats.TotalOps)/elapsed.Seconds())

		if convergeErr != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), convergeErr)
			os.Exit(1)
		}
		fmt.Printf("%s All %d devices show %d entries after %v\n",
			ui.RenderPass("✓"), benchDevices, want, converged.Round(time.Millisecond))
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchDevices, "devices", 10, "number of simulated devices")
	benchCmd.Flags().IntVar(&benchEntries, "entries", 20, "transactions added per device")
	benchCmd.Flags().BoolVar(&benchRemote, "remote", false, "use the configured remote backend")
	benchCmd.Flags().DurationVar(&benchTimeout, "timeout", 2*time.Minute, "overall time limit")

	rootCmd.AddCommand(benchCmd)
}
