package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kirana-ledger/ledger/internal/config"
	"github.com/kirana-ledger/ledger/internal/local"
	"github.com/kirana-ledger/ledger/internal/migrate"
	"github.com/kirana-ledger/ledger/internal/ui"
)

var (
	configForce bool

	importDryRun bool
	importBackup bool
	importSync   bool
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	Run: func(cmd *cobra.Command, args []string) {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path, configForce); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

// readSecret prompts on stderr and reads a line without echo when stdin is
// a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(string(b)), err
	}
	var line string
	_, err := fmt.Fscanln(os.Stdin, &line)
	return strings.TrimSpace(line), err
}

func mustReadSecret(prompt string) string {
	s, err := readSecret(prompt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
	return s
}

func mustOpenLocal() *local.DB {
	db, err := openLocal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
		os.Exit(1)
	}
	return db
}

var pinCmd = &cobra.Command{
	Use:     "pin",
	GroupID: "setup",
	Short:   "Manage the device lock PIN",
}

var pinSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the 4-digit PIN",
	Run: func(cmd *cobra.Command, args []string) {
		db := mustOpenLocal()
		defer db.Close()

		if db.HasPIN() {
			fmt.Fprintf(os.Stderr, "Error: a PIN is already set; use 'ledger pin change'\n")
			os.Exit(1)
		}
		pin := mustReadSecret("New PIN: ")
		if again := mustReadSecret("Repeat PIN: "); again != pin {
			fmt.Fprintf(os.Stderr, "Error: PINs do not match\n")
			os.Exit(1)
		}
		if err := db.SetPIN(pin); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s PIN set\n", ui.RenderPass("✓"))
	},
}

var pinVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a PIN against the stored one",
	Run: func(cmd *cobra.Command, args []string) {
		db := mustOpenLocal()
		defer db.Close()

		if err := db.VerifyPIN(mustReadSecret("PIN: ")); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s PIN accepted\n", ui.RenderPass("✓"))
	},
}

var pinChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the PIN",
	Run: func(cmd *cobra.Command, args []string) {
		db := mustOpenLocal()
		defer db.Close()

		old := mustReadSecret("Current PIN: ")
		newPIN := mustReadSecret("New PIN: ")
		if err := db.ChangePIN(old, newPIN); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s PIN changed\n", ui.RenderPass("✓"))
	},
}

var nameCmd = &cobra.Command{
	Use:     "name [NAME]",
	GroupID: "setup",
	Short:   "Show or set the shop's display name",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := mustOpenLocal()
		defer db.Close()

		if len(args) == 0 {
			name := db.DisplayName()
			if name == "" {
				name = ui.RenderMuted("(not set)")
			}
			fmt.Println(name)
			return
		}
		if err := db.SetDisplayName(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Display name set to %s\n", ui.RenderPass("✓"), args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import FILE",
	GroupID: "setup",
	Short:   "Import entries from an older export",
	Long: `Import transactions from a JSON array or JSONL export of an earlier
version of the app. Entries are added to this device's queue for the active
ledger and uploaded on the next sync (or right away with --sync).

Rows that fail validation are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := mustOpenSession(ctx)
		defer s.Close()

		result, err := migrate.Import(ctx, s.db, migrate.Options{
			From:     args[0],
			LedgerID: s.engine.LedgerID(),
			DryRun:   importDryRun,
			Backup:   importBackup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
			os.Exit(1)
		}

		if !importDryRun && result.Imported > 0 {
			// Pick up the rewritten queue.
			if err := s.engine.Reset(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error reloading ledger: %v\n", err)
				os.Exit(1)
			}
		}

		uploaded := 0
		if importSync && !importDryRun {
			uploaded, err = s.engine.Sync(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s Upload incomplete: %v\n", ui.RenderWarn("⚠"), err)
			}
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"imported":   result.Imported,
				"duplicates": result.Duplicates,
				"errors":     result.Errors,
				"backup":     result.BackupCreated,
				"uploaded":   uploaded,
			})
			return
		}

		verb := "Imported"
		if importDryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d entries into ledger %s\n", ui.RenderPass("✓"), verb, result.Imported, s.engine.LedgerID())
		if result.Duplicates > 0 {
			fmt.Printf("   Skipped %d already queued\n", result.Duplicates)
		}
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		if importSync {
			fmt.Printf("   Uploaded: %d\n", uploaded)
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("skipped"), e)
		}
		if len(result.Errors) > 0 && result.Imported == 0 {
			os.Exit(1)
		}
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)

	pinCmd.AddCommand(pinSetCmd)
	pinCmd.AddCommand(pinVerifyCmd)
	pinCmd.AddCommand(pinChangeCmd)

	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate without writing")
	importCmd.Flags().BoolVar(&importBackup, "backup", false, "copy the input file before importing")
	importCmd.Flags().BoolVar(&importSync, "sync", false, "upload the imported entries right away")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(nameCmd)
	rootCmd.AddCommand(importCmd)
}
