package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kirana-ledger/ledger/internal/config"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool

	cfg    *config.Config
	logOut io.Writer = io.Discard
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Local-first daily finance ledger for small shops",
	Long: `ledger records daily income and expense entries.

Entries are written to the shared remote ledger while online and queued on
this device while offline. The queue is uploaded when connectivity returns.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		setupLogging()
	},
}

// setupLogging routes component logs to the rotating log file when one is
// configured, and to stderr with --verbose.
func setupLogging() {
	var writers []io.Writer
	if cfg.Log.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	if verbose {
		writers = append(writers, os.Stderr)
	}
	switch len(writers) {
	case 0:
		logOut = io.Discard
	case 1:
		logOut = writers[0]
	default:
		logOut = io.MultiWriter(writers...)
	}
}

func newLogger(prefix string) *log.Logger {
	return log.New(logOut, prefix, log.LstdFlags)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.kirana/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddGroup(
		&cobra.Group{ID: "ledger", Title: "Ledger:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "insights", Title: "Insights:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
