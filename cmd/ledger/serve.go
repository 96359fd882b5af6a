package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirana-ledger/ledger/internal/server"
	"github.com/kirana-ledger/ledger/internal/ui"
)

var (
	serveAddr string

	mintTTL time.Duration
)

func serverSecret() string {
	if cfg.Server.JWTSecret == "" {
		fmt.Fprintf(os.Stderr, "Error: server.jwt_secret is not set\n")
		fmt.Fprintf(os.Stderr, "Set it in the config file or via KIRANA_SERVER_JWT_SECRET\n")
		os.Exit(1)
	}
	return cfg.Server.JWTSecret
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "setup",
	Short:   "Run the shared ledger server (foreground)",
	Long: `Run the shared ledger server that devices sync against.

The server stores every ledger collection in one SQLite file, issues session
tokens and pushes the complete collection to live subscribers after every
change.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0700); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating database directory: %v\n", err)
			os.Exit(1)
		}

		srv, err := server.New(&server.Config{
			Addr:      addr,
			DBPath:    cfg.Server.DBPath,
			JWTSecret: serverSecret(),
			TokenTTL:  cfg.Server.TokenTTL,
			Mode:      cfg.Server.Mode,
			Logger:    newLogger("[server] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
			os.Exit(1)
		}

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Ledger server listening on %s\n", ui.RenderAccent("🚀"), srv.Addr())
		fmt.Printf("   Database: %s\n", cfg.Server.DBPath)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
			os.Exit(1)
		}
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token",
	GroupID: "setup",
	Short:   "Manage sign-in tokens",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint UID",
	Short: "Mint a custom sign-in token for a user id",
	Long: `Mint a custom token that signs a device in as UID.

Put the token in remote.token (or KIRANA_REMOTE_TOKEN) on every device that
should share UID's ledger identity.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token, err := server.MintCustomToken(serverSecret(), args[0], mintTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error minting token: %v\n", err)
			os.Exit(1)
		}
		if jsonOutput {
			outputJSON(map[string]string{"uid": args[0], "token": token})
			return
		}
		fmt.Println(token)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	tokenMintCmd.Flags().DurationVar(&mintTTL, "ttl", 365*24*time.Hour, "token lifetime")

	tokenCmd.AddCommand(tokenMintCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}
