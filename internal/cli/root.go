package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/mtgate/internal/cli/account"
	"github.com/rustyeddy/mtgate/internal/cli/config"
	"github.com/rustyeddy/mtgate/internal/cli/serve"
	"github.com/rustyeddy/mtgate/internal/cli/tokens"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

func NewRootCmd() *cobra.Command {
	rc := &config.RootConfig{}

	cmd := &cobra.Command{
		Use:           "mtgate",
		Short:         "mtgate: multi-account gateway to a single-session trading terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global / persistent flags
	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", "", "Path to config file (optional)")
	cmd.PersistentFlags().StringVar(&rc.DBPath, "db", "", "Credential store path (overrides store.path)")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "", "Log level: debug|info|warn|error")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[config.SkipLoad] != "" {
			return nil
		}
		return rc.Load()
	}

	// Subcommands
	cmd.AddCommand(
		serve.New(rc, Version),
		account.New(rc),
		tokens.New(rc),
		config.New(rc),
	)

	cmd.AddCommand(&cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{config.SkipLoad: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mtgate (%s)\n", Version)
		},
	})

	return cmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
