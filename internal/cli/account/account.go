// Package account manages per-account terminal installations from the
// command line.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/mtgate/internal/cli/config"
)

func New(rc *config.RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Provision, launch and reclaim account terminals",
	}

	cmd.AddCommand(
		newProvisionCmd(rc),
		newLaunchCmd(rc),
		newReclaimCmd(rc),
		newResetCmd(rc),
		newListCmd(rc),
		newReclaimAllCmd(rc),
	)
	return cmd
}

func newProvisionCmd(rc *config.RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <account-id>",
		Short: "Copy the terminal template for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := rc.ProcessManager()
			if err != nil {
				return err
			}
			dir, created, err := m.Provision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state := "exists"
			if created {
				state = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", dir, state)
			return nil
		},
	}
}

// newLaunchCmd starts the terminal and stops it again when interrupted.
func newLaunchCmd(rc *config.RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "launch <account-id>",
		Short: "Provision and start an account terminal in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := rc.ProcessManager()
			if err != nil {
				return err
			}
			inst, err := m.Launch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s pid %d\n", inst.Exe, inst.PID)

			<-cmd.Context().Done()
			ctx, cancel := context.WithTimeout(context.Background(), rc.Cfg.Process.TerminateGrace+5*time.Second)
			defer cancel()
			return m.Shutdown(ctx)
		},
	}
}

func newReclaimCmd(rc *config.RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim <account-id>",
		Short: "Remove an account's terminal installation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := rc.ProcessManager()
			if err != nil {
				return err
			}
			return m.Reclaim(cmd.Context(), args[0])
		},
	}
}

// newResetCmd reinstalls an account and checks that a connection can
// attach to the fresh terminal.
func newResetCmd(rc *config.RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <account-id>",
		Short: "Reclaim, reinstall and attach to an account terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := rc.ProcessManager()
			if err != nil {
				return err
			}
			term, err := rc.Terminal()
			if err != nil {
				return err
			}
			if err := m.Reset(cmd.Context(), args[0], term); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.ExePath(args[0]))
			return term.Shutdown(cmd.Context())
		},
	}
}

func newListCmd(rc *config.RootConfig) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed account terminals",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := rc.ProcessManager()
			if err != nil {
				return err
			}
			ids, err := m.Installed()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ids)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tDIR")
			for _, id := range ids {
				fmt.Fprintf(w, "%s\t%s\n", id, m.Dir(id))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newReclaimAllCmd(rc *config.RootConfig) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reclaim-all",
		Short: "Remove every account installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to remove %s without --yes", rc.Cfg.Process.BaseDir)
			}
			m, err := rc.ProcessManager()
			if err != nil {
				return err
			}
			return m.ReclaimAll(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal")
	return cmd
}
