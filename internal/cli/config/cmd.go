package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	mtconfig "github.com/rustyeddy/mtgate/config"
)

// SkipLoad marks commands that must run without a loadable config.
const SkipLoad = "mtgate/skip-load"

func New(rc *RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check configuration files",
	}
	cmd.AddCommand(newInitCmd(), newValidateCmd(rc), newShowCmd(rc))
	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:         "init <path>",
		Short:       "Write a default config (.yaml or .json)",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{SkipLoad: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			if err := mtconfig.Default().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

// Loading already validated the config by the time this runs.
func newValidateCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			src := rc.ConfigPath
			if src == "" {
				src = "defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (terminal=%s store=%s)\n", src, rc.Cfg.Terminal.Kind, rc.Cfg.Store.Driver)
			return nil
		},
	}
}

func newShowCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *rc.Cfg
			cfg.Terminal.Sim.Accounts = nil
			cfg.Server.AdminToken = ""
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
