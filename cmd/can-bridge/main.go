package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "can-bridge",
		Short:        "Bidirectional CAN bridge with in-band filter control",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Flags(), configPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			l := setupLogger(cfg.LogFormat, cfg.LogLevel)
			l.Info("build_info", "version", version, "commit", commit, "date", date)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, cfg, l)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	bindFlags(cmd.Flags(), defaultConfig())
	cmd.AddCommand(versionCmd, newEncodeCmd())
	return cmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "can-bridge %s (commit %s, built %s)\n", version, commit, date)
	},
}
