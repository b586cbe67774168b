package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/semabot/semabot/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
	cfgFile   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "semabot",
		Short: "Run Semaphore tasks from Matrix rooms",
		Long: `semabot is a chat operator for Semaphore. It listens in Matrix rooms,
starts task templates after an explicit confirmation, reports status
changes and tails task output back into the room.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.semabot/config.yaml)")

	rootCmd.AddCommand(
		newStartCmd(),
		newCheckCmd(),
		newInitCmd(),
		newAdminsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show semabot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "semabot %s\n", version)
			if buildTime != "unknown" {
				fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", buildTime)
			}
		},
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
