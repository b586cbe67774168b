package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/semabot/semabot/internal/adapters/matrix"
	"github.com/semabot/semabot/internal/config"
	"github.com/semabot/semabot/internal/semaphore"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7ec699")) // sage green
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d48a8a")) // warm red
)

func newCheckCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and test both connections",
		Long: `Validate the configuration, ping the Semaphore API with the configured
token and ask the Matrix homeserver who the access token belongs to.

Examples:
  semabot check
  semabot check --config ./bot.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return runChecks(ctx, cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

// runChecks prints one line per check and returns an error if any failed.
func runChecks(ctx context.Context, cfg *config.Config, w io.Writer) error {
	failed := 0
	report := func(name string, err error, detail string) {
		if err != nil {
			failed++
			fmt.Fprintf(w, "  %s %-12s %v\n", failStyle.Render("✗"), name, err)
			return
		}
		fmt.Fprintf(w, "  %s %-12s %s\n", okStyle.Render("✓"), name, detail)
	}

	fmt.Fprintln(w, "semabot check")
	fmt.Fprintln(w, "=============")

	if err := cfg.Validate(); err != nil {
		report("config", err, "")
		return fmt.Errorf("config is invalid")
	}
	report("config", nil, configPath())

	sem := semaphore.NewClient(cfg.Semaphore)
	if err := sem.Ping(ctx); err != nil {
		report("semaphore", err, "")
	} else if projects, err := sem.ListProjects(ctx); err != nil {
		report("semaphore", fmt.Errorf("token rejected: %w", err), "")
	} else {
		report("semaphore", nil, fmt.Sprintf("%s, %s visible", cfg.Semaphore.URL, english.Plural(len(projects), "project", "")))
	}

	mx := matrix.NewClient(cfg.Matrix)
	switch userID, err := mx.Whoami(ctx); {
	case err != nil:
		report("matrix", err, "")
	case userID != cfg.Matrix.UserID:
		report("matrix", fmt.Errorf("access token belongs to %s, config says %s", userID, cfg.Matrix.UserID), "")
	default:
		report("matrix", nil, fmt.Sprintf("logged in as %s", userID))
	}

	if failed > 0 {
		return fmt.Errorf("%s failed", english.Plural(failed, "check", ""))
	}
	fmt.Fprintln(w, "\n✅ Ready to start")
	return nil
}
