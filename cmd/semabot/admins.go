package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/semabot/semabot/internal/comms"
	"github.com/semabot/semabot/internal/config"
)

func newAdminsCmd() *cobra.Command {
	var (
		remove bool
		list   bool
	)

	cmd := &cobra.Command{
		Use:   "admins [user_id]",
		Short: "Manage users allowed to run and stop tasks",
		Long: `Add, remove, or list Matrix user IDs in bot.admins.

With an empty admin list every member of an allowed room may start,
stop and shut down; with at least one entry only those users may.

Examples:
  semabot admins @alice:example.org          # Add user
  semabot admins --remove @alice:example.org # Remove user
  semabot admins --list                      # List admins`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return listAdmins()
			}

			if len(args) == 0 {
				return fmt.Errorf("user_id is required (or use --list to show current admins)")
			}

			userID := args[0]
			if !strings.HasPrefix(userID, "@") || !strings.Contains(userID, ":") {
				return fmt.Errorf("invalid user_id %q: must be a Matrix user ID like @user:server", userID)
			}

			if remove {
				return removeAdmin(userID)
			}
			return addAdmin(userID)
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "Remove user from bot.admins")
	cmd.Flags().BoolVar(&list, "list", false, "List current admins")

	return cmd
}

func listAdmins() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Bot == nil || len(cfg.Bot.Admins) == 0 {
		fmt.Println("No admins configured: every member of an allowed room has full access")
		return nil
	}

	fmt.Println("Admins:")
	for _, id := range cfg.Bot.Admins {
		fmt.Printf("  %s\n", id)
	}
	fmt.Printf("\nTotal: %d user(s)\n", len(cfg.Bot.Admins))

	return nil
}

func addAdmin(userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Bot == nil {
		cfg.Bot = comms.DefaultConfig()
	}

	if slices.Contains(cfg.Bot.Admins, userID) {
		fmt.Printf("%s is already an admin\n", userID)
		return nil
	}

	cfg.Bot.Admins = append(cfg.Bot.Admins, userID)

	if err := config.Save(cfg, configPath()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("✓ Added %s to bot.admins\n", userID)
	fmt.Println("  Restart semabot to apply")

	return nil
}

func removeAdmin(userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Bot == nil {
		return fmt.Errorf("no bot configuration found")
	}

	i := slices.Index(cfg.Bot.Admins, userID)
	if i < 0 {
		fmt.Printf("%s is not an admin\n", userID)
		return nil
	}

	cfg.Bot.Admins = slices.Delete(cfg.Bot.Admins, i, i+1)

	if err := config.Save(cfg, configPath()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("✓ Removed %s from bot.admins\n", userID)
	if len(cfg.Bot.Admins) == 0 {
		fmt.Println("  The admin list is now empty: every room member has full access")
	}
	fmt.Println("  Restart semabot to apply")

	return nil
}
