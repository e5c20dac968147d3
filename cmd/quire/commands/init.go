package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/quire/internal/config"
	"github.com/dyluth/quire/internal/printer"
	"github.com/spf13/cobra"
)

var (
	forceInit     bool
	initWorkspace string
	initTransport string
	initRedisURL  string
	initRelayURL  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a quire.yml for this replica",
	Long: `Create a quire.yml with default settings and a fresh user id.

The user id identifies this replica's edits; keep it stable across runs.
Every replica of a workspace must share the same tree settings.

Use --force to overwrite an existing configuration (WARNING: the old user id is lost).`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing quire.yml")
	initCmd.Flags().StringVar(&initWorkspace, "workspace", "default", "Workspace name shared by all replicas")
	initCmd.Flags().StringVar(&initTransport, "transport", config.TransportRedis, "Transport: redis or websocket")
	initCmd.Flags().StringVar(&initRedisURL, "redis-url", "redis://localhost:6379", "Redis URL for the redis transport and ledger")
	initCmd.Flags().StringVar(&initRelayURL, "relay-url", "", "Relay URL for the websocket transport")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		if !forceInit {
			return printer.Error(
				"quire.yml already exists",
				fmt.Sprintf("Found an existing configuration at %s.", configPath),
				[]string{"Keep using it, or overwrite it:\n  quire init --force"},
			)
		}
		if err := os.Remove(configPath); err != nil {
			return fmt.Errorf("failed to remove existing config: %w", err)
		}
	}

	cfg := config.Default()
	cfg.Workspace = initWorkspace
	cfg.Transport = initTransport
	cfg.RedisURL = initRedisURL
	cfg.RelayURL = initRelayURL
	if err := cfg.Validate(); err != nil {
		return printer.Error("invalid settings", err.Error(), []string{"Run 'quire init --help' for the available flags"})
	}

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	printer.Success("Created %s\n", configPath)
	printer.Info("  Workspace: %s\n", cfg.Workspace)
	printer.Info("  User ID:   %s\n", cfg.UserID)
	printer.Info("  Transport: %s\n", cfg.Transport)
	printer.Info("\nStart a page:\n  quire write --new-page \"My first page\"\n")
	return nil
}
