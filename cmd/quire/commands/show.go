package commands

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dyluth/quire/internal/config"
	"github.com/dyluth/quire/internal/listing"
	"github.com/dyluth/quire/internal/printer"
	"github.com/dyluth/quire/pkg/document"
	"github.com/spf13/cobra"
)

var showOutputFormat string

var showCmd = &cobra.Command{
	Use:   "show PAGE_ID",
	Short: "Print a page",
	Long: `Print a page as an indented outline, or as JSON with --output=json.

With the redis transport the page is rebuilt from the workspace's page log.
With the websocket transport it is fetched from the relay.

PAGE_ID may be shortened to a unique prefix of at least 6 characters when the
redis transport is used.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutputFormat, "output", "o", "tree", "Output format: tree or json")
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	if showOutputFormat != "tree" && showOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", showOutputFormat),
			[]string{"Valid formats: tree, json"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pageID, err := resolveID(cmd.Context(), cfg, args[0])
	if err != nil {
		return err
	}
	snap, err := loadPage(cmd.Context(), cfg, pageID)
	if err != nil {
		return err
	}

	if showOutputFormat == "json" {
		return listing.FormatSingleJSON(cmd.OutOrStdout(), snap)
	}
	printer.Tree(cmd.OutOrStdout(), snap)
	return nil
}

func loadPage(ctx context.Context, cfg *config.QuireConfig, pageID string) (*document.BlockJSON, error) {
	notFound := func() error {
		return printer.ErrorWithContext(
			fmt.Sprintf("page '%s' not found", pageID),
			"The page has no updates in this workspace.",
			map[string]string{"Workspace": cfg.Workspace},
			[]string{"Create a page:\n  quire write --new-page \"Title\""},
		)
	}

	if cfg.Transport == config.TransportWebsocket {
		rc, err := newRelayClient(cfg.RelayURL)
		if err != nil {
			return nil, err
		}
		snap, err := rc.Page(ctx, pageID)
		if errors.Is(err, errRelayNotFound) {
			return nil, notFound()
		}
		return snap, err
	}

	client, err := connectLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	updates, err := client.Updates(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read page log: %w", err)
	}
	store, err := document.Rebuild(updates, cfg.TreeOptions()...)
	if err != nil {
		log.Printf("Page %s log has dropped changes: %v", pageID, err)
	}
	snap, err := store.Snapshot(pageID)
	if errors.Is(err, document.ErrUnknownBlockReference) {
		return nil, notFound()
	}
	return snap, err
}
