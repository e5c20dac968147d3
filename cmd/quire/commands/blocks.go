package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/quire/internal/config"
	"github.com/dyluth/quire/internal/filter"
	"github.com/dyluth/quire/internal/listing"
	"github.com/dyluth/quire/internal/printer"
	"github.com/dyluth/quire/internal/timespec"
	"github.com/dyluth/quire/pkg/ledger"
	"github.com/spf13/cobra"
)

var (
	blocksOutputFormat string
	blocksCursor       string
	blocksLimit        int
	blocksGetID        string
	blocksSince        string
	blocksUntil        string
	blocksType         string
	blocksCreatedBy    string
)

var blocksCmd = &cobra.Command{
	Use:   "blocks [PARENT_ID]",
	Short: "Inspect the block index",
	Long: `Inspect the block index in list or get mode.

List Mode (PARENT_ID):
  Lists the blocks created under a parent, oldest first, one window at a time.
  Pass the printed cursor back with --cursor for the next window.

Get Mode (--get BLOCK_ID):
  Prints the index record of one block as JSON.

Output Formats (list mode only):
  default - Human-readable table
  jsonl   - Line-delimited JSON, one block per line

Filters (list mode only, applied to each window):
  --since, --until - creation time (duration like 2h or RFC3339)
  --type           - block type glob ("heading*")
  --by             - creating user id

IDs may be shortened to a unique prefix of at least 6 characters when the
redis transport is used.

Examples:
  quire blocks 0d6c3f0e-8a54-4a3c-9b57-54d0a1c1f0aa --limit=20
  quire blocks 0d6c3f0e-8a54-4a3c-9b57-54d0a1c1f0aa --output=jsonl | jq .type
  quire blocks 0d6c3f --type="heading*" --since=1h
  quire blocks --get 7a1e6b55-3e0e-4bd4-8b5d-4a3f0a6c9e12`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBlocks,
}

func init() {
	blocksCmd.Flags().StringVarP(&blocksOutputFormat, "output", "o", "default", "Output format: default or jsonl (ignored in get mode)")
	blocksCmd.Flags().StringVar(&blocksCursor, "cursor", "", "Continue from a previous window")
	blocksCmd.Flags().IntVar(&blocksLimit, "limit", 0, fmt.Sprintf("Window size (default %d, max %d)", ledger.DefaultPageLimit, ledger.MaxPageLimit))
	blocksCmd.Flags().StringVar(&blocksGetID, "get", "", "Print a single block record")
	blocksCmd.Flags().StringVar(&blocksSince, "since", "", "Show blocks created after time (duration or RFC3339)")
	blocksCmd.Flags().StringVar(&blocksUntil, "until", "", "Show blocks created before time (duration or RFC3339)")
	blocksCmd.Flags().StringVar(&blocksType, "type", "", "Filter by block type (glob pattern)")
	blocksCmd.Flags().StringVar(&blocksCreatedBy, "by", "", "Filter by creating user id")
	rootCmd.AddCommand(blocksCmd)
}

// blockIndex is the part of the ledger the blocks command reads.
type blockIndex interface {
	GetBlock(ctx context.Context, blockID string) (*ledger.BlockRecord, error)
	QueryBlocksByParent(ctx context.Context, parentID string, req ledger.PageRequest) (*ledger.BlockPage, error)
}

type relayIndex struct{ *relayClient }

func (r relayIndex) GetBlock(ctx context.Context, blockID string) (*ledger.BlockRecord, error) {
	rec, err := r.Block(ctx, blockID)
	if errors.Is(err, errRelayNotFound) {
		return nil, fmt.Errorf("%w: block %s", ledger.ErrNotFound, blockID)
	}
	return rec, err
}

func (r relayIndex) QueryBlocksByParent(ctx context.Context, parentID string, req ledger.PageRequest) (*ledger.BlockPage, error) {
	return r.Blocks(ctx, parentID, req)
}

func runBlocks(cmd *cobra.Command, args []string) error {
	isGetMode := blocksGetID != ""
	switch {
	case isGetMode && len(args) > 0:
		return printer.Error("conflicting arguments", "Give either PARENT_ID or --get, not both.", nil)
	case !isGetMode && len(args) == 0:
		return printer.Error("missing parent", "List mode needs a PARENT_ID.", []string{"quire blocks <PARENT_ID>", "quire blocks --get <BLOCK_ID>"})
	}
	if !isGetMode && blocksOutputFormat != "default" && blocksOutputFormat != "jsonl" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", blocksOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	sinceMs, untilMs, err := timespec.ParseRange(blocksSince, blocksUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time filter", err.Error(), []string{"Use a duration like 2h or RFC3339 like 2026-03-01T09:00:00Z"})
	}
	criteria := filter.Criteria{
		SinceTimestampMs: sinceMs,
		UntilTimestampMs: untilMs,
		TypeGlob:         blocksType,
		CreatedBy:        blocksCreatedBy,
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	id := blocksGetID
	if !isGetMode {
		id = args[0]
	}
	id, err = resolveID(ctx, cfg, id)
	if err != nil {
		return err
	}

	var index blockIndex
	if cfg.Transport == config.TransportWebsocket {
		rc, err := newRelayClient(cfg.RelayURL)
		if err != nil {
			return err
		}
		index = relayIndex{rc}
	} else {
		client, err := connectLedger(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		index = client
	}

	out := cmd.OutOrStdout()
	if isGetMode {
		rec, err := index.GetBlock(ctx, id)
		if ledger.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("block '%s' not found", id),
				"The block is not in the index of this workspace.",
				[]string{"List the blocks under a parent:\n  quire blocks <PARENT_ID>"},
			)
		}
		if err != nil {
			return fmt.Errorf("failed to get block: %w", err)
		}
		return listing.FormatSingleJSON(out, rec)
	}

	parentID := id
	page, err := index.QueryBlocksByParent(ctx, parentID, ledger.PageRequest{Cursor: blocksCursor, Limit: blocksLimit})
	if err != nil {
		return printer.Error("failed to list blocks", err.Error(), nil)
	}
	page = criteria.Apply(page)
	if blocksOutputFormat == "jsonl" {
		return listing.FormatJSONL(out, page)
	}
	listing.FormatTable(out, page, parentID)
	return nil
}
