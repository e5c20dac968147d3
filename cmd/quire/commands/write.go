package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/quire/internal/printer"
	"github.com/dyluth/quire/internal/replica"
	"github.com/dyluth/quire/pkg/document"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	writeNewPage bool
	writeParent  string
	writeType    string
	writeIndex   int
	writeTimeout time.Duration
)

var writeCmd = &cobra.Command{
	Use:   "write [PAGE_ID] TEXT",
	Short: "Add a block to a page",
	Long: `Add a block holding TEXT to a page, or create a new page titled TEXT.

The edit is applied locally and queued in the outbox (outbox_path) before it
is sent. If the transport cannot be reached, or the edit is not acknowledged
within --timeout, it stays queued and is sent by the next write to that page.

Examples:
  quire write --new-page "Groceries"
  quire write <PAGE_ID> "milk" --type=todo
  quire write <PAGE_ID> "semi-skimmed" --parent=<BLOCK_ID> --index=0`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().BoolVar(&writeNewPage, "new-page", false, "Create a new page titled TEXT")
	writeCmd.Flags().StringVar(&writeParent, "parent", "", "Parent block (defaults to the page)")
	writeCmd.Flags().StringVar(&writeType, "type", string(document.BlockTypeParagraph), "Block type")
	writeCmd.Flags().IntVar(&writeIndex, "index", -1, "Position among the parent's children (-1 appends)")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 10*time.Second, "How long to wait for the page and for acknowledgement")
	rootCmd.AddCommand(writeCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	var pageID, text string
	switch {
	case writeNewPage && len(args) == 1:
		pageID, text = uuid.New().String(), args[0]
	case !writeNewPage && len(args) == 2:
		pageID, text = args[0], args[1]
	default:
		return printer.Error(
			"wrong arguments",
			"Give PAGE_ID and TEXT, or --new-page and TEXT.",
			[]string{"quire write <PAGE_ID> \"text\"", "quire write --new-page \"Title\""},
		)
	}
	bt := document.BlockType(writeType)
	if err := bt.Validate(); err != nil || bt.IsPage() {
		return printer.Error("invalid block type", fmt.Sprintf("%q cannot be written as a block.", writeType), nil)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	parent := writeParent
	if !writeNewPage {
		if pageID, err = resolveID(cmd.Context(), cfg, pageID); err != nil {
			return err
		}
		if parent == "" {
			parent = pageID
		} else if parent, err = resolveID(cmd.Context(), cfg, parent); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	box, err := openOutbox(cfg)
	if err != nil {
		return err
	}
	defer box.Close()

	tr, closeTransport, err := newTransport(ctx, cfg, pageID)
	if err != nil {
		return err
	}
	defer closeTransport()

	c, err := replica.New(replica.Config{
		PageID:    pageID,
		UserID:    cfg.UserID,
		Transport: tr,
		Store:     document.NewStore(cfg.TreeOptions()...),
		Outbox:    box,
	})
	if err != nil {
		return fmt.Errorf("failed to create replica: %w", err)
	}
	c.OnError(func(err error) {
		var rejected *replica.RemoteRejectedError
		if errors.As(err, &rejected) {
			printer.Warning("Update %s was rejected: %s\n", rejected.UpdateID, rejected.Reason)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, cancelWait := context.WithTimeout(ctx, writeTimeout)
	defer cancelWait()

	blockID := pageID
	if writeNewPage {
		if _, err := c.CreatePage(ctx); err != nil {
			return fmt.Errorf("failed to create page: %w", err)
		}
		if _, err := c.InsertContent(ctx, pageID, 0, text); err != nil {
			return fmt.Errorf("failed to write title: %w", err)
		}
	} else {
		if !waitFor(waitCtx, func() bool { return c.Store().HasBlock(pageID) }) {
			return printer.ErrorWithContext(
				fmt.Sprintf("page '%s' not available", pageID),
				"The page did not arrive from the transport in time.",
				map[string]string{"Transport": cfg.Transport, "Timeout": writeTimeout.String()},
				[]string{"Check the page id with:\n  quire show <PAGE_ID>", "Retry with a longer --timeout"},
			)
		}
		blockID, err = c.CreateBlock(ctx, parent, writeIndex, bt)
		if err != nil {
			return printer.Error("cannot add block", err.Error(), nil)
		}
		if _, err := c.InsertContent(ctx, blockID, 0, text); err != nil {
			return fmt.Errorf("failed to write content: %w", err)
		}
	}

	waitFor(waitCtx, func() bool {
		n, err := c.Pending(waitCtx)
		return err == nil && n == 0
	})
	pending, err := c.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}
	if pending > 0 {
		printer.Warning("%d update(s) not yet acknowledged; they stay in %s and are re-sent by the next write to this page\n",
			pending, cfg.OutboxPath)
	} else {
		printer.Success("Synced\n")
	}

	if writeNewPage {
		fmt.Fprintf(cmd.OutOrStdout(), "Page:  %s\n", pageID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Block: %s\n", blockID)
	}
	return nil
}

// waitFor polls cond until it holds or ctx ends.
func waitFor(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
