// Package resolver expands short block id prefixes into full ids.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/quire/pkg/ledger"
	"github.com/google/uuid"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// Index is the part of the ledger used for resolution.
type Index interface {
	GetBlock(ctx context.Context, blockID string) (*ledger.BlockRecord, error)
	ScanBlocks(ctx context.Context, prefix string) ([]string, error)
}

// ResolveBlockID resolves a block or page id prefix to a full id. A full
// UUID is checked for existence and returned unchanged. A prefix must match
// exactly one indexed block.
func ResolveBlockID(ctx context.Context, index Index, shortID string) (string, error) {
	if _, err := uuid.Parse(shortID); err == nil {
		if _, err := index.GetBlock(ctx, shortID); err != nil {
			if ledger.IsNotFound(err) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify block existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := index.ScanBlocks(ctx, strings.ToLower(shortID))
	if err != nil {
		return "", fmt.Errorf("failed to search for block: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no blocks matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no blocks found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple blocks matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d blocks", e.ShortID, len(e.Matches))
}

// Describe lists the matching ids, up to 10, for display.
func (e *AmbiguousError) Describe() string {
	var b strings.Builder
	shown := min(len(e.Matches), 10)
	for _, id := range e.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(e.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-shown)
	}
	return b.String()
}
