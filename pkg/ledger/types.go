package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/quire/pkg/document"
	"github.com/google/uuid"
)

// ErrRemoteRejected is returned when the backing service refuses a write,
// for example an update id reused with a different payload.
var ErrRemoteRejected = errors.New("remote rejected")

// ErrNotFound is returned by ledgers that are not backed by Redis for
// unknown records. Use IsNotFound() to check.
var ErrNotFound = errors.New("not found")

// DefaultPageLimit is used when a PageRequest has no limit.
const DefaultPageLimit = 50

// MaxPageLimit caps PageRequest.Limit.
const MaxPageLimit = 500

// Ledger persists page update logs and the block index.
type Ledger interface {
	CreateBlock(ctx context.Context, b *BlockRecord) error
	MoveBlock(ctx context.Context, m BlockMove) error
	GetBlock(ctx context.Context, blockID string) (*BlockRecord, error)
	SaveEvents(ctx context.Context, pageID string, u document.Update) error
	Updates(ctx context.Context, pageID string) ([]document.Update, error)
	QueryBlocksByParent(ctx context.Context, parentID string, req PageRequest) (*BlockPage, error)
}

// BlockRecord indexes a block by its page and current parent. Type is the
// type the block was created with.
type BlockRecord struct {
	ID          string             `json:"id"`
	PageID      string             `json:"page_id"`
	ParentID    string             `json:"parent_id"` // empty for root pages
	Type        document.BlockType `json:"type"`
	CreatedBy   string             `json:"created_by"`
	CreatedAtMs int64              `json:"created_at_ms"`

	// ParentStamp is the Stamp of the update that last set ParentID.
	ParentStamp string `json:"-"`
}

// BlockMove re-parents an indexed block. Moves are last-writer-wins by
// Stamp; a move for a block that is not indexed is ignored.
type BlockMove struct {
	BlockID  string
	ParentID string
	Stamp    string
}

// Stamp orders parent assignments by (time, user id, update id), the order
// the document store uses. Stamps compare bytewise.
func Stamp(u document.Update) string {
	return fmt.Sprintf("%013d %s %s", u.Time.UnixMilli(), u.UserID, u.ID)
}

// Validate checks that all required fields are present and valid.
func (b *BlockRecord) Validate() error {
	if !isValidUUID(b.ID) {
		return fmt.Errorf("invalid block ID: not a valid UUID")
	}
	if !isValidUUID(b.PageID) {
		return fmt.Errorf("invalid page ID: not a valid UUID")
	}
	if b.ParentID != "" && !isValidUUID(b.ParentID) {
		return fmt.Errorf("invalid parent ID: not a valid UUID")
	}
	if b.ParentID == "" && b.ID != b.PageID {
		return fmt.Errorf("block %s has no parent but is not its page", b.ID)
	}
	if err := b.Type.Validate(); err != nil {
		return fmt.Errorf("invalid block type: %w", err)
	}
	if b.CreatedBy == "" {
		return fmt.Errorf("created_by is required")
	}
	return nil
}

// PageRequest selects a window of results. Cursor is opaque and taken from a
// previous BlockPage.NextCursor; empty starts at the beginning.
type PageRequest struct {
	Cursor string
	Limit  int
}

// EffectiveLimit returns Limit clamped to (0, MaxPageLimit], defaulting to DefaultPageLimit.
func (r PageRequest) EffectiveLimit() int {
	switch {
	case r.Limit <= 0:
		return DefaultPageLimit
	case r.Limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return r.Limit
	}
}

// BlockPage is one window of QueryBlocksByParent results. NextCursor is empty
// on the last window.
type BlockPage struct {
	Blocks     []*BlockRecord `json:"blocks"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
