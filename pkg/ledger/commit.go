package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/lseq"
)

// Commit indexes the blocks an update creates, appends the update to the
// page log and then re-parents the blocks it moves. The envelope is
// validated before anything is written. A block is created by a blockType
// change: with a parent when it is attached under another block, without one
// when it is pageID itself. A creation that contradicts the indexed record
// keeps the first record; replicas drop that change on apply.
func Commit(ctx context.Context, l Ledger, pageID string, u document.Update) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}
	for _, rec := range BlocksCreatedBy(pageID, u) {
		err := l.CreateBlock(ctx, rec)
		if errors.Is(err, ErrRemoteRejected) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to index block %s: %w", rec.ID, err)
		}
	}
	if err := l.SaveEvents(ctx, pageID, u); err != nil {
		return err
	}
	// After the append, so a refused update moves nothing. Resending the
	// update retries the moves.
	for _, m := range BlocksMovedBy(u) {
		if err := l.MoveBlock(ctx, m); err != nil {
			return fmt.Errorf("failed to move block %s: %w", m.BlockID, err)
		}
	}
	return nil
}

// BlocksCreatedBy returns the block records implied by an update.
func BlocksCreatedBy(pageID string, u document.Update) []*BlockRecord {
	var recs []*BlockRecord
	for _, c := range u.Changes {
		if c.Data.BlockType == nil {
			continue
		}
		rec := &BlockRecord{
			ID:          c.BlockID,
			PageID:      pageID,
			Type:        *c.Data.BlockType,
			CreatedBy:   u.UserID,
			CreatedAtMs: u.Time.UnixMilli(),
		}
		switch {
		case c.Parent != nil:
			rec.ParentID = c.Parent.ID
			rec.ParentStamp = Stamp(u)
		case c.BlockID == pageID:
		default:
			// A type change on an existing block.
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// BlocksMovedBy returns the parent assignments an update makes: every
// parent reference and every insert into a children tree. Nest and Unnest
// show up here as an insert under the new parent.
func BlocksMovedBy(u document.Update) []BlockMove {
	st := Stamp(u)
	var moves []BlockMove
	for _, c := range u.Changes {
		if c.Parent != nil {
			moves = append(moves, BlockMove{BlockID: c.BlockID, ParentID: c.Parent.ID, Stamp: st})
		}
		if ev := c.Data.Children; ev != nil && ev.Kind == lseq.KindInsert {
			moves = append(moves, BlockMove{BlockID: ev.Value, ParentID: c.BlockID, Stamp: st})
		}
	}
	return moves
}
