package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/lseq"
	"github.com/google/uuid"
)

// ErrInvalidEdit reports an edit that cannot be expressed on the current
// document, such as nesting a first child.
var ErrInvalidEdit = errors.New("invalid edit")

// commit stamps changes into an Update, applies it locally, queues it and
// sends it if connected. It runs on the loop goroutine.
func (c *Controller) commit(ctx context.Context, origin lseq.Origin, changes []document.Change) (document.Update, error) {
	u := document.NewUpdate(c.userID, origin.Time, changes...)
	u.ID = origin.Op

	// A change the local store drops is dropped by every replica, so the
	// update is still recorded and sent to keep the logs identical.
	applyErr := c.store.ApplyUpdates(u)
	if applyErr != nil {
		log.Printf("[Replica] Local update %s dropped changes: %v", u.ID, applyErr)
	}

	if err := c.outbox.Add(c.pageID, u); err != nil {
		return u, fmt.Errorf("failed to queue update: %w", err)
	}
	c.logEvent("update_created", map[string]interface{}{
		"update_id": u.ID,
		"changes":   len(u.Changes),
	})

	if err := c.send(ctx, u); err != nil {
		return u, err
	}
	return u, applyErr
}

// edit builds changes on the loop goroutine and commits them. build receives
// the origin the update will carry so that tree events allocated on clones
// are attributed consistently.
func (c *Controller) edit(ctx context.Context, build func(o lseq.Origin) ([]document.Change, error)) (document.Update, error) {
	var u document.Update
	err := c.do(ctx, func(ctx context.Context) error {
		o := lseq.Origin{UserID: c.userID, Op: uuid.New().String(), Time: c.now()}
		changes, err := build(o)
		if err != nil {
			return err
		}
		u, err = c.commit(ctx, o, changes)
		return err
	})
	return u, err
}

// now returns a millisecond timestamp later than every update this replica
// has generated or merged.
func (c *Controller) now() time.Time {
	t := c.clock().UTC().Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}

// blockType returns the current type of a block.
func (c *Controller) blockType(id string) (document.BlockType, error) {
	var bt document.BlockType
	err := c.store.View(id, func(b *document.Block) error {
		bt = b.Type
		return nil
	})
	return bt, err
}

// childInsert computes a children-tree insert of childID at index on a clone
// of parentID's children.
func (c *Controller) childInsert(parentID string, index int, childID string, o lseq.Origin) (lseq.Event, error) {
	var ev lseq.Event
	err := c.store.View(parentID, func(b *document.Block) error {
		if index < 0 {
			index = b.Children.Len()
		}
		var err error
		ev, err = b.Children.Clone().Insert(index, childID, o)
		return err
	})
	return ev, err
}

// childDelete computes the children-tree delete that removes childID from
// parentID.
func (c *Controller) childDelete(parentID, childID string, o lseq.Origin) (lseq.Event, int, error) {
	var ev lseq.Event
	var index int
	err := c.store.View(parentID, func(b *document.Block) error {
		i, _, ok := b.Children.Find(childID)
		if !ok {
			return fmt.Errorf("%w: block %s is not a child of %s", document.ErrUnknownBlockReference, childID, parentID)
		}
		index = i
		var err error
		ev, err = b.Children.Clone().Delete(i, o)
		return err
	})
	return ev, index, err
}

// CreatePage creates the controller's root page. Creating it again is
// harmless: the type is rewritten with the same value.
func (c *Controller) CreatePage(ctx context.Context) (document.Update, error) {
	return c.edit(ctx, func(lseq.Origin) ([]document.Change, error) {
		return []document.Change{document.TypeChange(c.pageID, document.BlockTypePage, nil)}, nil
	})
}

// CreateBlock creates a block of type bt at index among parentID's children
// and returns its id. A negative index appends.
func (c *Controller) CreateBlock(ctx context.Context, parentID string, index int, bt document.BlockType) (string, error) {
	if err := bt.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEdit, err)
	}
	id := uuid.New().String()
	_, err := c.edit(ctx, func(o lseq.Origin) ([]document.Change, error) {
		parentType, err := c.blockType(parentID)
		if err != nil {
			return nil, err
		}
		ev, err := c.childInsert(parentID, index, id, o)
		if err != nil {
			return nil, err
		}
		return []document.Change{
			document.TypeChange(id, bt, &document.ParentRef{ID: parentID, Type: parentType}),
			document.ChildrenChange(parentID, ev),
		}, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// InsertContent inserts text at index of the block's content, one element
// per character.
func (c *Controller) InsertContent(ctx context.Context, blockID string, index int, text string) (document.Update, error) {
	if text == "" {
		return document.Update{}, fmt.Errorf("%w: nothing to insert", ErrInvalidEdit)
	}
	return c.edit(ctx, func(o lseq.Origin) ([]document.Change, error) {
		var changes []document.Change
		err := c.store.View(blockID, func(b *document.Block) error {
			content := b.Content.Clone()
			i := index
			for _, r := range text {
				ev, err := content.Insert(i, string(r), o)
				if err != nil {
					return err
				}
				changes = append(changes, document.ContentChange(blockID, ev))
				i++
			}
			return nil
		})
		return changes, err
	})
}

// DeleteContent removes count characters starting at index.
func (c *Controller) DeleteContent(ctx context.Context, blockID string, index, count int) (document.Update, error) {
	if count <= 0 {
		return document.Update{}, fmt.Errorf("%w: count must be positive", ErrInvalidEdit)
	}
	return c.edit(ctx, func(o lseq.Origin) ([]document.Change, error) {
		var changes []document.Change
		err := c.store.View(blockID, func(b *document.Block) error {
			content := b.Content.Clone()
			if index < 0 || index+count > content.Len() {
				return fmt.Errorf("%w: delete [%d, %d) of %d", lseq.ErrIndexOutOfBounds, index, index+count, content.Len())
			}
			for n := 0; n < count; n++ {
				ev, err := content.Delete(index, o)
				if err != nil {
					return err
				}
				changes = append(changes, document.ContentChange(blockID, ev))
			}
			return nil
		})
		return changes, err
	})
}

// Nest moves a block to the end of its previous sibling's children.
func (c *Controller) Nest(ctx context.Context, blockID string) (document.Update, error) {
	return c.edit(ctx, func(o lseq.Origin) ([]document.Change, error) {
		parent, err := c.store.Parent(blockID)
		if err != nil {
			return nil, err
		}
		del, index, err := c.childDelete(parent.ID, blockID, o)
		if err != nil {
			return nil, err
		}
		if index == 0 {
			return nil, fmt.Errorf("%w: block %s has no previous sibling", ErrInvalidEdit, blockID)
		}

		var prevID string
		err = c.store.View(parent.ID, func(b *document.Block) error {
			prevID = b.ChildIDs()[index-1]
			return nil
		})
		if err != nil {
			return nil, err
		}
		ins, err := c.childInsert(prevID, -1, blockID, o)
		if err != nil {
			return nil, err
		}
		return []document.Change{
			document.ChildrenChange(parent.ID, del),
			document.ChildrenChange(prevID, ins),
		}, nil
	})
}

// Unnest moves a block into its grandparent's children directly after its
// parent: one delete on the parent's children and one insert on the
// grandparent's.
func (c *Controller) Unnest(ctx context.Context, blockID string) (document.Update, error) {
	return c.edit(ctx, func(o lseq.Origin) ([]document.Change, error) {
		parent, err := c.store.Parent(blockID)
		if err != nil {
			return nil, err
		}
		grand, err := c.store.Parent(parent.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: block %s is already top level: %w", ErrInvalidEdit, blockID, err)
		}

		var at int
		err = c.store.View(grand.ID, func(b *document.Block) error {
			i, _, ok := b.Children.Find(parent.ID)
			if !ok {
				return fmt.Errorf("%w: block %s is not a child of %s", document.ErrUnknownBlockReference, parent.ID, grand.ID)
			}
			at = i + 1
			return nil
		})
		if err != nil {
			return nil, err
		}

		del, _, err := c.childDelete(parent.ID, blockID, o)
		if err != nil {
			return nil, err
		}
		ins, err := c.childInsert(grand.ID, at, blockID, o)
		if err != nil {
			return nil, err
		}
		return []document.Change{
			document.ChildrenChange(parent.ID, del),
			document.ChildrenChange(grand.ID, ins),
		}, nil
	})
}

// SetBlockType changes a block's type within its kind.
func (c *Controller) SetBlockType(ctx context.Context, blockID string, bt document.BlockType) (document.Update, error) {
	if err := bt.Validate(); err != nil {
		return document.Update{}, fmt.Errorf("%w: %w", ErrInvalidEdit, err)
	}
	return c.edit(ctx, func(lseq.Origin) ([]document.Change, error) {
		current, err := c.blockType(blockID)
		if err != nil {
			return nil, err
		}
		if current.IsPage() != bt.IsPage() {
			return nil, fmt.Errorf("%w: block %s is %s, cannot become %s", document.ErrContradictoryBlockType, blockID, current, bt)
		}
		return []document.Change{document.TypeChange(blockID, bt, nil)}, nil
	})
}

// SetProps assigns properties on a block.
func (c *Controller) SetProps(ctx context.Context, blockID string, props ...document.Prop) (document.Update, error) {
	if len(props) == 0 {
		return document.Update{}, fmt.Errorf("%w: no properties", ErrInvalidEdit)
	}
	return c.edit(ctx, func(lseq.Origin) ([]document.Change, error) {
		if !c.store.HasBlock(blockID) {
			return nil, fmt.Errorf("%w: block %s", document.ErrUnknownBlockReference, blockID)
		}
		return []document.Change{document.PropsChange(blockID, props...)}, nil
	})
}
