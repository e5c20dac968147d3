// Package document implements the block store: a set of blocks, each owning a
// content sequence (text) and a children sequence (block ids), rebuilt by
// replaying an append-only log of Updates.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/quire/pkg/lseq"
	"github.com/google/uuid"
)

var (
	// ErrUnknownBlockReference is returned when a block or its parent chain
	// cannot be resolved.
	ErrUnknownBlockReference = errors.New("unknown block reference")

	// ErrContradictoryBlockType is returned when a block id is used with a
	// type of a different kind than the one it already has.
	ErrContradictoryBlockType = errors.New("contradictory block type")

	// ErrInvalidChange is returned for malformed changes and updates.
	ErrInvalidChange = errors.New("invalid change")
)

// BlockType is the rendering type of a block.
type BlockType string

const (
	BlockTypePage         BlockType = "page"
	BlockTypeParagraph    BlockType = "paragraph"
	BlockTypeHeading1     BlockType = "heading1"
	BlockTypeHeading2     BlockType = "heading2"
	BlockTypeHeading3     BlockType = "heading3"
	BlockTypeBulletedList BlockType = "bulletedList"
	BlockTypeNumberedList BlockType = "numberedList"
	BlockTypeTodo         BlockType = "todo"
	BlockTypeQuote        BlockType = "quote"
	BlockTypeCode         BlockType = "code"
)

// Validate checks if the BlockType is a valid enum value.
func (bt BlockType) Validate() error {
	switch bt {
	case BlockTypePage, BlockTypeParagraph, BlockTypeHeading1, BlockTypeHeading2,
		BlockTypeHeading3, BlockTypeBulletedList, BlockTypeNumberedList,
		BlockTypeTodo, BlockTypeQuote, BlockTypeCode:
		return nil
	default:
		return fmt.Errorf("unknown block type: %q", bt)
	}
}

// IsPage reports whether the type is the page kind. A block never changes
// between the page kind and the content kind.
func (bt BlockType) IsPage() bool {
	return bt == BlockTypePage
}

// ParentRef is a back-reference from a block to its parent.
type ParentRef struct {
	ID   string    `json:"id"`
	Type BlockType `json:"type"`
}

// Validate checks the parent id is a UUID and the type is known.
func (p *ParentRef) Validate() error {
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid parent ID: not a valid UUID")
	}
	if err := p.Type.Validate(); err != nil {
		return fmt.Errorf("invalid parent type: %w", err)
	}
	return nil
}

// Prop is a single scalar property assignment. It encodes as [key, value].
type Prop struct {
	Key   string
	Value any
}

// MarshalJSON encodes the prop as a two element array.
func (p Prop) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Key, p.Value})
}

// UnmarshalJSON decodes a [key, value] pair.
func (p *Prop) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("failed to decode prop: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: prop must be a [key, value] pair, got %d elements", ErrInvalidChange, len(pair))
	}
	if err := json.Unmarshal(pair[0], &p.Key); err != nil {
		return fmt.Errorf("failed to decode prop key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &p.Value); err != nil {
		return fmt.Errorf("failed to decode prop value: %w", err)
	}
	return nil
}

// ChangeData holds exactly one kind of change to a block.
type ChangeData struct {
	Content   *lseq.Event `json:"content,omitempty"`
	Children  *lseq.Event `json:"children,omitempty"`
	Props     []Prop      `json:"props,omitempty"`
	BlockType *BlockType  `json:"blockType,omitempty"`
}

// Change targets a single block. Parent, when set, attaches a first-seen block.
type Change struct {
	BlockID string     `json:"blockId"`
	Parent  *ParentRef `json:"parent,omitempty"`
	Data    ChangeData `json:"data"`
}

// ContentChange builds a change carrying a content-tree event.
func ContentChange(blockID string, ev lseq.Event) Change {
	return Change{BlockID: blockID, Data: ChangeData{Content: &ev}}
}

// ChildrenChange builds a change carrying a children-tree event.
func ChildrenChange(blockID string, ev lseq.Event) Change {
	return Change{BlockID: blockID, Data: ChangeData{Children: &ev}}
}

// TypeChange builds a change setting the block type.
func TypeChange(blockID string, bt BlockType, parent *ParentRef) Change {
	return Change{BlockID: blockID, Parent: parent, Data: ChangeData{BlockType: &bt}}
}

// PropsChange builds a change assigning properties.
func PropsChange(blockID string, props ...Prop) Change {
	return Change{BlockID: blockID, Data: ChangeData{Props: props}}
}

// Validate checks the change is well formed and carries exactly one kind of data.
func (c *Change) Validate() error {
	if !isValidUUID(c.BlockID) {
		return fmt.Errorf("%w: block ID %q is not a valid UUID", ErrInvalidChange, c.BlockID)
	}
	if c.Parent != nil {
		if err := c.Parent.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidChange, err)
		}
		if c.Parent.ID == c.BlockID {
			return fmt.Errorf("%w: block %s cannot be its own parent", ErrInvalidChange, c.BlockID)
		}
	}

	set := 0
	if c.Data.Content != nil {
		set++
		if err := c.Data.Content.Validate(); err != nil {
			return fmt.Errorf("%w: content: %w", ErrInvalidChange, err)
		}
	}
	if c.Data.Children != nil {
		set++
		if err := c.Data.Children.Validate(); err != nil {
			return fmt.Errorf("%w: children: %w", ErrInvalidChange, err)
		}
		if c.Data.Children.Kind == lseq.KindInsert && !isValidUUID(c.Data.Children.Value) {
			return fmt.Errorf("%w: child %q is not a valid UUID", ErrInvalidChange, c.Data.Children.Value)
		}
		if c.Data.Children.Value == c.BlockID {
			return fmt.Errorf("%w: block %s cannot contain itself", ErrInvalidChange, c.BlockID)
		}
	}
	if c.Data.Props != nil {
		set++
		for i, p := range c.Data.Props {
			if p.Key == "" {
				return fmt.Errorf("%w: prop %d has an empty key", ErrInvalidChange, i)
			}
		}
	}
	if c.Data.BlockType != nil {
		set++
		if err := c.Data.BlockType.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidChange, err)
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: change must carry exactly one of content, children, props, blockType (got %d)", ErrInvalidChange, set)
	}
	return nil
}

// Update is an immutable, timestamped, user-attributed batch of changes.
type Update struct {
	ID      string    `json:"id"`
	UserID  string    `json:"userId"`
	Time    time.Time `json:"time"`
	Changes []Change  `json:"changes"`
}

// NewUpdate creates an Update with a fresh id. Time is truncated to the
// millisecond so it survives storage round trips unchanged.
func NewUpdate(userID string, at time.Time, changes ...Change) Update {
	return Update{
		ID:      uuid.New().String(),
		UserID:  userID,
		Time:    at.UTC().Truncate(time.Millisecond),
		Changes: changes,
	}
}

// Origin attributes the update's tree events. The update id is the op, so
// inserts from two replicas that drew the same identifier stay distinct.
func (u *Update) Origin() lseq.Origin {
	return lseq.Origin{UserID: u.UserID, Op: u.ID, Time: u.Time}
}

// Validate checks the update envelope. Individual changes are validated when
// applied so that one malformed change does not drop its siblings.
func (u *Update) Validate() error {
	if !isValidUUID(u.ID) {
		return fmt.Errorf("%w: update ID %q is not a valid UUID", ErrInvalidChange, u.ID)
	}
	if u.UserID == "" {
		return fmt.Errorf("%w: update %s has no user ID", ErrInvalidChange, u.ID)
	}
	if u.Time.IsZero() {
		return fmt.Errorf("%w: update %s has no time", ErrInvalidChange, u.ID)
	}
	if len(u.Changes) == 0 {
		return fmt.Errorf("%w: update %s has no changes", ErrInvalidChange, u.ID)
	}
	return nil
}

// ChangeError reports a change that was dropped.
type ChangeError struct {
	UpdateID string
	Index    int
	BlockID  string
	Err      error
}

func (e *ChangeError) Error() string {
	return fmt.Sprintf("update %s change %d (block %s): %v", e.UpdateID, e.Index, e.BlockID, e.Err)
}

func (e *ChangeError) Unwrap() error {
	return e.Err
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
