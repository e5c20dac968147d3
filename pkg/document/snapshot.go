package document

import (
	"fmt"
	"maps"
)

// BlockJSON is the nested, serialisable view of a block and its descendants.
type BlockJSON struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Children  []*BlockJSON   `json:"children"`
	BlockType BlockType      `json:"blockType"`
	Props     map[string]any `json:"props"`
}

// Snapshot renders the block rootID and every block reachable through the
// children trees. A block reachable along more than one path (concurrent
// moves) is rendered at its first occurrence in pre-order only.
func (s *Store) Snapshot(rootID string) (*BlockJSON, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.blocks[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", ErrUnknownBlockReference, rootID)
	}
	seen := map[string]bool{rootID: true}
	return s.render(root, seen), nil
}

func (s *Store) render(b *Block, seen map[string]bool) *BlockJSON {
	out := &BlockJSON{
		ID:        b.ID,
		Content:   b.Content.Text(),
		Children:  []*BlockJSON{},
		BlockType: b.Type,
		Props:     maps.Clone(b.Props),
	}
	for childID := range b.Children.Values() {
		if seen[childID] {
			continue
		}
		child, ok := s.blocks[childID]
		if !ok {
			continue
		}
		seen[childID] = true
		out.Children = append(out.Children, s.render(child, seen))
	}
	return out
}

// Walk visits the block rootID and its descendants in document order with
// their nesting depth. Blocks reachable twice are visited once.
func (s *Store) Walk(rootID string, fn func(b *BlockJSON, depth int)) error {
	snap, err := s.Snapshot(rootID)
	if err != nil {
		return err
	}
	var visit func(b *BlockJSON, depth int)
	visit = func(b *BlockJSON, depth int) {
		fn(b, depth)
		for _, c := range b.Children {
			visit(c, depth+1)
		}
	}
	visit(snap, 0)
	return nil
}
