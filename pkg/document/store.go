package document

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/quire/pkg/lseq"
)

// stamp orders last-writer-wins assignments by (time, user id, update id).
// The update id separates one user's edits made on two replicas in the same
// millisecond.
type stamp struct {
	time   time.Time
	user   string
	update string
}

func (s stamp) newer(o stamp) bool {
	if !s.time.Equal(o.time) {
		return s.time.After(o.time)
	}
	if s.user != o.user {
		return s.user > o.user
	}
	return s.update > o.update
}

func stampOf(u *Update) stamp {
	return stamp{time: u.Time, user: u.UserID, update: u.ID}
}

// Block is one node of the document hierarchy. Content holds the block's
// text one character per element. Children holds child block ids.
type Block struct {
	ID       string
	Type     BlockType
	Content  *lseq.Tree
	Children *lseq.Tree
	Props    map[string]any
	ParentID string // empty for root pages and detached blocks

	typeKnown   bool
	typeStamp   stamp
	propStamps  map[string]stamp
	parentStamp stamp
}

// Text returns the visible content of the block.
func (b *Block) Text() string {
	return b.Content.Text()
}

// ChildIDs returns the visible child block ids in order.
func (b *Block) ChildIDs() []string {
	return b.Children.Slice()
}

// ChangeEvent is delivered to observers after each applied update.
type ChangeEvent struct {
	Update Update
	Blocks []string // ids touched by the update, sorted
	Err    error    // joined errors of the changes that were dropped
}

// Store holds every block of a workspace and the log of applied updates.
// It is safe for concurrent use. Observers run synchronously after the
// store lock is released.
type Store struct {
	mu        sync.RWMutex
	treeOpts  []lseq.Option
	blocks    map[string]*Block
	applied   map[string]struct{}
	log       []Update
	observers map[int]func(ChangeEvent)
	nextObs   int
}

// NewStore creates an empty store. The options configure every content and
// children tree the store creates.
func NewStore(opts ...lseq.Option) *Store {
	return &Store{
		treeOpts:  opts,
		blocks:    make(map[string]*Block),
		applied:   make(map[string]struct{}),
		observers: make(map[int]func(ChangeEvent)),
	}
}

// ApplyUpdates integrates updates in order. Updates already applied (by id)
// are skipped. A malformed or contradictory change is dropped and reported
// without affecting the other changes of its update. The returned error
// joins every *ChangeError encountered.
func (s *Store) ApplyUpdates(updates ...Update) error {
	var errs []error
	var events []ChangeEvent

	s.mu.Lock()
	for _, u := range updates {
		ev, ok := s.applyUpdate(u)
		if !ok {
			continue
		}
		if ev.Err != nil {
			errs = append(errs, ev.Err)
		}
		events = append(events, ev)
	}
	observers := s.snapshotObservers()
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
	return errors.Join(errs...)
}

// applyUpdate must be called with s.mu held.
func (s *Store) applyUpdate(u Update) (ChangeEvent, bool) {
	if err := u.Validate(); err != nil {
		return ChangeEvent{Update: u, Err: &ChangeError{UpdateID: u.ID, Index: -1, Err: err}}, true
	}
	if _, done := s.applied[u.ID]; done {
		return ChangeEvent{}, false
	}
	s.applied[u.ID] = struct{}{}
	s.log = append(s.log, u)

	touched := make(map[string]struct{})
	var errs []error
	for i := range u.Changes {
		c := &u.Changes[i]
		if err := s.applyChange(&u, c, touched); err != nil {
			errs = append(errs, &ChangeError{UpdateID: u.ID, Index: i, BlockID: c.BlockID, Err: err})
		}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ChangeEvent{Update: u, Blocks: ids, Err: errors.Join(errs...)}, true
}

func (s *Store) applyChange(u *Update, c *Change, touched map[string]struct{}) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.checkKinds(c); err != nil {
		return err
	}

	b := s.ensureBlock(c.BlockID)
	touched[b.ID] = struct{}{}
	if c.Parent != nil {
		s.setParent(b, c.Parent.ID, stampOf(u))
	}

	o := u.Origin()
	switch {
	case c.Data.Content != nil:
		return b.Content.Apply(*c.Data.Content, o)

	case c.Data.Children != nil:
		ev := *c.Data.Children
		if err := b.Children.Apply(ev, o); err != nil {
			return err
		}
		if ev.Kind == lseq.KindInsert {
			child := s.ensureBlock(ev.Value)
			s.setParent(child, b.ID, stampOf(u))
			touched[child.ID] = struct{}{}
		}
		return nil

	case c.Data.Props != nil:
		st := stampOf(u)
		for _, p := range c.Data.Props {
			if prev, ok := b.propStamps[p.Key]; ok && !st.newer(prev) {
				continue
			}
			b.propStamps[p.Key] = st
			if p.Value == nil {
				delete(b.Props, p.Key)
			} else {
				b.Props[p.Key] = p.Value
			}
		}
		return nil

	case c.Data.BlockType != nil:
		st := stampOf(u)
		if b.typeKnown && !st.newer(b.typeStamp) {
			return nil
		}
		b.Type = *c.Data.BlockType
		b.typeKnown = true
		b.typeStamp = st
		return nil
	}
	return nil
}

// checkKinds rejects a change that would move a block between the page kind
// and the content kind, or that names a parent with the wrong kind.
func (s *Store) checkKinds(c *Change) error {
	if b, ok := s.blocks[c.BlockID]; ok && b.typeKnown && c.Data.BlockType != nil {
		if b.Type.IsPage() != c.Data.BlockType.IsPage() {
			return fmt.Errorf("%w: block %s is %s, cannot become %s",
				ErrContradictoryBlockType, c.BlockID, b.Type, *c.Data.BlockType)
		}
	}
	if c.Parent != nil {
		if p, ok := s.blocks[c.Parent.ID]; ok && p.typeKnown && p.Type.IsPage() != c.Parent.Type.IsPage() {
			return fmt.Errorf("%w: parent %s is %s, referenced as %s",
				ErrContradictoryBlockType, c.Parent.ID, p.Type, c.Parent.Type)
		}
	}
	return nil
}

// ensureBlock returns the block with id, creating an untyped paragraph when
// it has not been seen. Changes may arrive before the change that attaches
// their block; such blocks stay detached until a children insert names them.
func (s *Store) ensureBlock(id string) *Block {
	if b, ok := s.blocks[id]; ok {
		return b
	}
	b := &Block{
		ID:         id,
		Type:       BlockTypeParagraph,
		Content:    lseq.New(s.treeOpts...),
		Children:   lseq.New(s.treeOpts...),
		Props:      make(map[string]any),
		propStamps: make(map[string]stamp),
	}
	s.blocks[id] = b
	return b
}

func (s *Store) setParent(b *Block, parentID string, st stamp) {
	if b.ParentID != "" && !st.newer(b.parentStamp) {
		return
	}
	b.ParentID = parentID
	b.parentStamp = st
}

// Parent returns the back-reference of the block with id. The last attach
// by (time, user id) wins when concurrent moves placed it twice.
func (s *Store) Parent(id string) (ParentRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[id]
	if !ok {
		return ParentRef{}, fmt.Errorf("%w: block %s", ErrUnknownBlockReference, id)
	}
	if b.ParentID == "" {
		return ParentRef{}, fmt.Errorf("%w: block %s has no parent", ErrUnknownBlockReference, id)
	}
	p, ok := s.blocks[b.ParentID]
	if !ok {
		return ParentRef{}, fmt.Errorf("%w: parent %s of block %s", ErrUnknownBlockReference, b.ParentID, id)
	}
	return ParentRef{ID: p.ID, Type: p.Type}, nil
}

// Block returns the block with id.
func (s *Store) Block(id string) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", ErrUnknownBlockReference, id)
	}
	return b, nil
}

// View runs fn with read access to the block with id. fn must not retain
// the block or mutate its trees; clone them to compute local edits.
func (s *Store) View(id string, fn func(b *Block) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("%w: block %s", ErrUnknownBlockReference, id)
	}
	return fn(b)
}

// HasBlock reports whether a block with id exists.
func (s *Store) HasBlock(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[id]
	return ok
}

// Len returns the number of known blocks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Pages returns the ids of page blocks without a parent, sorted.
func (s *Store) Pages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, b := range s.blocks {
		if b.Type.IsPage() && b.ParentID == "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HasApplied reports whether the update with id is in the log.
func (s *Store) HasApplied(updateID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.applied[updateID]
	return ok
}

// Log returns a copy of the applied updates in application order.
func (s *Store) Log() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.log)
}

// OnChange registers fn to be called after every applied update. The
// returned function unregisters it.
func (s *Store) OnChange(fn func(ChangeEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// snapshotObservers must be called with s.mu held.
func (s *Store) snapshotObservers() []func(ChangeEvent) {
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ChangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	return fns
}

// Rebuild creates a new store by replaying log from scratch.
func Rebuild(log []Update, opts ...lseq.Option) (*Store, error) {
	s := NewStore(opts...)
	err := s.ApplyUpdates(log...)
	return s, err
}
