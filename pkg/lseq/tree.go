package lseq

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"time"
)

var (
	// ErrAllocationExhausted means no identifier could be minted within the
	// maximum depth. It signals a corrupted base or boundary and is not retryable.
	ErrAllocationExhausted = errors.New("allocation exhausted")

	// ErrIndexOutOfBounds is returned for a visible index outside the sequence.
	ErrIndexOutOfBounds = errors.New("index out of bounds")

	// ErrInvalidEvent is returned for events that cannot address a node.
	ErrInvalidEvent = errors.New("invalid event")
)

// Origin attributes an operation to a user at a logical time. Op names the
// batch the events belong to (an update id); it tells apart inserts of one
// user made on different replicas.
type Origin struct {
	UserID string
	Op     string
	Time   time.Time
}

// Tag identifies one insert. Replicas that draw the same identifier
// concurrently each keep their value at that identifier, ordered by tag.
type Tag struct {
	UserID string
	Op     string
	Value  string
}

// Compare orders tags by user id, then op, then value.
func (a Tag) Compare(b Tag) int {
	if c := cmp.Compare(a.UserID, b.UserID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Op, b.Op); c != 0 {
		return c
	}
	return cmp.Compare(a.Value, b.Value)
}

func (o Origin) tag(value string) Tag {
	return Tag{UserID: o.UserID, Op: o.Op, Value: value}
}

// NodeState is the lifecycle state of a position.
type NodeState int

const (
	// NodeAbsent means the identifier has never been seen.
	NodeAbsent NodeState = iota

	// NodePlaceholder is a structural node created for a missing ancestor
	// or for a delete that arrived before its insert.
	NodePlaceholder

	// NodeLive holds a visible value.
	NodeLive

	// NodeTombstoned holds only deleted values. Terminal.
	NodeTombstoned
)

// String returns a lowercase name for the state.
func (s NodeState) String() string {
	switch s {
	case NodeAbsent:
		return "absent"
	case NodePlaceholder:
		return "placeholder"
	case NodeLive:
		return "live"
	case NodeTombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("NodeState(%d)", int(s))
	}
}

// entry is one insert at a node. An entry that is deleted but not inserted
// records a delete that arrived first.
type entry struct {
	tag       Tag
	inserted  bool
	deleted   bool
	deletedAt time.Time
}

type node struct {
	id      Identifier
	base    int
	entries []entry // sorted by tag

	// cleared is set by a delete that names no tag; it hides every entry.
	cleared   bool
	clearedAt time.Time

	children []int // arena slots, sorted by last segment
}

func (n *node) visible(e int) bool {
	return n.entries[e].inserted && !n.entries[e].deleted && !n.cleared
}

func (n *node) visibleCount() int {
	count := 0
	for e := range n.entries {
		if n.visible(e) {
			count++
		}
	}
	return count
}

// entry returns the index of the entry for tag, adding it if missing.
func (n *node) entry(tag Tag) int {
	i, found := slices.BinarySearchFunc(n.entries, tag, func(e entry, t Tag) int {
		return e.tag.Compare(t)
	})
	if !found {
		n.entries = slices.Insert(n.entries, i, entry{tag: tag})
	}
	return i
}

func (n *node) state() NodeState {
	inserted := false
	for e := range n.entries {
		if n.visible(e) {
			return NodeLive
		}
		inserted = inserted || n.entries[e].inserted
	}
	if inserted {
		return NodeTombstoned
	}
	return NodePlaceholder
}

// NodeInfo is a read-only view of one value at a node.
type NodeInfo struct {
	ID     Identifier
	Value  string
	Base   int
	Origin string
	Op     string
	State  NodeState
}

// Tree is one ordered sequence. Slot 0 of the arena is the root, whose
// identifier is empty. A Tree is not safe for concurrent use; each replica
// mutates its trees from a single goroutine.
type Tree struct {
	alloc *allocator
	nodes []node
	index map[string]int
	live  int
}

// Option configures a Tree.
type Option func(*Tree)

// WithBoundary sets the maximum jitter window used by allocation.
func WithBoundary(n int) Option {
	return func(t *Tree) {
		if n > 0 {
			t.alloc.boundary = n
		}
	}
}

// WithBaseBits sets log2 of the index space at depth 1.
func WithBaseBits(bits int) Option {
	return func(t *Tree) {
		if bits > 0 && bits <= maxBaseBits {
			t.alloc.baseBits = bits
		}
	}
}

// WithMaxDepth bounds allocation recursion.
func WithMaxDepth(depth int) Option {
	return func(t *Tree) {
		if depth > 0 {
			t.alloc.maxDepth = depth
		}
	}
}

// WithStrategy pins the allocation strategy used at depth.
func WithStrategy(depth int, s Strategy) Option {
	return func(t *Tree) {
		t.alloc.strategies[depth] = s
	}
}

// WithJitter replaces the random source. fn(n) must return a value in [0, n).
func WithJitter(fn func(n int) int) Option {
	return func(t *Tree) {
		if fn != nil {
			t.alloc.jitter = fn
		}
	}
}

// New creates an empty Tree.
func New(opts ...Option) *Tree {
	t := &Tree{
		alloc: newAllocator(),
		index: make(map[string]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.nodes = append(t.nodes, node{id: Identifier{}, base: t.alloc.base(1)})
	t.index[""] = 0
	return t
}

// Len returns the number of visible values.
func (t *Tree) Len() int {
	return t.live
}

// Insert places value so that it becomes the visible element at index and
// returns the Event to replicate. index == Len() appends. Values sharing one
// identifier cannot be split, so an insert aimed between two of them lands
// right after the last one.
func (t *Tree) Insert(index int, value string, o Origin) (Event, error) {
	if index < 0 || index > t.live {
		return Event{}, fmt.Errorf("%w: insert at %d, length %d", ErrIndexOutOfBounds, index, t.live)
	}

	// The new identifier goes between the node holding the visible element
	// at index and whatever node (of any state) immediately precedes it.
	prev := Identifier{}
	var right Identifier
	seen, inside := 0, false
	t.walk(func(slot int) bool {
		n := &t.nodes[slot]
		if inside {
			right = n.id
			return false
		}
		earlier := false
		for e := range n.entries {
			if !n.visible(e) {
				continue
			}
			if seen == index {
				if !earlier {
					right = n.id
					return false
				}
				inside = true
				break
			}
			earlier = true
			seen++
		}
		prev = n.id
		return true
	})

	id, err := t.alloc.allocate(prev, right)
	if err != nil {
		return Event{}, err
	}

	ev := Event{Kind: KindInsert, Position: id, Value: value}
	if err := t.Apply(ev, o); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Delete tombstones the visible element at index and returns the Event. The
// event names the insert it removes.
func (t *Tree) Delete(index int, o Origin) (Event, error) {
	slot, e, err := t.entryAt(index)
	if err != nil {
		return Event{}, err
	}
	n := &t.nodes[slot]
	target := n.entries[e].tag
	ev := Event{Kind: KindDelete, Position: n.id.Clone(), Target: &target}
	if err := t.Apply(ev, o); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Apply integrates an event produced by any replica. Applying the same event
// again is a no-op, and events may arrive in any order.
func (t *Tree) Apply(ev Event, o Origin) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := t.validatePosition(ev.Position); err != nil {
		return err
	}

	n := &t.nodes[t.ensure(ev.Position)]
	before := n.visibleCount()
	if ev.Kind == KindInsert {
		n.entries[n.entry(o.tag(ev.Value))].inserted = true
	} else {
		applyDelete(n, ev.Target, o.Time)
	}
	t.live += n.visibleCount() - before
	return nil
}

// applyDelete keeps the earliest deletion time so the result is order
// independent.
func applyDelete(n *node, target *Tag, at time.Time) {
	if target == nil {
		if !n.cleared || at.Before(n.clearedAt) {
			n.clearedAt = at
		}
		n.cleared = true
		return
	}
	en := &n.entries[n.entry(*target)]
	if !en.deleted || at.Before(en.deletedAt) {
		en.deletedAt = at
	}
	en.deleted = true
}

func (t *Tree) validatePosition(id Identifier) error {
	if len(id) == 0 {
		return fmt.Errorf("%w: empty position addresses the root", ErrInvalidEvent)
	}
	for i, seg := range id {
		if int(seg) >= t.alloc.base(i+1) {
			return fmt.Errorf("%w: segment %d of %s exceeds base %d",
				ErrInvalidEvent, i, id, t.alloc.base(i+1))
		}
	}
	return nil
}

// ensure returns the slot for id, creating it and any missing ancestors as
// placeholders.
func (t *Tree) ensure(id Identifier) int {
	if slot, ok := t.index[id.Key()]; ok {
		return slot
	}

	parent := t.ensure(id.Parent())
	slot := len(t.nodes)
	t.nodes = append(t.nodes, node{id: id.Clone(), base: t.alloc.base(len(id) + 1)})
	t.index[id.Key()] = slot

	last := id[len(id)-1]
	kids := t.nodes[parent].children
	i := sort.Search(len(kids), func(i int) bool {
		kid := t.nodes[kids[i]].id
		return kid[len(kid)-1] >= last
	})
	t.nodes[parent].children = slices.Insert(kids, i, slot)
	return slot
}

// walk visits every non-root node in identifier order until fn returns false.
func (t *Tree) walk(fn func(slot int) bool) {
	stack := make([]int, 0, 16)
	root := t.nodes[0].children
	for i := len(root) - 1; i >= 0; i-- {
		stack = append(stack, root[i])
	}
	for len(stack) > 0 {
		slot := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(slot) {
			return
		}
		kids := t.nodes[slot].children
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
}

// visit calls fn for every visible value in document order until fn returns
// false.
func (t *Tree) visit(fn func(slot, e int) bool) {
	t.walk(func(slot int) bool {
		n := &t.nodes[slot]
		for e := range n.entries {
			if n.visible(e) && !fn(slot, e) {
				return false
			}
		}
		return true
	})
}

func (t *Tree) entryAt(index int) (int, int, error) {
	if index < 0 || index >= t.live {
		return 0, 0, fmt.Errorf("%w: index %d, length %d", ErrIndexOutOfBounds, index, t.live)
	}
	foundSlot, foundEntry, seen := -1, -1, 0
	t.visit(func(slot, e int) bool {
		if seen == index {
			foundSlot, foundEntry = slot, e
			return false
		}
		seen++
		return true
	})
	return foundSlot, foundEntry, nil
}

// Values yields the visible values in document order. Each call starts a new
// traversal. The tree must not be mutated while iterating.
func (t *Tree) Values() iter.Seq[string] {
	return func(yield func(string) bool) {
		t.visit(func(slot, e int) bool {
			return yield(t.nodes[slot].entries[e].tag.Value)
		})
	}
}

// Slice collects Values into a slice.
func (t *Tree) Slice() []string {
	out := make([]string, 0, t.live)
	for v := range t.Values() {
		out = append(out, v)
	}
	return out
}

// Text concatenates the visible values.
func (t *Tree) Text() string {
	var sb strings.Builder
	for v := range t.Values() {
		sb.WriteString(v)
	}
	return sb.String()
}

// NodeAt resolves a visible index to its value.
func (t *Tree) NodeAt(index int) (NodeInfo, error) {
	slot, e, err := t.entryAt(index)
	if err != nil {
		return NodeInfo{}, err
	}
	return t.info(slot, e), nil
}

// Position returns the stable identifier of the visible element at index.
func (t *Tree) Position(index int) (Identifier, error) {
	slot, _, err := t.entryAt(index)
	if err != nil {
		return nil, err
	}
	return t.nodes[slot].id.Clone(), nil
}

// IndexOf returns the visible index of the first visible value at id, or
// false when id holds none.
func (t *Tree) IndexOf(id Identifier) (int, bool) {
	target, ok := t.index[id.Key()]
	if !ok || t.nodes[target].visibleCount() == 0 {
		return 0, false
	}
	index, seen := -1, 0
	t.visit(func(slot, _ int) bool {
		if slot == target {
			index = seen
			return false
		}
		seen++
		return true
	})
	return index, index >= 0
}

// Find returns the visible index and identifier of the first visible value
// equal to value.
func (t *Tree) Find(value string) (int, Identifier, bool) {
	var found Identifier
	index, seen := -1, 0
	t.visit(func(slot, e int) bool {
		n := &t.nodes[slot]
		if n.entries[e].tag.Value == value {
			index, found = seen, n.id
			return false
		}
		seen++
		return true
	})
	if index < 0 {
		return 0, nil, false
	}
	return index, found.Clone(), true
}

// Lookup returns the node stored under id, in any state. When several values
// share id, the first visible one is described, or else the first inserted.
func (t *Tree) Lookup(id Identifier) (NodeInfo, bool) {
	slot, ok := t.index[id.Key()]
	if !ok || slot == 0 {
		return NodeInfo{State: NodeAbsent}, false
	}
	n := &t.nodes[slot]
	pick := -1
	for e := range n.entries {
		if n.visible(e) {
			pick = e
			break
		}
		if pick < 0 && n.entries[e].inserted {
			pick = e
		}
	}
	if pick < 0 {
		return NodeInfo{ID: n.id.Clone(), Base: n.base, State: NodePlaceholder}, true
	}
	info := t.info(slot, pick)
	info.State = n.state()
	return info, true
}

// State returns the lifecycle state of id.
func (t *Tree) State(id Identifier) NodeState {
	info, _ := t.Lookup(id)
	return info.State
}

// Positions returns the identifiers of the visible values in document order.
// Values that share an identifier repeat it.
func (t *Tree) Positions() []Identifier {
	out := make([]Identifier, 0, t.live)
	t.visit(func(slot, _ int) bool {
		out = append(out, t.nodes[slot].id.Clone())
		return true
	})
	return out
}

// MaxDepth returns the length of the longest identifier in the tree.
func (t *Tree) MaxDepth() int {
	depth := 0
	for i := range t.nodes {
		depth = max(depth, len(t.nodes[i].id))
	}
	return depth
}

// NodeCount returns the number of stored nodes, tombstones and placeholders
// included, excluding the root.
func (t *Tree) NodeCount() int {
	return len(t.nodes) - 1
}

// Clone returns an independent copy of the tree sharing its configuration.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		alloc: t.alloc,
		nodes: make([]node, len(t.nodes)),
		index: make(map[string]int, len(t.index)),
		live:  t.live,
	}
	for i, n := range t.nodes {
		n.entries = slices.Clone(n.entries)
		n.children = slices.Clone(n.children)
		c.nodes[i] = n
	}
	for k, v := range t.index {
		c.index[k] = v
	}
	return c
}

func (t *Tree) info(slot, e int) NodeInfo {
	n := &t.nodes[slot]
	en := n.entries[e]
	state := NodeLive
	if !n.visible(e) {
		state = NodeTombstoned
	}
	return NodeInfo{
		ID:     n.id.Clone(),
		Value:  en.tag.Value,
		Base:   n.base,
		Origin: en.tag.UserID,
		Op:     en.tag.Op,
		State:  state,
	}
}
