package lseq

import (
	"fmt"
	"math/rand/v2"
)

// Strategy decides which end of an available gap a new identifier is taken from.
type Strategy int

const (
	// BoundaryPlus allocates close to the left neighbour.
	BoundaryPlus Strategy = iota

	// BoundaryMinus allocates close to the right neighbour.
	BoundaryMinus
)

const (
	// DefaultBoundary is the maximum distance from the biased edge of a gap.
	DefaultBoundary = 10

	// DefaultBaseBits gives depth 1 an index space of 2^5 = 32.
	DefaultBaseBits = 5

	// DefaultMaxDepth bounds the allocation recursion.
	DefaultMaxDepth = 64

	maxBaseBits = 16
)

// String returns the canonical name of the strategy.
func (s Strategy) String() string {
	switch s {
	case BoundaryPlus:
		return "boundary+"
	case BoundaryMinus:
		return "boundary-"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy accepts "boundary+"/"plus" and "boundary-"/"minus".
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "boundary+", "plus":
		return BoundaryPlus, nil
	case "boundary-", "minus":
		return BoundaryMinus, nil
	default:
		return 0, fmt.Errorf("unknown allocation strategy: %q", s)
	}
}

// allocator mints identifiers between two neighbours.
type allocator struct {
	boundary   int
	baseBits   int
	maxDepth   int
	strategies map[int]Strategy
	jitter     func(n int) int // uniform in [0, n)
}

func newAllocator() *allocator {
	return &allocator{
		boundary:   DefaultBoundary,
		baseBits:   DefaultBaseBits,
		maxDepth:   DefaultMaxDepth,
		strategies: map[int]Strategy{},
		jitter:     rand.IntN,
	}
}

// base is the size of the index space at depth (depth >= 1).
func (a *allocator) base(depth int) int {
	bits := a.baseBits + depth - 1
	if bits > maxBaseBits {
		bits = maxBaseBits
	}
	return 1 << bits
}

// strategy returns the configured strategy for depth, alternating
// boundary+ (odd depths) and boundary- (even depths) by default.
func (a *allocator) strategy(depth int) Strategy {
	if s, ok := a.strategies[depth]; ok {
		return s
	}
	if depth%2 == 1 {
		return BoundaryPlus
	}
	return BoundaryMinus
}

// allocate returns an identifier strictly between p and q. A nil q stands for
// the end of the sequence. p and q must be adjacent in the full order
// (tombstones and placeholders included) so that the result is fresh.
func (a *allocator) allocate(p, q Identifier) (Identifier, error) {
	for depth := 1; depth <= a.maxDepth; depth++ {
		lo := a.lowDigits(p, depth)
		hi := a.highDigits(q, depth)
		gap := a.gap(lo, hi, a.boundary)
		if gap < 1 {
			continue
		}
		if id, ok := a.pick(lo, hi, min(gap, a.boundary), a.strategy(depth)); ok {
			return id, nil
		}
	}
	return nil, fmt.Errorf("%w: no room between %s and %s within %d levels",
		ErrAllocationExhausted, p, describeUpper(q), a.maxDepth)
}

// lowDigits pads p with zeros to depth segments.
func (a *allocator) lowDigits(p Identifier, depth int) []int {
	digits := make([]int, depth)
	for i := 0; i < depth && i < len(p); i++ {
		digits[i] = int(p[i])
	}
	return digits
}

// highDigits pads q with zeros to depth segments. The end of the sequence is
// one past the last index of depth 1.
func (a *allocator) highDigits(q Identifier, depth int) []int {
	digits := make([]int, depth)
	if q == nil {
		digits[0] = a.base(1)
		return digits
	}
	for i := 0; i < depth && i < len(q); i++ {
		digits[i] = int(q[i])
	}
	return digits
}

// gap returns the number of free values strictly between lo and hi read as
// mixed-radix numbers, saturated at limit.
func (a *allocator) gap(lo, hi []int, limit int) int {
	diff := 0
	for i := range lo {
		diff = diff*a.base(i+1) + (hi[i] - lo[i])
		// Once diff exceeds limit+1 every further level only grows it.
		if diff > limit+1 {
			return limit
		}
	}
	return diff - 1
}

// pick chooses an offset within step of the biased edge. A result whose last
// segment is 0 is refused: nothing could ever be inserted between it and its
// parent.
func (a *allocator) pick(lo, hi []int, step int, s Strategy) (Identifier, bool) {
	k := 1 + a.jitter(step)
	for _, off := range []int{k, k + 1, k - 1} {
		if off < 1 || off > step {
			continue
		}
		var digits []int
		if s == BoundaryPlus {
			digits = a.add(lo, off)
		} else {
			digits = a.sub(hi, off)
		}
		if digits[len(digits)-1] == 0 {
			continue
		}
		id := make(Identifier, len(digits))
		for i, d := range digits {
			id[i] = uint16(d)
		}
		return id, true
	}
	return nil, false
}

func (a *allocator) add(digits []int, k int) []int {
	out := append([]int(nil), digits...)
	carry := k
	for i := len(out) - 1; i >= 0 && carry > 0; i-- {
		b := a.base(i + 1)
		v := out[i] + carry
		out[i] = v % b
		carry = v / b
	}
	return out
}

func (a *allocator) sub(digits []int, k int) []int {
	out := append([]int(nil), digits...)
	borrow := k
	for i := len(out) - 1; i >= 0 && borrow > 0; i-- {
		b := a.base(i + 1)
		v := out[i] - borrow
		borrow = 0
		for v < 0 {
			v += b
			borrow++
		}
		out[i] = v
	}
	return out
}

func describeUpper(q Identifier) string {
	if q == nil {
		return "end"
	}
	return q.String()
}
