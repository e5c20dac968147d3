// Package filter selects block index records for listings.
package filter

import (
	"path/filepath"

	"github.com/dyluth/quire/pkg/ledger"
)

// Criteria defines filtering criteria for block records. All filters are
// ANDed together. Zero values match everything.
type Criteria struct {
	SinceTimestampMs int64  // created at or after
	UntilTimestampMs int64  // created at or before
	TypeGlob         string // glob over the block type, e.g. "heading*"
	CreatedBy        string // exact user id
}

// Matches reports whether b satisfies every criterion.
func (c *Criteria) Matches(b *ledger.BlockRecord) bool {
	if c.SinceTimestampMs > 0 && b.CreatedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && b.CreatedAtMs > c.UntilTimestampMs {
		return false
	}
	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, string(b.Type))
		if err != nil || !matched {
			return false
		}
	}
	if c.CreatedBy != "" && b.CreatedBy != c.CreatedBy {
		return false
	}
	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.TypeGlob != "" ||
		c.CreatedBy != ""
}

// Apply returns the records of page that match, keeping the cursor so the
// caller can continue with the next window.
func (c *Criteria) Apply(page *ledger.BlockPage) *ledger.BlockPage {
	if !c.HasFilters() {
		return page
	}
	out := &ledger.BlockPage{Blocks: []*ledger.BlockRecord{}, NextCursor: page.NextCursor}
	for _, b := range page.Blocks {
		if c.Matches(b) {
			out.Blocks = append(out.Blocks, b)
		}
	}
	return out
}
