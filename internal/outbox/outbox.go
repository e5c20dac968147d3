// Package outbox keeps the updates a replica generated but the backing
// service has not acknowledged yet, so they can be re-sent after a reconnect
// or a restart.
package outbox

import (
	"sort"
	"sync"

	"github.com/dyluth/quire/pkg/document"
)

// Entry is one outstanding update, numbered in generation order.
type Entry struct {
	Seq    uint64
	PageID string
	Update document.Update
}

// Outbox is an ordered set of outstanding updates keyed by update id.
type Outbox interface {
	// Add records an update. Adding an id that is already present is a no-op.
	Add(pageID string, u document.Update) error
	// Remove drops the update with id and reports whether it was present.
	Remove(updateID string) (bool, error)
	// Pending returns the outstanding entries in generation order.
	Pending() ([]Entry, error)
	Close() error
}

// Memory is an Outbox that does not survive restarts.
type Memory struct {
	mu      sync.Mutex
	next    uint64
	entries map[string]Entry
}

var _ Outbox = (*Memory)(nil)

// NewMemory returns an empty in-memory outbox.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Add(pageID string, u document.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[u.ID]; ok {
		return nil
	}
	m.next++
	m.entries[u.ID] = Entry{Seq: m.next, PageID: pageID, Update: u}
	return nil
}

func (m *Memory) Remove(updateID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[updateID]
	delete(m.entries, updateID)
	return ok, nil
}

func (m *Memory) Pending() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
