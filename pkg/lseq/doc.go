// Package lseq implements an LSEQ-style sequence CRDT: an ordered collection
// of values addressed by positional identifiers that every replica can mint
// independently.
//
// # Overview
//
// A Tree holds one ordered sequence, either the characters of a block's text
// or the ids of a block's children. Every value lives in a node whose
// Identifier is a path of uint16 segments, one per depth. Identifiers compare
// element-wise and then by length, and that comparison is the document order.
// Identifiers are never reused: deleting a value leaves a tombstone behind so
// that concurrent operations that reference the position stay resolvable.
//
// # Replication
//
// Local edits (Insert, Delete) return the Event they produced. Shipping the
// Event to another replica and calling Apply there reproduces the edit.
// Apply is commutative and idempotent, so replicas that have seen the same set
// of Events show the same sequence regardless of delivery order or duplicates.
//
//	t := lseq.New()
//	ev, err := t.Insert(0, "a", lseq.Origin{UserID: user, Time: time.Now()})
//	if err != nil {
//		return err
//	}
//	// ...send ev to peers, which call peer.Apply(ev, origin)
//
// # Allocation
//
// New identifiers are allocated with the LSEQ technique: the index space of a
// depth doubles with each level, and the bias of the pick (boundary+ toward
// the left neighbour, boundary- toward the right) alternates between levels.
// Identifier length therefore grows logarithmically with the number of
// inserts at one spot instead of linearly.
//
// # Design Principles
//
// - Arena storage: nodes live in one slice and reference children by slot,
//   so there are no pointer cycles.
// - Tombstones are permanent. There is no compaction.
// - Two replicas may draw the same identifier concurrently. Both values stay,
//   ordered by origin user id, op and value, and deletes name the value
//   they remove.
package lseq
