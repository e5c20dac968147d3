package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/quire/pkg/document"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Scalar fields get their own hash field; the change list of an Update is
// JSON-encoded into a single field in the same wire form replicas exchange.

// BlockToHash converts a BlockRecord to a Redis hash.
func BlockToHash(b *BlockRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":            b.ID,
		"page_id":       b.PageID,
		"parent_id":     b.ParentID,
		"type":          string(b.Type),
		"created_by":    b.CreatedBy,
		"created_at_ms": b.CreatedAtMs,
		"parent_stamp":  b.ParentStamp,
	}
}

// HashToBlock converts a Redis hash to a BlockRecord.
func HashToBlock(hash map[string]string) (*BlockRecord, error) {
	createdAtMs, err := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at_ms field: %w", err)
	}

	return &BlockRecord{
		ID:          hash["id"],
		PageID:      hash["page_id"],
		ParentID:    hash["parent_id"],
		Type:        document.BlockType(hash["type"]),
		CreatedBy:   hash["created_by"],
		CreatedAtMs: createdAtMs,
		ParentStamp: hash["parent_stamp"],
	}, nil
}

// UpdateToHash converts an Update to a Redis hash. The seq field is assigned
// by the store script when the update is appended to its page log.
func UpdateToHash(pageID string, u *document.Update) (map[string]interface{}, error) {
	changesJSON, err := json.Marshal(u.Changes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal changes: %w", err)
	}

	return map[string]interface{}{
		"id":      u.ID,
		"page_id": pageID,
		"user_id": u.UserID,
		"time_ms": u.Time.UnixMilli(),
		"changes": string(changesJSON),
	}, nil
}

// HashToUpdate converts a Redis hash to an Update.
func HashToUpdate(hash map[string]string) (*document.Update, error) {
	timeMs, err := strconv.ParseInt(hash["time_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid time_ms field: %w", err)
	}

	var changes []document.Change
	if err := json.Unmarshal([]byte(hash["changes"]), &changes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
	}

	return &document.Update{
		ID:      hash["id"],
		UserID:  hash["user_id"],
		Time:    time.UnixMilli(timeMs).UTC(),
		Changes: changes,
	}, nil
}

// samePayload reports whether a stored update hash holds the same update.
func samePayload(hash map[string]string, u *document.Update) bool {
	stored, err := HashToUpdate(hash)
	if err != nil {
		return false
	}
	a, err := json.Marshal(stored)
	if err != nil {
		return false
	}
	normalized := *u
	normalized.Time = time.UnixMilli(u.Time.UnixMilli()).UTC()
	b, err := json.Marshal(&normalized)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
