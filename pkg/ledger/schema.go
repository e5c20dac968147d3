package ledger

import "fmt"

// Redis key pattern helpers
//
// Key pattern: quire:{workspace}:{entity}:{id}
// Channel pattern: quire:{workspace}:page:{page_id}:events

// BlockKey returns the Redis key for a block record.
// Pattern: quire:{workspace}:block:{block_id}
func BlockKey(workspace, blockID string) string {
	return fmt.Sprintf("quire:%s:block:%s", workspace, blockID)
}

// ChildrenKey returns the Redis key for the ZSET of blocks currently under a
// parent, scored by creation time.
// Pattern: quire:{workspace}:children:{parent_id}
func ChildrenKey(workspace, parentID string) string {
	return fmt.Sprintf("quire:%s:children:%s", workspace, parentID)
}

// UpdateKey returns the Redis key for a stored update.
// Pattern: quire:{workspace}:update:{update_id}
func UpdateKey(workspace, updateID string) string {
	return fmt.Sprintf("quire:%s:update:%s", workspace, updateID)
}

// PageLogKey returns the Redis key for a page's update log ZSET, scored by
// arrival sequence.
// Pattern: quire:{workspace}:page:{page_id}:log
func PageLogKey(workspace, pageID string) string {
	return fmt.Sprintf("quire:%s:page:%s:log", workspace, pageID)
}

// PageSeqKey returns the Redis key for a page's arrival counter.
// Pattern: quire:{workspace}:page:{page_id}:seq
func PageSeqKey(workspace, pageID string) string {
	return fmt.Sprintf("quire:%s:page:%s:seq", workspace, pageID)
}

// PageEventsChannel returns the Pub/Sub channel carrying a page's updates.
// Pattern: quire:{workspace}:page:{page_id}:events
func PageEventsChannel(workspace, pageID string) string {
	return fmt.Sprintf("quire:%s:page:%s:events", workspace, pageID)
}
