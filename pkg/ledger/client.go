package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dyluth/quire/pkg/document"
	"github.com/redis/go-redis/v9"
)

// storeUpdateScript appends an update to its page log exactly once.
// KEYS: update hash, page log, page sequence.
// ARGV: id, page_id, user_id, time_ms, changes.
// Returns the assigned sequence, or 0 if the update id was already stored.
var storeUpdateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'page_id', ARGV[2], 'user_id', ARGV[3],
	'time_ms', ARGV[4], 'changes', ARGV[5], 'seq', seq)
redis.call('ZADD', KEYS[2], seq, ARGV[1])
return seq
`)

// createBlockScript writes a block record unless one exists.
// KEYS: block hash, optional children index.
// ARGV: score, id, then hash field/value pairs.
var createBlockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
if #KEYS == 2 then
	redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
end
return 1
`)

// moveBlockScript re-parents an indexed block when the stamp is newer.
// KEYS: block hash, new children index.
// ARGV: children key prefix, block id, parent id, stamp.
var moveBlockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local current = redis.call('HGET', KEYS[1], 'parent_stamp')
if current and current >= ARGV[4] then
	return 0
end
local old = redis.call('HGET', KEYS[1], 'parent_id')
if old and old ~= '' then
	redis.call('ZREM', ARGV[1] .. old, ARGV[2])
end
local score = redis.call('HGET', KEYS[1], 'created_at_ms')
redis.call('HSET', KEYS[1], 'parent_id', ARGV[3], 'parent_stamp', ARGV[4])
redis.call('ZADD', KEYS[2], score, ARGV[2])
return 1
`)

// Client provides workspace-scoped Redis operations for the ledger.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb       *redis.Client
	workspace string
}

var _ Ledger = (*Client)(nil)

// NewClient creates a ledger client for the workspace. All keys and channels
// are namespaced with the workspace name.
func NewClient(redisOpts *redis.Options, workspace string) (*Client, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace name cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		workspace: workspace,
	}, nil
}

// NewClientFromURL parses a redis:// URL and creates a client.
func NewClientFromURL(redisURL, workspace string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewClient(opts, workspace)
}

// Workspace returns the namespace of the client.
func (c *Client) Workspace() string {
	return c.workspace
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// CreateBlock indexes a block. Creating a block that is already indexed with
// the same page and type is a no-op, whatever its current parent; reusing an
// id for a different page or type is ErrRemoteRejected.
func (c *Client) CreateBlock(ctx context.Context, b *BlockRecord) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}

	hash := BlockToHash(b)
	args := []interface{}{b.CreatedAtMs, b.ID}
	for _, field := range []string{"id", "page_id", "parent_id", "type", "created_by", "created_at_ms", "parent_stamp"} {
		args = append(args, field, hash[field])
	}
	keys := []string{BlockKey(c.workspace, b.ID)}
	if b.ParentID != "" {
		keys = append(keys, ChildrenKey(c.workspace, b.ParentID))
	}

	created, err := createBlockScript.Run(ctx, c.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to write block to Redis: %w", err)
	}
	if created == 1 {
		return nil
	}

	existing, err := c.GetBlock(ctx, b.ID)
	if err != nil {
		return err
	}
	if existing.PageID != b.PageID || existing.Type != b.Type {
		return fmt.Errorf("%w: block %s already exists as %s under page %s",
			ErrRemoteRejected, b.ID, existing.Type, existing.PageID)
	}
	return nil
}

// MoveBlock re-parents an indexed block and moves it between children
// indexes, unless a newer move already applied.
func (c *Client) MoveBlock(ctx context.Context, m BlockMove) error {
	if !isValidUUID(m.BlockID) || !isValidUUID(m.ParentID) {
		return fmt.Errorf("invalid move of %q under %q", m.BlockID, m.ParentID)
	}
	keys := []string{BlockKey(c.workspace, m.BlockID), ChildrenKey(c.workspace, m.ParentID)}
	err := moveBlockScript.Run(ctx, c.rdb, keys,
		ChildrenKey(c.workspace, ""), m.BlockID, m.ParentID, m.Stamp).Err()
	if err != nil {
		return fmt.Errorf("failed to move block in Redis: %w", err)
	}
	return nil
}

// GetBlock retrieves a block record by ID.
// Returns (nil, redis.Nil) if the block doesn't exist. Use IsNotFound() to check.
func (c *Client) GetBlock(ctx context.Context, blockID string) (*BlockRecord, error) {
	hashData, err := c.rdb.HGetAll(ctx, BlockKey(c.workspace, blockID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read block from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	b, err := HashToBlock(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize block: %w", err)
	}
	return b, nil
}

// ScanBlocks returns the ids of indexed blocks whose id starts with prefix.
// The prefix must only contain hex digits and hyphens.
func (c *Client) ScanBlocks(ctx context.Context, prefix string) ([]string, error) {
	for _, r := range prefix {
		if !strings.ContainsRune("0123456789abcdefABCDEF-", r) {
			return nil, fmt.Errorf("invalid block ID prefix %q", prefix)
		}
	}

	keyPrefix := BlockKey(c.workspace, "")
	var ids []string
	iter := c.rdb.Scan(ctx, 0, keyPrefix+strings.ToLower(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan blocks: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveEvents appends an update to the page log and publishes it to the page
// channel. Saving an update id that is already stored with the same payload
// is a no-op and publishes nothing; a different payload is ErrRemoteRejected.
func (c *Client) SaveEvents(ctx context.Context, pageID string, u document.Update) error {
	if !isValidUUID(pageID) {
		return fmt.Errorf("invalid page ID: not a valid UUID")
	}
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}

	hash, err := UpdateToHash(pageID, &u)
	if err != nil {
		return fmt.Errorf("failed to serialize update: %w", err)
	}

	keys := []string{
		UpdateKey(c.workspace, u.ID),
		PageLogKey(c.workspace, pageID),
		PageSeqKey(c.workspace, pageID),
	}
	seq, err := storeUpdateScript.Run(ctx, c.rdb, keys,
		hash["id"], hash["page_id"], hash["user_id"], hash["time_ms"], hash["changes"]).Int64()
	if err != nil {
		return fmt.Errorf("failed to write update to Redis: %w", err)
	}

	if seq == 0 {
		existing, err := c.rdb.HGetAll(ctx, keys[0]).Result()
		if err != nil {
			return fmt.Errorf("failed to read update from Redis: %w", err)
		}
		if existing["page_id"] != pageID || !samePayload(existing, &u) {
			return fmt.Errorf("%w: update %s already stored with a different payload", ErrRemoteRejected, u.ID)
		}
		return nil
	}

	updateJSON, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update for event: %w", err)
	}
	if err := c.rdb.Publish(ctx, PageEventsChannel(c.workspace, pageID), updateJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish update event: %w", err)
	}
	return nil
}

// Updates returns the page log in arrival order. An unknown page has an
// empty log.
func (c *Client) Updates(ctx context.Context, pageID string) ([]document.Update, error) {
	ids, err := c.rdb.ZRange(ctx, PageLogKey(c.workspace, pageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read page log: %w", err)
	}
	if len(ids) == 0 {
		return []document.Update{}, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, UpdateKey(c.workspace, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read updates: %w", err)
	}

	updates := make([]document.Update, 0, len(ids))
	for i, cmd := range cmds {
		u, err := HashToUpdate(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize update %s: %w", ids[i], err)
		}
		updates = append(updates, *u)
	}
	return updates, nil
}

// QueryBlocksByParent lists the blocks currently under parentID, oldest first.
// The cursor is the offset into the children index.
func (c *Client) QueryBlocksByParent(ctx context.Context, parentID string, req PageRequest) (*BlockPage, error) {
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid cursor %q", req.Cursor)
		}
		offset = n
	}
	limit := req.EffectiveLimit()

	// One extra member tells whether another window follows.
	ids, err := c.rdb.ZRange(ctx, ChildrenKey(c.workspace, parentID), int64(offset), int64(offset+limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read children index: %w", err)
	}

	page := &BlockPage{Blocks: []*BlockRecord{}}
	if len(ids) > limit {
		ids = ids[:limit]
		page.NextCursor = strconv.Itoa(offset + limit)
	}
	for _, id := range ids {
		b, err := c.GetBlock(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read block %s: %w", id, err)
		}
		page.Blocks = append(page.Blocks, b)
	}
	return page, nil
}

// Subscription represents an active Pub/Sub subscription to a page's updates.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *document.Update
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of updates.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *document.Update {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribePage subscribes to the updates saved for a page. The subscription
// is confirmed by Redis before SubscribePage returns, so any update saved
// afterwards is delivered.
//
// Redis Pub/Sub is at-most-once; a subscriber that falls behind or reconnects
// must catch up with Updates.
func (c *Client) SubscribePage(ctx context.Context, pageID string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, PageEventsChannel(c.workspace, pageID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to page %s: %w", pageID, err)
	}

	eventsChan := make(chan *document.Update, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var u document.Update
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal update event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &u:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil) or ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil) || errors.Is(err, ErrNotFound)
}
