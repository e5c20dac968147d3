package pgledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger stores a workspace's page logs and block index in PostgreSQL.
type Ledger struct {
	pool      *pgxpool.Pool
	workspace string
}

var _ ledger.Ledger = (*Ledger)(nil)

// New returns a Ledger scoped to workspace. The schema must already be
// migrated with ApplyMigrations.
func New(pool *pgxpool.Pool, workspace string) (*Ledger, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace name cannot be empty")
	}
	return &Ledger{pool: pool, workspace: workspace}, nil
}

// Ping checks the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// CreateBlock indexes a block. Creating a block that is already indexed with
// the same page and type is a no-op; reusing an id for a different page or
// type is ErrRemoteRejected.
func (l *Ledger) CreateBlock(ctx context.Context, b *ledger.BlockRecord) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}

	var parent any
	if b.ParentID != "" {
		parent = b.ParentID
	}
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO blocks (workspace, id, page_id, parent_id, type, created_by, created_at_ms, parent_stamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace, id) DO NOTHING
	`, l.workspace, b.ID, b.PageID, parent, string(b.Type), b.CreatedBy, b.CreatedAtMs, b.ParentStamp)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := l.GetBlock(ctx, b.ID)
	if err != nil {
		return err
	}
	if existing.PageID != b.PageID || existing.Type != b.Type {
		return fmt.Errorf("%w: block %s already exists as %s under page %s",
			ledger.ErrRemoteRejected, b.ID, existing.Type, existing.PageID)
	}
	return nil
}

// MoveBlock re-parents an indexed block unless a newer move already applied.
// Stamps compare bytewise, hence the C collation.
func (l *Ledger) MoveBlock(ctx context.Context, m ledger.BlockMove) error {
	if _, err := uuid.Parse(m.BlockID); err != nil {
		return fmt.Errorf("invalid move of %q under %q", m.BlockID, m.ParentID)
	}
	if _, err := uuid.Parse(m.ParentID); err != nil {
		return fmt.Errorf("invalid move of %q under %q", m.BlockID, m.ParentID)
	}
	_, err := l.pool.Exec(ctx, `
		UPDATE blocks SET parent_id=$3, parent_stamp=$4
		WHERE workspace=$1 AND id=$2 AND parent_stamp COLLATE "C" < $4 COLLATE "C"
	`, l.workspace, m.BlockID, m.ParentID, m.Stamp)
	if err != nil {
		return fmt.Errorf("move block: %w", err)
	}
	return nil
}

const selectBlock = `
	SELECT id::text, page_id::text, COALESCE(parent_id::text, ''), type, created_by, created_at_ms, parent_stamp
	FROM blocks`

func scanBlock(row pgx.Row) (*ledger.BlockRecord, error) {
	var b ledger.BlockRecord
	var blockType string
	if err := row.Scan(&b.ID, &b.PageID, &b.ParentID, &blockType, &b.CreatedBy, &b.CreatedAtMs, &b.ParentStamp); err != nil {
		return nil, err
	}
	b.Type = document.BlockType(blockType)
	return &b, nil
}

// GetBlock retrieves a block record. Returns ledger.ErrNotFound if it doesn't exist.
func (l *Ledger) GetBlock(ctx context.Context, blockID string) (*ledger.BlockRecord, error) {
	if _, err := uuid.Parse(blockID); err != nil {
		return nil, ledger.ErrNotFound
	}
	b, err := scanBlock(l.pool.QueryRow(ctx, selectBlock+` WHERE workspace=$1 AND id=$2`, l.workspace, blockID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}
	return b, nil
}

// SaveEvents appends an update to the page log. Saving an update id that is
// already stored with the same payload is a no-op.
func (l *Ledger) SaveEvents(ctx context.Context, pageID string, u document.Update) error {
	if _, err := uuid.Parse(pageID); err != nil {
		return fmt.Errorf("invalid page ID: not a valid UUID")
	}
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}

	changes, err := json.Marshal(u.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}

	tag, err := l.pool.Exec(ctx, `
		INSERT INTO updates (workspace, id, page_id, user_id, time_ms, changes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace, id) DO NOTHING
	`, l.workspace, u.ID, pageID, u.UserID, u.Time.UnixMilli(), string(changes))
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var storedPage, storedUser, storedChanges string
	var storedMs int64
	err = l.pool.QueryRow(ctx, `
		SELECT page_id::text, user_id, time_ms, changes FROM updates WHERE workspace=$1 AND id=$2
	`, l.workspace, u.ID).Scan(&storedPage, &storedUser, &storedMs, &storedChanges)
	if err != nil {
		return fmt.Errorf("read update: %w", err)
	}
	if storedPage != pageID || storedUser != u.UserID || storedMs != u.Time.UnixMilli() || storedChanges != string(changes) {
		return fmt.Errorf("%w: update %s already stored with a different payload", ledger.ErrRemoteRejected, u.ID)
	}
	return nil
}

// Updates returns the page log in arrival order.
func (l *Ledger) Updates(ctx context.Context, pageID string) ([]document.Update, error) {
	if _, err := uuid.Parse(pageID); err != nil {
		return []document.Update{}, nil
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id::text, user_id, time_ms, changes FROM updates
		WHERE workspace=$1 AND page_id=$2
		ORDER BY seq
	`, l.workspace, pageID)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}

	updates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (document.Update, error) {
		var u document.Update
		var ms int64
		var changes string
		if err := row.Scan(&u.ID, &u.UserID, &ms, &changes); err != nil {
			return u, err
		}
		u.Time = time.UnixMilli(ms).UTC()
		if err := json.Unmarshal([]byte(changes), &u.Changes); err != nil {
			return u, fmt.Errorf("decode changes of %s: %w", u.ID, err)
		}
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("read updates: %w", err)
	}
	return updates, nil
}

// QueryBlocksByParent lists the blocks currently under parentID, oldest first.
// The cursor is the (created_at_ms, id) of the last block of the previous
// window.
func (l *Ledger) QueryBlocksByParent(ctx context.Context, parentID string, req ledger.PageRequest) (*ledger.BlockPage, error) {
	afterMs, afterID, err := decodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	page := &ledger.BlockPage{Blocks: []*ledger.BlockRecord{}}
	if _, err := uuid.Parse(parentID); err != nil {
		return page, nil
	}
	limit := req.EffectiveLimit()

	rows, err := l.pool.Query(ctx, selectBlock+`
		WHERE workspace=$1 AND parent_id=$2 AND (created_at_ms, id) > ($3, $4::uuid)
		ORDER BY created_at_ms, id
		LIMIT $5
	`, l.workspace, parentID, afterMs, afterID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	blocks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ledger.BlockRecord, error) {
		return scanBlock(row)
	})
	if err != nil {
		return nil, fmt.Errorf("read blocks: %w", err)
	}

	if len(blocks) > limit {
		blocks = blocks[:limit]
		last := blocks[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAtMs, last.ID)
	}
	page.Blocks = blocks
	return page, nil
}

const zeroUUID = "00000000-0000-0000-0000-000000000000"

func encodeCursor(ms int64, id string) string {
	return strconv.FormatInt(ms, 10) + ":" + id
}

func decodeCursor(cursor string) (int64, string, error) {
	if cursor == "" {
		return -1, zeroUUID, nil
	}
	msPart, id, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	if _, err := uuid.Parse(id); err != nil {
		return 0, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	return ms, id, nil
}
