package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/lseq"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksCreatedBy(t *testing.T) {
	pageID := uuid.New().String()
	childID := uuid.New().String()
	at := time.UnixMilli(5000)

	u := document.NewUpdate(testUser, at,
		document.TypeChange(pageID, document.BlockTypePage, nil),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: childID}),
		document.TypeChange(childID, document.BlockTypeQuote, &document.ParentRef{ID: pageID, Type: document.BlockTypePage}),
		document.TypeChange(uuid.New().String(), document.BlockTypeCode, nil),
	)

	recs := BlocksCreatedBy(pageID, u)
	require.Len(t, recs, 2)
	assert.Equal(t, &BlockRecord{ID: pageID, PageID: pageID, Type: document.BlockTypePage, CreatedBy: testUser, CreatedAtMs: 5000}, recs[0])
	assert.Equal(t, &BlockRecord{ID: childID, PageID: pageID, ParentID: pageID, Type: document.BlockTypeQuote, CreatedBy: testUser, CreatedAtMs: 5000, ParentStamp: Stamp(u)}, recs[1])
}

func TestBlocksMovedBy(t *testing.T) {
	pageID := uuid.New().String()
	listID := uuid.New().String()
	blockID := uuid.New().String()

	u := document.NewUpdate(testUser, time.UnixMilli(5000),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindDelete, Position: lseq.Identifier{2}}),
		document.ChildrenChange(listID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: blockID}),
	)
	assert.Equal(t, []BlockMove{{BlockID: blockID, ParentID: listID, Stamp: Stamp(u)}}, BlocksMovedBy(u))
}

func TestStamp_OrdersLikeTheDocumentStore(t *testing.T) {
	at := time.UnixMilli(5000)
	earlier := document.Update{ID: "b", UserID: "zed", Time: at.Add(-time.Millisecond)}
	alice := document.Update{ID: "z", UserID: "alice", Time: at}
	bobA := document.Update{ID: "a", UserID: "bob", Time: at}
	bobB := document.Update{ID: "b", UserID: "bob", Time: at}
	later := document.Update{ID: "a", UserID: "alice", Time: at.Add(time.Second * 100000)}

	order := []document.Update{earlier, alice, bobA, bobB, later}
	for i := 1; i < len(order); i++ {
		assert.Less(t, Stamp(order[i-1]), Stamp(order[i]))
	}
}

func TestCommit(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	pageID := uuid.New().String()
	childID := uuid.New().String()
	u := document.NewUpdate(testUser, time.Now(),
		document.TypeChange(pageID, document.BlockTypePage, nil),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: childID}),
		document.TypeChange(childID, document.BlockTypeParagraph, &document.ParentRef{ID: pageID, Type: document.BlockTypePage}),
	)
	require.NoError(t, Commit(ctx, client, pageID, u))
	require.NoError(t, Commit(ctx, client, pageID, u), "commit is idempotent")

	page, err := client.QueryBlocksByParent(ctx, pageID, PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Blocks, 1)
	assert.Equal(t, childID, page.Blocks[0].ID)

	updates, err := client.Updates(ctx, pageID)
	require.NoError(t, err)
	require.Len(t, updates, 1)

	rebuilt, err := document.Rebuild(updates)
	require.NoError(t, err)
	snap, err := rebuilt.Snapshot(pageID)
	require.NoError(t, err)
	require.Len(t, snap.Children, 1)
	assert.Equal(t, childID, snap.Children[0].ID)
}

func TestCommit_NestMovesBlockBetweenParents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	pageID := uuid.New().String()
	listID := uuid.New().String()
	blockID := uuid.New().String()
	at := time.UnixMilli(10_000)

	create := document.NewUpdate(testUser, at,
		document.TypeChange(pageID, document.BlockTypePage, nil),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: listID}),
		document.TypeChange(listID, document.BlockTypeBulletedList, &document.ParentRef{ID: pageID, Type: document.BlockTypePage}),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{2}, Value: blockID}),
		document.TypeChange(blockID, document.BlockTypeParagraph, &document.ParentRef{ID: pageID, Type: document.BlockTypePage}),
	)
	require.NoError(t, Commit(ctx, client, pageID, create))

	nest := document.NewUpdate(testUser, at.Add(time.Second),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindDelete, Position: lseq.Identifier{2}}),
		document.ChildrenChange(listID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: blockID}),
	)
	require.NoError(t, Commit(ctx, client, pageID, nest))

	ids := func(parentID string) []string {
		t.Helper()
		page, err := client.QueryBlocksByParent(ctx, parentID, PageRequest{})
		require.NoError(t, err)
		var out []string
		for _, b := range page.Blocks {
			out = append(out, b.ID)
		}
		return out
	}
	assert.Equal(t, []string{listID}, ids(pageID))
	assert.Equal(t, []string{blockID}, ids(listID))

	unnest := document.NewUpdate(testUser, at.Add(2*time.Second),
		document.ChildrenChange(listID, lseq.Event{Kind: lseq.KindDelete, Position: lseq.Identifier{1}}),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1, 5}, Value: blockID}),
	)
	require.NoError(t, Commit(ctx, client, pageID, unnest))
	assert.ElementsMatch(t, []string{listID, blockID}, ids(pageID))
	assert.Empty(t, ids(listID))

	// A replayed nest is older than the unnest and leaves the index alone.
	require.NoError(t, Commit(ctx, client, pageID, nest))
	assert.ElementsMatch(t, []string{listID, blockID}, ids(pageID))

	forged := document.NewUpdate(testUser, at.Add(time.Hour),
		document.ChildrenChange(listID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{2}, Value: blockID}),
	)
	forged.ID = nest.ID
	assert.ErrorIs(t, Commit(ctx, client, pageID, forged), ErrRemoteRejected)
	assert.ElementsMatch(t, []string{listID, blockID}, ids(pageID), "a refused update moves nothing")
}

func TestCommit_KeepsFirstIndexRecord(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	pageID := uuid.New().String()
	childID := uuid.New().String()
	require.NoError(t, client.CreateBlock(ctx, &BlockRecord{
		ID: childID, PageID: pageID, ParentID: pageID,
		Type: document.BlockTypeCode, CreatedBy: testUser, CreatedAtMs: 1,
	}))

	u := document.NewUpdate(testUser, time.Now(),
		document.TypeChange(childID, document.BlockTypeParagraph, &document.ParentRef{ID: pageID, Type: document.BlockTypePage}),
	)
	require.NoError(t, Commit(ctx, client, pageID, u))

	rec, err := client.GetBlock(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, document.BlockTypeCode, rec.Type)

	updates, err := client.Updates(ctx, pageID)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestCommit_ValidatesBeforeIndexing(t *testing.T) {
	client, mr := setupTestClient(t)
	pageID := uuid.New().String()

	u := document.NewUpdate("", time.Now(),
		document.TypeChange(pageID, document.BlockTypePage, nil),
	)
	err := Commit(context.Background(), client, pageID, u)
	assert.ErrorIs(t, err, document.ErrInvalidChange)
	assert.False(t, mr.Exists(BlockKey("test-workspace", pageID)))
}
