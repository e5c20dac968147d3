package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/quire/internal/replica"
	"github.com/dyluth/quire/internal/transport"
	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/ledger"
	"github.com/dyluth/quire/pkg/lseq"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "11111111-1111-1111-1111-111111111111"
	bob   = "22222222-2222-2222-2222-222222222222"
)

func setupRelay(t *testing.T) (*httptest.Server, *ledger.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client, err := ledger.NewClient(&redis.Options{Addr: mr.Addr()}, "test-workspace")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	s, err := New(Config{Ledger: client, Backend: "redis"})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.closeAll()
		srv.Close()
	})
	return srv, client, mr
}

func dial(t *testing.T, srv *httptest.Server, pageID, userID string) transport.Conn {
	t.Helper()
	tr, err := transport.NewWebsocket(srv.URL, pageID, userID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := tr.Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn transport.Conn) transport.Envelope {
	t.Helper()
	select {
	case env, ok := <-conn.Messages():
		require.True(t, ok, "connection closed")
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return transport.Envelope{}
	}
}

func newPage(user string, at time.Time) (string, string, document.Update) {
	pageID := uuid.New().String()
	childID := uuid.New().String()
	u := document.NewUpdate(user, at,
		document.TypeChange(pageID, document.BlockTypePage, nil),
		document.TypeChange(childID, document.BlockTypeParagraph, &document.ParentRef{ID: pageID, Type: document.BlockTypePage}),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: childID}),
		document.ContentChange(childID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: "a"}),
	)
	return pageID, childID, u
}

func TestNew_RequiresLedger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv, _, mr := setupRelay(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "redis", body.Backend)

	mr.Close()
	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestWebsocket_CommitAckBroadcast(t *testing.T) {
	srv, client, _ := setupRelay(t)
	pageID, childID, u := newPage(alice, time.Now())

	a := dial(t, srv, pageID, alice)
	b := dial(t, srv, pageID, bob)
	assert.Equal(t, transport.TypeSnapshot, next(t, a).Type)
	assert.Equal(t, transport.TypeSnapshot, next(t, b).Type)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, transport.UpdateEnvelope(pageID, u)))

	ack := next(t, a)
	assert.Equal(t, transport.TypeAck, ack.Type)
	assert.Equal(t, u.ID, ack.UpdateID)

	got := next(t, b)
	assert.Equal(t, transport.TypeUpdate, got.Type)
	assert.Equal(t, u.ID, got.Update.ID)

	updates, err := client.Updates(ctx, pageID)
	require.NoError(t, err)
	require.Len(t, updates, 1)

	rec, err := client.GetBlock(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, pageID, rec.ParentID)

	t.Run("duplicate is acked but not rebroadcast", func(t *testing.T) {
		require.NoError(t, a.Send(ctx, transport.UpdateEnvelope(pageID, u)))
		assert.Equal(t, transport.TypeAck, next(t, a).Type)
		select {
		case env := <-b.Messages():
			t.Fatalf("unexpected %s envelope", env.Type)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("late joiner gets the backlog", func(t *testing.T) {
		c := dial(t, srv, pageID, bob)
		snap := next(t, c)
		assert.Equal(t, transport.TypeSnapshot, snap.Type)
		require.Len(t, snap.Updates, 1)
		assert.Equal(t, u.ID, snap.Updates[0].ID)
	})
}

func TestWebsocket_Rejects(t *testing.T) {
	srv, client, _ := setupRelay(t)
	pageID, childID, u := newPage(alice, time.Now())
	ctx := context.Background()

	a := dial(t, srv, pageID, alice)
	next(t, a)
	require.NoError(t, a.Send(ctx, transport.UpdateEnvelope(pageID, u)))
	require.Equal(t, transport.TypeAck, next(t, a).Type)

	tests := []struct {
		name   string
		env    transport.Envelope
		reason string
	}{
		{
			name:   "attributed to another user",
			env:    transport.UpdateEnvelope(pageID, document.NewUpdate(bob, time.Now(), document.PropsChange(childID, document.Prop{Key: "k", Value: "v"}))),
			reason: "attributed to",
		},
		{
			name:   "sent for another page",
			env:    transport.UpdateEnvelope(uuid.New().String(), document.NewUpdate(alice, time.Now(), document.PropsChange(childID, document.Prop{Key: "k", Value: "v"}))),
			reason: "sent on page",
		},
		{
			name:   "no changes",
			env:    transport.UpdateEnvelope(pageID, document.NewUpdate(alice, time.Now())),
			reason: "has no changes",
		},
		{
			name: "reused update id",
			env: func() transport.Envelope {
				forged := document.NewUpdate(alice, time.Now(), document.PropsChange(childID, document.Prop{Key: "k", Value: "v"}))
				forged.ID = u.ID
				return transport.UpdateEnvelope(pageID, forged)
			}(),
			reason: "remote rejected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, a.Send(ctx, tt.env))
			rej := next(t, a)
			assert.Equal(t, transport.TypeReject, rej.Type)
			assert.Equal(t, tt.env.Update.ID, rej.UpdateID)
			assert.Contains(t, rej.Error, tt.reason)
		})
	}

	updates, err := client.Updates(ctx, pageID)
	require.NoError(t, err)
	assert.Len(t, updates, 1, "nothing rejected reaches the ledger")
}

func TestWebsocket_CommitsAroundContradictoryChange(t *testing.T) {
	srv, client, _ := setupRelay(t)
	pageID, childID, u := newPage(alice, time.Now())
	ctx := context.Background()

	a := dial(t, srv, pageID, alice)
	b := dial(t, srv, pageID, bob)
	next(t, a)
	next(t, b)
	require.NoError(t, a.Send(ctx, transport.UpdateEnvelope(pageID, u)))
	require.Equal(t, transport.TypeAck, next(t, a).Type)
	require.Equal(t, u.ID, next(t, b).Update.ID)

	mixed := document.NewUpdate(alice, time.Now(),
		document.ContentChange(childID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{2}, Value: "x"}),
		document.TypeChange(childID, document.BlockTypePage, nil),
	)
	require.NoError(t, a.Send(ctx, transport.UpdateEnvelope(pageID, mixed)))

	ack := next(t, a)
	assert.Equal(t, transport.TypeAck, ack.Type)
	assert.Equal(t, mixed.ID, ack.UpdateID)

	got := next(t, b)
	require.Equal(t, transport.TypeUpdate, got.Type)
	assert.Equal(t, mixed.ID, got.Update.ID)

	updates, err := client.Updates(ctx, pageID)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	s, err := document.Rebuild(updates)
	assert.ErrorIs(t, err, document.ErrContradictoryBlockType)
	blk, err := s.Block(childID)
	require.NoError(t, err)
	assert.Equal(t, "ax", blk.Content.Text())
	assert.Equal(t, document.BlockTypeParagraph, blk.Type)
}

func TestWebsocket_BadRequests(t *testing.T) {
	srv, _, _ := setupRelay(t)

	for _, path := range []string{"/ws/not-a-uuid?user=" + alice, "/ws/" + uuid.New().String()} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestGetPage(t *testing.T) {
	srv, client, _ := setupRelay(t)
	pageID, childID, u := newPage(alice, time.Now())
	require.NoError(t, ledger.Commit(context.Background(), client, pageID, u))

	resp, err := http.Get(srv.URL + "/pages/" + pageID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap document.BlockJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, pageID, snap.ID)
	assert.Equal(t, document.BlockTypePage, snap.BlockType)
	require.Len(t, snap.Children, 1)
	assert.Equal(t, childID, snap.Children[0].ID)
	assert.Equal(t, "a", snap.Children[0].Content)

	t.Run("unknown page", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/pages/" + uuid.New().String())
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad page id", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/pages/nope")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestListBlocks(t *testing.T) {
	srv, client, _ := setupRelay(t)
	ctx := context.Background()
	parentID := uuid.New().String()
	for i := 0; i < 3; i++ {
		require.NoError(t, client.CreateBlock(ctx, &ledger.BlockRecord{
			ID: uuid.New().String(), PageID: parentID, ParentID: parentID,
			Type: document.BlockTypeParagraph, CreatedBy: alice, CreatedAtMs: int64(i),
		}))
	}

	get := func(query string) (*http.Response, ledger.BlockPage) {
		resp, err := http.Get(srv.URL + "/blocks?" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		var page ledger.BlockPage
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		}
		return resp, page
	}

	resp, first := get("parent=" + parentID + "&limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, first.Blocks, 2)
	require.NotEmpty(t, first.NextCursor)

	resp, second := get("parent=" + parentID + "&limit=2&cursor=" + first.NextCursor)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, second.Blocks, 1)
	assert.Empty(t, second.NextCursor)

	resp, _ = get("parent=nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get("parent=" + parentID + "&limit=x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetBlock(t *testing.T) {
	srv, client, _ := setupRelay(t)
	pageID, childID, u := newPage(alice, time.Now())
	require.NoError(t, ledger.Commit(context.Background(), client, pageID, u))

	resp, err := http.Get(srv.URL + "/blocks/" + childID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec ledger.BlockRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, pageID, rec.PageID)
	assert.Equal(t, pageID, rec.ParentID)

	for path, want := range map[string]int{
		"/blocks/" + uuid.New().String(): http.StatusNotFound,
		"/blocks/nope":                   http.StatusBadRequest,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestReplicasConvergeThroughRelay(t *testing.T) {
	srv, client, _ := setupRelay(t)
	pageID := uuid.New().String()

	start := func(user string) *replica.Controller {
		tr, err := transport.NewWebsocket(srv.URL, pageID, user)
		require.NoError(t, err)
		c, err := replica.New(replica.Config{
			PageID:     pageID,
			UserID:     user,
			Transport:  tr,
			NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
		})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			c.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		return c
	}

	a, b := start(alice), start(bob)
	ctx := context.Background()

	_, err := a.CreatePage(ctx)
	require.NoError(t, err)
	first, err := a.CreateBlock(ctx, pageID, 0, document.BlockTypeTodo)
	require.NoError(t, err)
	_, err = a.InsertContent(ctx, first, 0, "milk")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		text, err := b.Text(ctx, first)
		return err == nil && text == "milk"
	}, 5*time.Second, 10*time.Millisecond)

	second, err := b.CreateBlock(ctx, pageID, -1, document.BlockTypeTodo)
	require.NoError(t, err)
	_, err = b.InsertContent(ctx, second, 0, "eggs")
	require.NoError(t, err)
	_, err = b.Nest(ctx, second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sa, errA := a.Snapshot(ctx)
		sb, errB := b.Snapshot(ctx)
		return errA == nil && errB == nil && assert.ObjectsAreEqual(sa, sb) &&
			len(sa.Children) == 1 && len(sa.Children[0].Children) == 1 &&
			sa.Children[0].Children[0].Content == "eggs"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		updates, err := client.Updates(ctx, pageID)
		return err == nil && len(updates) == 6
	}, 5*time.Second, 10*time.Millisecond)
}
