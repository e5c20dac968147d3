package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/quire/internal/outbox"
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

// fakeTransport fails the first `fail` opens and then hands out fakeConns.
type fakeTransport struct {
	mu    sync.Mutex
	fail  int
	conns chan *fakeConn
}

func newFakeTransport(fail int) *fakeTransport {
	return &fakeTransport{fail: fail, conns: make(chan *fakeConn, 10)}
}

func (f *fakeTransport) Open(ctx context.Context) (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, transport.ErrTransportDisconnected
	}
	c := &fakeConn{
		in:     make(chan transport.Envelope, 100),
		sent:   make(chan transport.Envelope, 100),
		errs:   make(chan error, 10),
		closed: make(chan struct{}),
	}
	c.in <- transport.Envelope{Type: transport.TypeSnapshot, PageID: "p"}
	f.conns <- c
	return c, nil
}

func (f *fakeTransport) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the replica to connect")
		return nil
	}
}

type fakeConn struct {
	in     chan transport.Envelope
	sent   chan transport.Envelope
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Messages() <-chan transport.Envelope { return c.in }
func (c *fakeConn) Errors() <-chan error                { return c.errs }

func (c *fakeConn) Send(ctx context.Context, env transport.Envelope) error {
	select {
	case <-c.closed:
		return transport.ErrTransportDisconnected
	default:
	}
	c.sent <- env
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		close(c.in)
	})
	return nil
}

func (c *fakeConn) expectSent(t *testing.T, n int) []transport.Envelope {
	t.Helper()
	var out []transport.Envelope
	for len(out) < n {
		select {
		case env := <-c.sent:
			out = append(out, env)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d envelopes", len(out), n)
		}
	}
	return out
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func startController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = fastBackOff
	}
	if cfg.Clock == nil {
		cfg.Clock = steppingClock()
	}
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestNew_Validation(t *testing.T) {
	tr := newFakeTransport(0)
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"bad page", Config{PageID: "p", UserID: alice, Transport: tr}, "invalid page ID"},
		{"no user", Config{PageID: uuid.New().String(), Transport: tr}, "user ID cannot be empty"},
		{"no transport", Config{PageID: uuid.New().String(), UserID: alice}, "transport is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEdits_WorkOffline(t *testing.T) {
	pageID := uuid.New().String()
	c := startController(t, Config{PageID: pageID, UserID: alice, Transport: newFakeTransport(1 << 30)})
	ctx := context.Background()

	_, err := c.CreatePage(ctx)
	require.NoError(t, err)
	title, err := c.CreateBlock(ctx, pageID, 0, document.BlockTypeHeading1)
	require.NoError(t, err)
	body, err := c.CreateBlock(ctx, pageID, -1, document.BlockTypeParagraph)
	require.NoError(t, err)

	_, err = c.InsertContent(ctx, title, 0, "hello")
	require.NoError(t, err)
	_, err = c.DeleteContent(ctx, title, 1, 3)
	require.NoError(t, err)
	_, err = c.InsertContent(ctx, body, 0, "wörld")
	require.NoError(t, err)

	text, err := c.Text(ctx, title)
	require.NoError(t, err)
	assert.Equal(t, "ho", text)

	children, err := c.Children(ctx, pageID)
	require.NoError(t, err)
	assert.Equal(t, []string{title, body}, children)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Children, 2)
	assert.Equal(t, "ho", snap.Children[0].Content)
	assert.Equal(t, document.BlockTypeHeading1, snap.Children[0].BlockType)
	assert.Equal(t, "wörld", snap.Children[1].Content)

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, pending)

	t.Run("invalid edits", func(t *testing.T) {
		_, err := c.DeleteContent(ctx, title, 1, 5)
		assert.ErrorIs(t, err, lseq.ErrIndexOutOfBounds)
		_, err = c.DeleteContent(ctx, title, 0, 0)
		assert.ErrorIs(t, err, ErrInvalidEdit)
		_, err = c.InsertContent(ctx, title, 0, "")
		assert.ErrorIs(t, err, ErrInvalidEdit)
		_, err = c.InsertContent(ctx, uuid.New().String(), 0, "x")
		assert.ErrorIs(t, err, document.ErrUnknownBlockReference)
		_, err = c.CreateBlock(ctx, uuid.New().String(), 0, document.BlockTypeTodo)
		assert.ErrorIs(t, err, document.ErrUnknownBlockReference)
		_, err = c.CreateBlock(ctx, pageID, 0, "banner")
		assert.ErrorIs(t, err, ErrInvalidEdit)

		pending, err := c.Pending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, pending, "failed edits queue nothing")
	})
}

func TestNestAndUnnest(t *testing.T) {
	pageID := uuid.New().String()
	c := startController(t, Config{PageID: pageID, UserID: alice, Transport: newFakeTransport(1 << 30)})
	ctx := context.Background()

	_, err := c.CreatePage(ctx)
	require.NoError(t, err)
	a, err := c.CreateBlock(ctx, pageID, -1, document.BlockTypeBulletedList)
	require.NoError(t, err)
	b, err := c.CreateBlock(ctx, pageID, -1, document.BlockTypeBulletedList)
	require.NoError(t, err)
	tail, err := c.CreateBlock(ctx, pageID, -1, document.BlockTypeParagraph)
	require.NoError(t, err)

	_, err = c.Nest(ctx, b)
	require.NoError(t, err)

	children, err := c.Children(ctx, pageID)
	require.NoError(t, err)
	assert.Equal(t, []string{a, tail}, children)
	children, err = c.Children(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, children)

	parent, err := c.Store().Parent(b)
	require.NoError(t, err)
	assert.Equal(t, a, parent.ID)

	u, err := c.Unnest(ctx, b)
	require.NoError(t, err)
	require.Len(t, u.Changes, 2)
	assert.Equal(t, a, u.Changes[0].BlockID)
	assert.Equal(t, lseq.KindDelete, u.Changes[0].Data.Children.Kind)
	assert.Equal(t, pageID, u.Changes[1].BlockID)
	assert.Equal(t, lseq.KindInsert, u.Changes[1].Data.Children.Kind)
	assert.Equal(t, b, u.Changes[1].Data.Children.Value)

	children, err = c.Children(ctx, pageID)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, tail}, children, "unnested directly after the old parent")

	parent, err = c.Store().Parent(b)
	require.NoError(t, err)
	assert.Equal(t, pageID, parent.ID)

	t.Run("first child cannot nest", func(t *testing.T) {
		_, err := c.Nest(ctx, a)
		assert.ErrorIs(t, err, ErrInvalidEdit)
	})

	t.Run("top level cannot unnest", func(t *testing.T) {
		_, err := c.Unnest(ctx, a)
		assert.ErrorIs(t, err, ErrInvalidEdit)
	})
}

func TestSetBlockTypeAndProps(t *testing.T) {
	pageID := uuid.New().String()
	c := startController(t, Config{PageID: pageID, UserID: alice, Transport: newFakeTransport(1 << 30)})
	ctx := context.Background()

	_, err := c.CreatePage(ctx)
	require.NoError(t, err)
	item, err := c.CreateBlock(ctx, pageID, 0, document.BlockTypeParagraph)
	require.NoError(t, err)

	_, err = c.SetBlockType(ctx, item, document.BlockTypeTodo)
	require.NoError(t, err)
	_, err = c.SetProps(ctx, item, document.Prop{Key: "checked", Value: false})
	require.NoError(t, err)
	_, err = c.SetProps(ctx, item, document.Prop{Key: "checked", Value: true})
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Children, 1)
	assert.Equal(t, document.BlockTypeTodo, snap.Children[0].BlockType)
	assert.Equal(t, true, snap.Children[0].Props["checked"])

	_, err = c.SetBlockType(ctx, item, document.BlockTypePage)
	assert.ErrorIs(t, err, document.ErrContradictoryBlockType)
	_, err = c.SetProps(ctx, item)
	assert.ErrorIs(t, err, ErrInvalidEdit)
	_, err = c.SetProps(ctx, uuid.New().String(), document.Prop{Key: "k", Value: 1})
	assert.ErrorIs(t, err, document.ErrUnknownBlockReference)
}

func TestOutboxIsResentAfterReconnect(t *testing.T) {
	pageID := uuid.New().String()
	tr := newFakeTransport(2)
	c := startController(t, Config{PageID: pageID, UserID: alice, Transport: tr})
	ctx := context.Background()

	connected := make(chan bool, 10)
	c.OnConnection(func(up bool) { connected <- up })

	first := tr.next(t)
	assert.True(t, <-connected)

	_, err := c.CreatePage(ctx)
	require.NoError(t, err)
	block, err := c.CreateBlock(ctx, pageID, 0, document.BlockTypeParagraph)
	require.NoError(t, err)

	sent := first.expectSent(t, 2)
	for _, env := range sent {
		first.in <- transport.Ack(pageID, env.Update.ID)
	}
	require.Eventually(t, func() bool {
		n, err := c.Pending(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Drop the connection and edit while offline.
	first.Close()
	assert.False(t, <-connected)

	u1, err := c.InsertContent(ctx, block, 0, "a")
	require.NoError(t, err)
	u2, err := c.InsertContent(ctx, block, 1, "b")
	require.NoError(t, err)

	second := tr.next(t)
	assert.True(t, <-connected)
	resent := second.expectSent(t, 2)
	assert.Equal(t, u1.ID, resent[0].Update.ID, "generation order")
	assert.Equal(t, u2.ID, resent[1].Update.ID)
}

func TestSharedOutboxOnlyResendsOwnPage(t *testing.T) {
	pageID, otherPage := uuid.New().String(), uuid.New().String()
	box := outbox.NewMemory()
	foreign := document.NewUpdate(alice, time.Now(), document.TypeChange(otherPage, document.BlockTypePage, nil))
	require.NoError(t, box.Add(otherPage, foreign))

	tr := newFakeTransport(1 << 30)
	c := startController(t, Config{PageID: pageID, UserID: alice, Transport: tr, Outbox: box})
	ctx := context.Background()

	own, err := c.CreatePage(ctx)
	require.NoError(t, err)
	n, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := box.Pending()
	require.NoError(t, err)
	require.Len(t, all, 2, "the other page's entry stays queued")

	tr.mu.Lock()
	tr.fail = 0
	tr.mu.Unlock()
	conn := tr.next(t)
	sent := conn.expectSent(t, 1)
	assert.Equal(t, own.ID, sent[0].Update.ID)
	select {
	case env := <-conn.sent:
		t.Fatalf("unexpected envelope for update %s", env.Update.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueuedEditsAreRestoredOnStart(t *testing.T) {
	pageID := uuid.New().String()
	box := outbox.NewMemory()
	tr := newFakeTransport(1 << 30)

	first, err := New(Config{PageID: pageID, UserID: alice, Transport: tr, Outbox: box, NewBackOff: fastBackOff})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	_, err = first.CreatePage(context.Background())
	require.NoError(t, err)
	block, err := first.CreateBlock(context.Background(), pageID, 0, document.BlockTypeTodo)
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)

	// A new controller over the same outbox sees its own unacknowledged edits.
	second := startController(t, Config{PageID: pageID, UserID: alice, Transport: tr, Outbox: box})
	children, err := second.Children(context.Background(), pageID)
	require.NoError(t, err)
	assert.Equal(t, []string{block}, children)

	// Its clock continues past the restored edits.
	u, err := second.InsertContent(context.Background(), block, 0, "x")
	require.NoError(t, err)
	all, err := box.Pending()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, u.Time.After(all[1].Update.Time))
}

func TestRejectSurfacesErrorWithoutRollback(t *testing.T) {
	pageID := uuid.New().String()
	tr := newFakeTransport(0)
	c := startController(t, Config{PageID: pageID, UserID: alice, Transport: tr})
	ctx := context.Background()

	errs := make(chan error, 10)
	c.OnError(func(err error) { errs <- err })

	conn := tr.next(t)
	u, err := c.CreatePage(ctx)
	require.NoError(t, err)
	conn.expectSent(t, 1)

	conn.in <- transport.Reject(pageID, u.ID, errors.New("nope"))

	select {
	case err := <-errs:
		var rejected *RemoteRejectedError
		require.True(t, errors.As(err, &rejected))
		assert.Equal(t, u.ID, rejected.UpdateID)
		assert.Equal(t, "nope", rejected.Reason)
		assert.ErrorIs(t, err, ledger.ErrRemoteRejected)
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}

	n, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = c.Snapshot(ctx)
	assert.NoError(t, err, "the rejected page is still present locally")
}

func TestRemoteUpdatesAreMerged(t *testing.T) {
	pageID := uuid.New().String()
	tr := newFakeTransport(0)
	c := startController(t, Config{
		PageID:    pageID,
		UserID:    alice,
		Transport: tr,
		Clock:     func() time.Time { return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	ctx := context.Background()
	conn := tr.next(t)

	childID := uuid.New().String()
	remote := document.NewUpdate(bob, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		document.TypeChange(pageID, document.BlockTypePage, nil),
		document.ChildrenChange(pageID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: childID}),
		document.ContentChange(childID, lseq.Event{Kind: lseq.KindInsert, Position: lseq.Identifier{1}, Value: "x"}),
	)
	conn.in <- transport.UpdateEnvelope(pageID, remote)

	require.Eventually(t, func() bool {
		text, err := c.Text(ctx, childID)
		return err == nil && text == "x"
	}, 5*time.Second, 10*time.Millisecond)

	// The local clock is behind, but an edit made after seeing the remote
	// update is still stamped later.
	u, err := c.SetProps(ctx, childID, document.Prop{Key: "k", Value: "v"})
	require.NoError(t, err)
	assert.True(t, u.Time.After(remote.Time))
}

func TestReplicasConvergeOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	newLedger := func() *ledger.Client {
		client, err := ledger.NewClient(&redis.Options{Addr: mr.Addr()}, "test-workspace")
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		return client
	}

	pageID := uuid.New().String()
	a := startController(t, Config{PageID: pageID, UserID: alice, Transport: transport.NewRedis(newLedger(), pageID)})
	b := startController(t, Config{PageID: pageID, UserID: bob, Transport: transport.NewRedis(newLedger(), pageID)})
	ctx := context.Background()

	_, err := a.CreatePage(ctx)
	require.NoError(t, err)
	block, err := a.CreateBlock(ctx, pageID, 0, document.BlockTypeParagraph)
	require.NoError(t, err)
	_, err = a.InsertContent(ctx, block, 0, "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		text, err := b.Text(ctx, block)
		return err == nil && text == "hi"
	}, 5*time.Second, 10*time.Millisecond)

	_, err = b.InsertContent(ctx, block, 2, "!")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sa, errA := a.Snapshot(ctx)
		sb, errB := b.Snapshot(ctx)
		return errA == nil && errB == nil && assert.ObjectsAreEqual(sa, sb) &&
			len(sa.Children) == 1 && sa.Children[0].Content == "hi!"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		na, _ := a.Pending(ctx)
		nb, _ := b.Pending(ctx)
		return na == 0 && nb == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCallsAfterStop(t *testing.T) {
	c, err := New(Config{PageID: uuid.New().String(), UserID: alice, Transport: newFakeTransport(1 << 30), NewBackOff: fastBackOff})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))

	_, err = c.CreatePage(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
