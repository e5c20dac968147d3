// Package replica runs one user's copy of a page: local edits are applied
// immediately, queued in an outbox and sent to the backing service, while
// remote updates are merged into the same Store as they arrive.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/quire/internal/outbox"
	"github.com/dyluth/quire/internal/transport"
	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/ledger"
	"github.com/google/uuid"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("replica stopped")

// RemoteRejectedError reports an update the backing service refused. The
// local state keeps the update; the error is informational.
type RemoteRejectedError struct {
	UpdateID string
	Reason   string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("update %s rejected: %s", e.UpdateID, e.Reason)
}

func (e *RemoteRejectedError) Unwrap() error {
	return ledger.ErrRemoteRejected
}

// Config wires a Controller.
type Config struct {
	PageID    string
	UserID    string
	Transport transport.Transport

	// Store defaults to an empty document.Store.
	Store *document.Store
	// Outbox defaults to an in-memory outbox.
	Outbox outbox.Outbox
	// Clock defaults to time.Now.
	Clock func() time.Time
	// NewBackOff returns the reconnect policy. Defaults to exponential
	// backoff that never gives up.
	NewBackOff func() backoff.BackOff
}

// Controller is the single writer for a replica's Store. All edits, inbound
// envelopes and reads are serialized through Run.
type Controller struct {
	pageID     string
	userID     string
	store      *document.Store
	outbox     outbox.Outbox
	transport  transport.Transport
	clock      func() time.Time
	newBackOff func() backoff.BackOff

	requests chan request
	stopped  chan struct{}

	// owned by the Run goroutine
	conn transport.Conn
	last time.Time

	mu        sync.Mutex
	errObs    map[int]func(error)
	connObs   map[int]func(bool)
	nextObsID int
}

type request struct {
	fn   func(ctx context.Context) error
	done chan error
}

// New validates cfg and returns a Controller that is not yet running.
func New(cfg Config) (*Controller, error) {
	if _, err := uuid.Parse(cfg.PageID); err != nil {
		return nil, fmt.Errorf("invalid page ID: not a valid UUID")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	c := &Controller{
		pageID:     cfg.PageID,
		userID:     cfg.UserID,
		store:      cfg.Store,
		outbox:     cfg.Outbox,
		transport:  cfg.Transport,
		clock:      cfg.Clock,
		newBackOff: cfg.NewBackOff,
		requests:   make(chan request),
		stopped:    make(chan struct{}),
		errObs:     make(map[int]func(error)),
		connObs:    make(map[int]func(bool)),
	}
	if c.store == nil {
		c.store = document.NewStore()
	}
	if c.outbox == nil {
		c.outbox = outbox.NewMemory()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.newBackOff == nil {
		c.newBackOff = defaultBackOff
	}
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// PageID is the root page the controller edits.
func (c *Controller) PageID() string { return c.pageID }

// UserID attributes every local update.
func (c *Controller) UserID() string { return c.userID }

// Store is the replica's document. Use it to observe changes; edit through
// the controller.
func (c *Controller) Store() *document.Store { return c.store }

// OnError registers fn for errors that do not stop the controller, such as
// rejected updates and dropped remote changes. The returned func unregisters.
func (c *Controller) OnError(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObsID
	c.nextObsID++
	c.errObs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.errObs, id)
	}
}

// OnConnection registers fn to be told when the transport connects (true)
// or drops (false).
func (c *Controller) OnConnection(fn func(connected bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObsID
	c.nextObsID++
	c.connObs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.connObs, id)
	}
}

func (c *Controller) report(err error) {
	c.mu.Lock()
	obs := make([]func(error), 0, len(c.errObs))
	for _, fn := range c.errObs {
		obs = append(obs, fn)
	}
	c.mu.Unlock()

	for _, fn := range obs {
		fn(err)
	}
}

func (c *Controller) notifyConnection(connected bool) {
	c.mu.Lock()
	obs := make([]func(bool), 0, len(c.connObs))
	for _, fn := range c.connObs {
		obs = append(obs, fn)
	}
	c.mu.Unlock()

	for _, fn := range obs {
		fn(connected)
	}
}

// Run is the controller's event loop. It connects in the background, re-sends
// the outbox after every (re)connect and serves edits whether or not the
// transport is up. It returns when ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)

	log.Printf("[Replica] Starting for page %s as user %s", c.pageID, c.userID)
	if err := c.restore(); err != nil {
		c.report(err)
	}

	var msgs <-chan transport.Envelope
	var errs <-chan error
	dialing := c.dial(ctx)

	drop := func(reason error) {
		if c.conn == nil {
			return
		}
		c.conn.Close()
		c.conn, msgs, errs = nil, nil, nil
		log.Printf("[Replica] Disconnected: %v", reason)
		c.notifyConnection(false)
		dialing = c.dial(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			if c.conn != nil {
				c.conn.Close()
			}
			log.Printf("[Replica] Shutting down...")
			return nil

		case conn := <-dialing:
			dialing = nil
			c.conn, msgs, errs = conn, conn.Messages(), conn.Errors()
			c.logEvent("connected", map[string]interface{}{})
			c.notifyConnection(true)
			if err := c.resend(ctx); err != nil {
				drop(err)
			}

		case env, ok := <-msgs:
			if !ok {
				drop(transport.ErrTransportDisconnected)
				continue
			}
			c.handle(env)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[Replica] Transport error: %v", err)
			c.report(err)

		case req := <-c.requests:
			err := req.fn(ctx)
			if errors.Is(err, transport.ErrTransportDisconnected) {
				drop(err)
				// The edit is applied and queued; it is re-sent on reconnect.
				err = nil
			}
			req.done <- err
		}
	}
}

// dial opens the transport with backoff and delivers the connection once.
func (c *Controller) dial(ctx context.Context) <-chan transport.Conn {
	out := make(chan transport.Conn, 1)
	go func() {
		var conn transport.Conn
		op := func() error {
			var err error
			conn, err = c.transport.Open(ctx)
			return err
		}
		notify := func(err error, wait time.Duration) {
			log.Printf("[Replica] Connect failed, retrying in %s: %v", wait, err)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
			return
		}
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		out <- conn
	}()
	return out
}

// pending returns the outbox entries of this controller's page. An outbox
// shared between pages keeps the other entries for their own controllers.
func (c *Controller) pending() ([]outbox.Entry, error) {
	all, err := c.outbox.Pending()
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	entries := all[:0]
	for _, e := range all {
		if e.PageID == c.pageID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// restore applies the page's unacknowledged updates from a previous run to
// the store, so local edits are visible before the transport is up.
func (c *Controller) restore() error {
	pending, err := c.pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	updates := make([]document.Update, len(pending))
	for i, e := range pending {
		updates[i] = e.Update
	}
	c.merge(updates...)
	c.logEvent("outbox_restored", map[string]interface{}{"count": len(updates)})
	return nil
}

// resend sends every outstanding update in generation order.
func (c *Controller) resend(ctx context.Context) error {
	pending, err := c.pending()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		c.logEvent("outbox_resend", map[string]interface{}{"count": len(pending)})
	}
	for _, e := range pending {
		if err := c.conn.Send(ctx, transport.UpdateEnvelope(e.PageID, e.Update)); err != nil {
			return err
		}
	}
	return nil
}

// send is called from the loop for a freshly queued update.
func (c *Controller) send(ctx context.Context, u document.Update) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Send(ctx, transport.UpdateEnvelope(c.pageID, u))
}

func (c *Controller) handle(env transport.Envelope) {
	switch env.Type {
	case transport.TypeSnapshot:
		c.logEvent("snapshot_received", map[string]interface{}{"updates": len(env.Updates)})
		c.merge(env.Updates...)
		// Anything already in the page log has been stored.
		for _, u := range env.Updates {
			c.settle(u.ID)
		}

	case transport.TypeUpdate:
		c.merge(*env.Update)
		if env.Update.UserID == c.userID {
			c.settle(env.Update.ID)
		}

	case transport.TypeAck:
		c.settle(env.UpdateID)

	case transport.TypeReject:
		if _, err := c.outbox.Remove(env.UpdateID); err != nil {
			c.report(fmt.Errorf("failed to remove rejected update from outbox: %w", err))
		}
		c.logEvent("update_rejected", map[string]interface{}{
			"update_id": env.UpdateID,
			"reason":    env.Error,
		})
		c.report(&RemoteRejectedError{UpdateID: env.UpdateID, Reason: env.Error})
	}
}

func (c *Controller) merge(updates ...document.Update) {
	for _, u := range updates {
		if u.Time.After(c.last) {
			c.last = u.Time
		}
	}
	if err := c.store.ApplyUpdates(updates...); err != nil {
		log.Printf("[Replica] Dropped remote changes: %v", err)
		c.report(err)
	}
}

func (c *Controller) settle(updateID string) {
	removed, err := c.outbox.Remove(updateID)
	if err != nil {
		c.report(fmt.Errorf("failed to remove acknowledged update from outbox: %w", err))
		return
	}
	if removed {
		c.logEvent("update_acknowledged", map[string]interface{}{"update_id": updateID})
	}
}

// do runs fn on the loop goroutine and waits for it.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of updates not yet acknowledged.
func (c *Controller) Pending(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, func(context.Context) error {
		pending, err := c.pending()
		n = len(pending)
		return err
	})
	return n, err
}

// Snapshot renders the page.
func (c *Controller) Snapshot(ctx context.Context) (*document.BlockJSON, error) {
	var snap *document.BlockJSON
	err := c.do(ctx, func(context.Context) error {
		var err error
		snap, err = c.store.Snapshot(c.pageID)
		return err
	})
	return snap, err
}

// Text returns the visible content of a block.
func (c *Controller) Text(ctx context.Context, blockID string) (string, error) {
	var text string
	err := c.do(ctx, func(context.Context) error {
		return c.store.View(blockID, func(b *document.Block) error {
			text = b.Text()
			return nil
		})
	})
	return text, err
}

// Children returns the visible child ids of a block.
func (c *Controller) Children(ctx context.Context, blockID string) ([]string, error) {
	var ids []string
	err := c.do(ctx, func(context.Context) error {
		return c.store.View(blockID, func(b *document.Block) error {
			ids = b.ChildIDs()
			return nil
		})
	})
	return ids, err
}

func (c *Controller) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "replica"
	data["event_type"] = eventType
	data["page_id"] = c.pageID

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Replica] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
