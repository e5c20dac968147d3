package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/ledger"
)

// PageLog is the part of the Redis ledger a Redis transport needs.
type PageLog interface {
	ledger.Ledger
	SubscribePage(ctx context.Context, pageID string) (*ledger.Subscription, error)
}

var _ PageLog = (*ledger.Client)(nil)

// Redis talks to the ledger directly: updates are committed with
// ledger.Commit and other replicas' updates arrive over Pub/Sub.
type Redis struct {
	log    PageLog
	pageID string
}

var _ Transport = (*Redis)(nil)

// NewRedis returns a transport for one page of the ledger.
func NewRedis(log PageLog, pageID string) *Redis {
	return &Redis{log: log, pageID: pageID}
}

// Open subscribes to the page before reading its backlog so that nothing
// saved in between is missed. Updates seen twice are harmless to a Store.
func (t *Redis) Open(ctx context.Context) (Conn, error) {
	sub, err := t.log.SubscribePage(ctx, t.pageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	backlog, err := t.log.Updates(ctx, t.pageID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: failed to read backlog: %v", ErrTransportDisconnected, err)
	}

	c := &redisConn{
		log:    t.log,
		pageID: t.pageID,
		sub:    sub,
		msgs:   make(chan Envelope, 64),
		errs:   make(chan error, 10),
		done:   make(chan struct{}),
	}
	c.msgs <- Envelope{Type: TypeSnapshot, PageID: t.pageID, Updates: backlog}

	c.wg.Add(1)
	go c.pump()
	go func() {
		<-c.done
		c.wg.Wait()
		close(c.msgs)
		close(c.errs)
	}()
	return c, nil
}

type redisConn struct {
	log    PageLog
	pageID string
	sub    *ledger.Subscription

	msgs chan Envelope
	errs chan error
	done chan struct{}

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

func (c *redisConn) Messages() <-chan Envelope { return c.msgs }
func (c *redisConn) Errors() <-chan error      { return c.errs }

// Send commits an update. The outcome comes back on Messages as an ack or a
// reject; a failure to reach Redis closes the connection.
func (c *redisConn) Send(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return ErrTransportDisconnected
	default:
	}
	if env.Type != TypeUpdate {
		return fmt.Errorf("redis transport cannot send %s envelopes", env.Type)
	}
	if err := env.Validate(); err != nil {
		return err
	}

	err := ledger.Commit(ctx, c.log, c.pageID, *env.Update)
	switch {
	case err == nil:
		c.deliver(Ack(c.pageID, env.Update.ID))
	case errors.Is(err, ledger.ErrRemoteRejected), errors.Is(err, document.ErrInvalidChange):
		c.deliver(Reject(c.pageID, env.Update.ID, err))
	default:
		c.Close()
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	return nil
}

func (c *redisConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.sub.Close()
}

// deliver queues an envelope without blocking the caller, which may be the
// goroutine that drains Messages.
func (c *redisConn) deliver(env Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		select {
		case c.msgs <- env:
		case <-c.done:
		}
	}()
}

func (c *redisConn) pump() {
	defer c.wg.Done()
	subErrs := c.sub.Errors()
	for {
		select {
		case <-c.done:
			return
		case u, ok := <-c.sub.Events():
			if !ok {
				c.Close()
				return
			}
			select {
			case c.msgs <- Envelope{Type: TypeUpdate, PageID: c.pageID, Update: u}:
			case <-c.done:
				return
			}
		case err, ok := <-subErrs:
			if !ok {
				subErrs = nil
				continue
			}
			select {
			case c.errs <- err:
			case <-c.done:
				return
			}
		}
	}
}
