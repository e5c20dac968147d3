package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Websocket connects to a relay at /ws/{pageID}?user={userID}.
type Websocket struct {
	url    string
	pageID string
	dialer *websocket.Dialer
}

var _ Transport = (*Websocket)(nil)

// NewWebsocket builds a transport for one page. relayURL may use the http or
// ws schemes.
func NewWebsocket(relayURL, pageID, userID string) (*Websocket, error) {
	u, err := url.Parse(strings.TrimRight(relayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid relay URL: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws/" + url.PathEscape(pageID)
	u.RawQuery = url.Values{"user": {userID}}.Encode()

	return &Websocket{
		url:    u.String(),
		pageID: pageID,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// URL is the websocket endpoint the transport dials.
func (t *Websocket) URL() string {
	return t.url
}

func (t *Websocket) Open(ctx context.Context) (Conn, error) {
	ws, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &wsConn{
		ws:   ws,
		msgs: make(chan Envelope, 64),
		errs: make(chan error, 10),
		done: make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws *websocket.Conn

	msgs chan Envelope
	errs chan error
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Messages() <-chan Envelope { return c.msgs }
func (c *wsConn) Errors() <-chan error      { return c.errs }

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrTransportDisconnected
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(env); err != nil {
		go c.Close()
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// readPump is the only sender on msgs and errs and closes both on exit.
func (c *wsConn) readPump() {
	defer close(c.errs)
	defer close(c.msgs)
	defer c.Close()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.report(fmt.Errorf("%w: %v", ErrTransportDisconnected, err))
				}
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.report(fmt.Errorf("failed to decode envelope: %w", err))
			continue
		}
		if err := env.Validate(); err != nil {
			c.report(fmt.Errorf("invalid envelope: %w", err))
			continue
		}

		select {
		case c.msgs <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) report(err error) {
	select {
	case c.errs <- err:
	default:
	}
}
