package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dyluth/quire/internal/transport"
	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/ledger"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// page is the relay's copy of one page and the replicas connected to it.
type page struct {
	id    string
	store *document.Store

	mu      sync.Mutex // serializes commits, joins and broadcasts
	clients map[*client]struct{}
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue queues raw for the write pump. A client whose buffer is full is
// disconnected; it catches up from the snapshot when it reconnects.
func (c *client) enqueue(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) page(pageID string) *page {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[pageID]
	if !ok {
		p = &page{
			id:      pageID,
			store:   document.NewStore(s.treeOpts...),
			clients: make(map[*client]struct{}),
		}
		s.pages[pageID] = p
	}
	return p
}

// syncLocked merges the ledger's page log into the relay's store and returns
// it. Callers hold p.mu.
func (s *Server) syncLocked(ctx context.Context, p *page) ([]document.Update, error) {
	updates, err := s.ledger.Updates(ctx, p.id)
	if err != nil {
		return nil, fmt.Errorf("failed to read page log: %w", err)
	}
	if err := p.store.ApplyUpdates(updates...); err != nil {
		log.Printf("[Relay] Page %s log has dropped changes: %v", p.id, err)
	}
	return updates, nil
}

// load returns the page with its store caught up with the ledger.
func (s *Server) load(ctx context.Context, pageID string) (*page, error) {
	p := s.page(pageID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := s.syncLocked(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// join registers c and queues the page snapshot before any broadcast can
// reach it.
func (s *Server) join(ctx context.Context, pageID string, c *client) (*page, error) {
	p := s.page(pageID)
	p.mu.Lock()
	defer p.mu.Unlock()

	backlog, err := s.syncLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	p.clients[c] = struct{}{}
	c.enqueue(mustMarshal(transport.Envelope{Type: transport.TypeSnapshot, PageID: pageID, Updates: backlog}))
	return p, nil
}

func (s *Server) leave(p *page, c *client) {
	p.mu.Lock()
	delete(p.clients, c)
	p.mu.Unlock()
	c.close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	pages := make([]*page, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	s.mu.Unlock()

	for _, p := range pages {
		p.mu.Lock()
		for c := range p.clients {
			c.close()
		}
		p.mu.Unlock()
	}
}

// handleWebsocket serves GET /ws/{pageID}?user={userID}.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	pageID := mux.Vars(r)["pageID"]
	if _, err := uuid.Parse(pageID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid page ID: not a valid UUID")
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Relay] Upgrade failed: %v", err)
		return
	}
	c := &client{userID: userID, conn: ws, send: make(chan []byte, sendBuffer)}

	ctx := context.Background()
	p, err := s.join(ctx, pageID, c)
	if err != nil {
		log.Printf("[Relay] Failed to join page %s: %v", pageID, err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "ledger unavailable"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	s.logEvent("client_joined", map[string]interface{}{"page_id": pageID, "user_id": userID})

	go c.writePump()
	s.readPump(ctx, p, c)

	s.leave(p, c)
	s.logEvent("client_left", map[string]interface{}{"page_id": pageID, "user_id": userID})
}

func (s *Server) readPump(ctx context.Context, p *page, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Relay] Client %s on page %s: %v", c.userID, p.id, err)
			}
			return
		}

		var env transport.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[Relay] Undecodable envelope from %s: %v", c.userID, err)
			continue
		}
		if err := env.Validate(); err != nil || env.Type != transport.TypeUpdate {
			log.Printf("[Relay] Ignoring %s envelope from %s: %v", env.Type, c.userID, err)
			continue
		}

		if err := s.handleUpdate(ctx, p, c, env); err != nil {
			log.Printf("[Relay] Failed to commit update %s: %v", env.Update.ID, err)
			// Dropping the connection makes the replica re-send from its outbox.
			return
		}
	}
}

// handleUpdate commits, acknowledges and broadcasts one update. Only the
// envelope is judged here: an update sent for another page or user, one that
// fails validation, or a reused update id is answered with a reject. A change
// that contradicts the page is committed with the rest and every store drops
// it on apply. An error return means the ledger could not be reached.
func (s *Server) handleUpdate(ctx context.Context, p *page, c *client, env transport.Envelope) error {
	u := *env.Update
	reject := func(reason error) {
		c.enqueue(mustMarshal(transport.Reject(p.id, u.ID, reason)))
		s.logEvent("update_rejected", map[string]interface{}{
			"page_id":   p.id,
			"update_id": u.ID,
			"user_id":   c.userID,
			"reason":    reason.Error(),
		})
	}

	if env.PageID != p.id {
		reject(fmt.Errorf("%w: update for page %s sent on page %s", document.ErrInvalidChange, env.PageID, p.id))
		return nil
	}
	if u.UserID != c.userID {
		reject(fmt.Errorf("%w: update attributed to %q sent by %q", document.ErrInvalidChange, u.UserID, c.userID))
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := p.store.HasApplied(u.ID)
	if err := ledger.Commit(ctx, s.ledger, p.id, u); err != nil {
		if errors.Is(err, ledger.ErrRemoteRejected) || errors.Is(err, document.ErrInvalidChange) {
			reject(err)
			return nil
		}
		return err
	}
	if err := p.store.ApplyUpdates(u); err != nil {
		log.Printf("[Relay] Update %s dropped changes: %v", u.ID, err)
	}

	c.enqueue(mustMarshal(transport.Ack(p.id, u.ID)))
	if seen {
		return nil
	}

	raw := mustMarshal(transport.UpdateEnvelope(p.id, u))
	for other := range p.clients {
		if other != c {
			other.enqueue(raw)
		}
	}
	s.logEvent("update_committed", map[string]interface{}{
		"page_id":   p.id,
		"update_id": u.ID,
		"user_id":   u.UserID,
		"changes":   len(u.Changes),
		"clients":   len(p.clients),
	})
	return nil
}

func mustMarshal(env transport.Envelope) []byte {
	raw, err := json.Marshal(env)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal %s envelope: %v", env.Type, err))
	}
	return raw
}
