// Package relay serves pages to websocket replicas. Every update a replica
// sends is checked against the relay's copy of the page, committed to the
// ledger, acknowledged to the sender and broadcast to the page's other
// replicas.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/ledger"
	"github.com/dyluth/quire/pkg/lseq"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Pinger is implemented by ledgers that can report their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Server.
type Config struct {
	// Addr is the listen address used by ListenAndServe.
	Addr   string
	Ledger ledger.Ledger
	// Backend names the ledger in health responses.
	Backend string
	// TreeOptions configure the relay's page stores.
	TreeOptions []lseq.Option
}

// Server is the relay. Create it with New.
type Server struct {
	addr     string
	ledger   ledger.Ledger
	backend  string
	treeOpts []lseq.Option
	router   *mux.Router
	upgrader websocket.Upgrader

	mu    sync.Mutex
	pages map[string]*page
}

// New returns a Server with its routes registered.
func New(cfg Config) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Backend == "" {
		cfg.Backend = "ledger"
	}
	s := &Server{
		addr:     cfg.Addr,
		ledger:   cfg.Ledger,
		backend:  cfg.Backend,
		treeOpts: cfg.TreeOptions,
		pages:    make(map[string]*page),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws/{pageID}", s.handleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/pages/{pageID}", s.handlePage).Methods(http.MethodGet)
	r.HandleFunc("/blocks", s.handleBlocks).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{blockID}", s.handleBlock).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router = r
	return s, nil
}

// Handler exposes the routes, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled and then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Relay] Listening on %s (%s ledger)", s.addr, s.backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server failed: %w", err)
	case <-ctx.Done():
	}

	log.Printf("[Relay] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAll()
	return srv.Shutdown(shutdownCtx)
}

// handlePage serves GET /pages/{pageID}: the page snapshot as JSON.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	pageID := mux.Vars(r)["pageID"]
	if _, err := uuid.Parse(pageID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid page ID: not a valid UUID")
		return
	}

	p, err := s.load(r.Context(), pageID)
	if err != nil {
		log.Printf("[Relay] Failed to load page %s: %v", pageID, err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	snap, err := p.store.Snapshot(pageID)
	if errors.Is(err, document.ErrUnknownBlockReference) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleBlocks serves GET /blocks?parent=&cursor=&limit=.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	parentID := q.Get("parent")
	if _, err := uuid.Parse(parentID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid parent: not a valid UUID")
		return
	}

	req := ledger.PageRequest{Cursor: q.Get("cursor")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		req.Limit = limit
	}

	page, err := s.ledger.QueryBlocksByParent(r.Context(), parentID, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleBlock serves GET /blocks/{blockID}: the block's index record.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	blockID := mux.Vars(r)["blockID"]
	if _, err := uuid.Parse(blockID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid block ID: not a valid UUID")
		return
	}

	b, err := s.ledger.GetBlock(r.Context(), blockID)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("block %s not found", blockID))
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HealthResponse is the JSON body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Pages   int    `json:"pages"`
	Error   string `json:"error,omitempty"`
}

// handleHealth returns 200 if the ledger is reachable, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	s.mu.Lock()
	response := HealthResponse{Status: "healthy", Backend: s.backend, Pages: len(s.pages)}
	s.mu.Unlock()

	if p, ok := s.ledger.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
	}
	writeJSON(w, http.StatusOK, response)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "relay"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Relay] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
