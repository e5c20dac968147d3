package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/quire/internal/config"
	"github.com/dyluth/quire/internal/outbox"
	"github.com/dyluth/quire/internal/pgledger"
	"github.com/dyluth/quire/internal/printer"
	"github.com/dyluth/quire/internal/resolver"
	"github.com/dyluth/quire/internal/transport"
	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/ledger"
	"github.com/google/uuid"
)

// loadConfig reads the --config file, printing a formatted error on failure.
func loadConfig() (*config.QuireConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, printer.Error(
				"quire.yml not found",
				fmt.Sprintf("No configuration file at %s.", configPath),
				[]string{"Create one:\n  quire init", "Point at an existing file:\n  quire --config <path> ..."},
			)
		}
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Fix the file or regenerate it:\n  quire init --force"},
		)
	}
	return cfg, nil
}

// connectLedger opens and pings the Redis ledger of the workspace.
func connectLedger(ctx context.Context, cfg *config.QuireConfig) (*ledger.Client, error) {
	client, err := ledger.NewClientFromURL(cfg.RedisURL, cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.RedisURL),
			map[string]string{"Workspace": cfg.Workspace, "Error": err.Error()},
			[]string{"Check that Redis is running and redis_url in quire.yml is correct"},
		)
	}
	return client, nil
}

// resolveID expands a short block or page id using the workspace's block
// index. Full UUIDs are returned unchanged.
func resolveID(ctx context.Context, cfg *config.QuireConfig, id string) (string, error) {
	if _, err := uuid.Parse(id); err == nil && len(id) == 36 {
		return id, nil
	}
	if cfg.Transport == config.TransportWebsocket {
		return "", printer.Error(
			fmt.Sprintf("invalid ID '%s'", id),
			"Short IDs are resolved against the Redis block index, which the websocket transport does not use.",
			[]string{"Pass the full UUID"},
		)
	}

	client, err := connectLedger(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	full, err := resolver.ResolveBlockID(ctx, client, id)
	if err == nil {
		return full, nil
	}
	var notFound *resolver.NotFoundError
	var ambiguous *resolver.AmbiguousError
	switch {
	case errors.As(err, &notFound):
		return "", printer.Error(
			fmt.Sprintf("block with ID '%s' not found", id),
			"No page or block in this workspace has that ID.",
			[]string{"List the blocks under a page:\n  quire blocks <PAGE_ID>"},
		)
	case errors.As(err, &ambiguous):
		return "", printer.Error(
			fmt.Sprintf("ambiguous ID '%s'", id),
			fmt.Sprintf("It matches %d blocks:\n%s", len(ambiguous.Matches), ambiguous.Describe()),
			[]string{"Use a longer prefix"},
		)
	default:
		return "", printer.Error(fmt.Sprintf("invalid ID '%s'", id), err.Error(), nil)
	}
}

// openRelayLedger opens the ledger selected by relay.ledger. The returned
// function releases it.
func openRelayLedger(ctx context.Context, cfg *config.QuireConfig) (ledger.Ledger, func(), error) {
	switch cfg.Relay.Ledger {
	case config.LedgerPostgres:
		pool, err := pgledger.Open(ctx, cfg.Relay.DatabaseURL)
		if err != nil {
			return nil, nil, printer.ErrorWithContext(
				"PostgreSQL connection failed",
				"Could not open the relay ledger database.",
				map[string]string{"Error": err.Error()},
				[]string{"Check relay.database_url in quire.yml"},
			)
		}
		if err := pgledger.ApplyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate ledger database: %w", err)
		}
		l, err := pgledger.New(pool, cfg.Workspace)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return l, pool.Close, nil

	default:
		client, err := connectLedger(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	}
}

// newTransport builds the configured transport for pageID. The returned
// function releases anything the transport holds.
func newTransport(ctx context.Context, cfg *config.QuireConfig, pageID string) (transport.Transport, func(), error) {
	if cfg.Transport == config.TransportWebsocket {
		tr, err := transport.NewWebsocket(cfg.RelayURL, pageID, cfg.UserID)
		if err != nil {
			return nil, nil, err
		}
		return tr, func() {}, nil
	}

	client, err := connectLedger(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return transport.NewRedis(client, pageID), func() { client.Close() }, nil
}

// openOutbox opens the bbolt outbox at outbox_path, creating its directory.
func openOutbox(cfg *config.QuireConfig) (*outbox.Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.OutboxPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	box, err := outbox.Open(cfg.OutboxPath, outbox.Options{})
	if err != nil {
		return nil, printer.ErrorWithContext(
			"outbox unavailable",
			"Could not open the local outbox.",
			map[string]string{"Path": cfg.OutboxPath, "Error": err.Error()},
			[]string{"Make sure no other quire write is running against this outbox"},
		)
	}
	return box, nil
}

// relayClient reads pages and blocks over the relay's HTTP routes.
type relayClient struct {
	base string
	http *http.Client
}

func newRelayClient(relayURL string) (*relayClient, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL %q: %w", relayURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	return &relayClient{base: u.String(), http: &http.Client{Timeout: 10 * time.Second}}, nil
}

// errRelayNotFound is returned for 404 responses.
var errRelayNotFound = errors.New("not found")

func (r *relayClient) get(ctx context.Context, path string, query url.Values, out any) error {
	target := r.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", errRelayNotFound, body.Error)
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode relay response: %w", err)
	}
	return nil
}

func (r *relayClient) Page(ctx context.Context, pageID string) (*document.BlockJSON, error) {
	var snap document.BlockJSON
	if err := r.get(ctx, "/pages/"+url.PathEscape(pageID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *relayClient) Blocks(ctx context.Context, parentID string, req ledger.PageRequest) (*ledger.BlockPage, error) {
	query := url.Values{"parent": {parentID}}
	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	var page ledger.BlockPage
	if err := r.get(ctx, "/blocks", query, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (r *relayClient) Block(ctx context.Context, blockID string) (*ledger.BlockRecord, error) {
	var rec ledger.BlockRecord
	if err := r.get(ctx, "/blocks/"+url.PathEscape(blockID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
