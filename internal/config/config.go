package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/dyluth/quire/pkg/lseq"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for the configuration.
const DefaultPath = "quire.yml"

// Transport names.
const (
	TransportRedis     = "redis"
	TransportWebsocket = "websocket"
)

// Relay ledger backends.
const (
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

// QuireConfig represents the top-level quire.yml configuration
type QuireConfig struct {
	Version    string       `yaml:"version"`
	Workspace  string       `yaml:"workspace"`
	UserID     string       `yaml:"user_id"`
	RedisURL   string       `yaml:"redis_url,omitempty"`
	Transport  string       `yaml:"transport,omitempty"` // redis (default) or websocket
	RelayURL   string       `yaml:"relay_url,omitempty"` // required when transport is websocket
	OutboxPath string       `yaml:"outbox_path,omitempty"`
	Tree       *TreeConfig  `yaml:"tree,omitempty"`
	Relay      *RelayConfig `yaml:"relay,omitempty"`
}

// TreeConfig tunes identifier allocation. Every replica of a workspace must
// use the same values.
type TreeConfig struct {
	Boundary   *int           `yaml:"boundary,omitempty"`
	BaseBits   *int           `yaml:"base_bits,omitempty"`
	MaxDepth   *int           `yaml:"max_depth,omitempty"`
	Strategies map[int]string `yaml:"strategies,omitempty"` // depth -> boundary+ | boundary-
}

// RelayConfig configures `quire serve`.
type RelayConfig struct {
	Addr        string `yaml:"addr,omitempty"`
	Ledger      string `yaml:"ledger,omitempty"` // redis (default) or postgres
	DatabaseURL string `yaml:"database_url,omitempty"`
}

// Default returns the configuration written by `quire init`.
func Default() *QuireConfig {
	boundary, baseBits, maxDepth := lseq.DefaultBoundary, lseq.DefaultBaseBits, lseq.DefaultMaxDepth
	return &QuireConfig{
		Version:    "1.0",
		Workspace:  "default",
		UserID:     uuid.New().String(),
		RedisURL:   "redis://localhost:6379",
		Transport:  TransportRedis,
		OutboxPath: filepath.Join(".quire", "outbox.db"),
		Tree: &TreeConfig{
			Boundary: &boundary,
			BaseBits: &baseBits,
			MaxDepth: &maxDepth,
		},
		Relay: &RelayConfig{
			Addr:   ":8080",
			Ledger: LedgerRedis,
		},
	}
}

// Validate performs strict validation on the configuration and fills in
// defaults for omitted optional fields.
func (c *QuireConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}

	if _, err := uuid.Parse(c.UserID); err != nil {
		return fmt.Errorf("user_id must be a UUID, got '%s'", c.UserID)
	}

	if c.Transport == "" {
		c.Transport = TransportRedis
	}
	switch c.Transport {
	case TransportRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required when transport is 'redis'")
		}
	case TransportWebsocket:
		if c.RelayURL == "" {
			return fmt.Errorf("relay_url is required when transport is 'websocket'")
		}
		u, err := url.Parse(c.RelayURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid relay_url: %s", c.RelayURL)
		}
	default:
		return fmt.Errorf("invalid transport: %s (must be 'redis' or 'websocket')", c.Transport)
	}

	if c.Tree != nil {
		if err := c.Tree.Validate(); err != nil {
			return err
		}
	}

	if c.Relay == nil {
		c.Relay = &RelayConfig{}
	}
	return c.Relay.Validate(c.RedisURL)
}

// Validate checks the allocation parameters.
func (t *TreeConfig) Validate() error {
	if t.Boundary != nil && *t.Boundary < 1 {
		return fmt.Errorf("tree.boundary must be >= 1, got %d", *t.Boundary)
	}
	if t.BaseBits != nil && (*t.BaseBits < 1 || *t.BaseBits > 16) {
		return fmt.Errorf("tree.base_bits must be between 1 and 16, got %d", *t.BaseBits)
	}
	if t.MaxDepth != nil && *t.MaxDepth < 1 {
		return fmt.Errorf("tree.max_depth must be >= 1, got %d", *t.MaxDepth)
	}
	for depth, name := range t.Strategies {
		if depth < 1 {
			return fmt.Errorf("tree.strategies: depth must be >= 1, got %d", depth)
		}
		if _, err := lseq.ParseStrategy(name); err != nil {
			return fmt.Errorf("tree.strategies[%d]: %w", depth, err)
		}
	}
	return nil
}

// Validate checks the relay settings. redisURL is the top-level redis_url,
// used by the redis ledger.
func (r *RelayConfig) Validate(redisURL string) error {
	if r.Addr == "" {
		r.Addr = ":8080"
	}
	if r.Ledger == "" {
		r.Ledger = LedgerRedis
	}
	switch r.Ledger {
	case LedgerRedis:
		if redisURL == "" {
			return fmt.Errorf("relay.ledger 'redis' requires redis_url")
		}
	case LedgerPostgres:
		if r.DatabaseURL == "" {
			return fmt.Errorf("relay.database_url is required when relay.ledger is 'postgres'")
		}
	default:
		return fmt.Errorf("invalid relay.ledger: %s (must be 'redis' or 'postgres')", r.Ledger)
	}
	return nil
}

// TreeOptions converts the tree section into lseq options. Strategies are
// applied in depth order.
func (c *QuireConfig) TreeOptions() []lseq.Option {
	var opts []lseq.Option
	if c.Tree == nil {
		return opts
	}
	if c.Tree.Boundary != nil {
		opts = append(opts, lseq.WithBoundary(*c.Tree.Boundary))
	}
	if c.Tree.BaseBits != nil {
		opts = append(opts, lseq.WithBaseBits(*c.Tree.BaseBits))
	}
	if c.Tree.MaxDepth != nil {
		opts = append(opts, lseq.WithMaxDepth(*c.Tree.MaxDepth))
	}

	depths := make([]int, 0, len(c.Tree.Strategies))
	for depth := range c.Tree.Strategies {
		depths = append(depths, depth)
	}
	sort.Ints(depths)
	for _, depth := range depths {
		// Validate has already rejected unknown names.
		s, _ := lseq.ParseStrategy(c.Tree.Strategies[depth])
		opts = append(opts, lseq.WithStrategy(depth, s))
	}
	return opts
}

// Load reads and validates quire.yml from the specified path
func Load(path string) (*QuireConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config QuireConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Save writes the configuration as YAML. It refuses to overwrite an
// existing file.
func Save(path string, c *QuireConfig) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
