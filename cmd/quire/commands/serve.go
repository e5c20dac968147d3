package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/quire/internal/printer"
	"github.com/dyluth/quire/internal/relay"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a relay for websocket replicas",
	Long: `Run a relay that websocket replicas connect to.

The relay checks every update against its copy of the page, commits it to the
ledger (relay.ledger: redis or postgres), acknowledges it and broadcasts it to
the page's other replicas.

Routes:
  GET /ws/{pageID}?user={userID}   websocket replication
  GET /pages/{pageID}              page snapshot as JSON
  GET /blocks?parent=&cursor=&limit=
  GET /blocks/{blockID}
  GET /healthz`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides relay.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, closeLedger, err := openRelayLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	addr := cfg.Relay.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv, err := relay.New(relay.Config{
		Addr:        addr,
		Ledger:      l,
		Backend:     cfg.Relay.Ledger,
		TreeOptions: cfg.TreeOptions(),
	})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	printer.Step("Relay listening on %s (ledger: %s)\n", addr, cfg.Relay.Ledger)
	return srv.ListenAndServe(ctx)
}
