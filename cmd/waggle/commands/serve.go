package commands

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/waggle/internal/claim"
	"github.com/mistakeknot/waggle/internal/config"
	"github.com/mistakeknot/waggle/internal/dualwrite"
	"github.com/mistakeknot/waggle/internal/eventlog"
	"github.com/mistakeknot/waggle/internal/heuristic"
	"github.com/mistakeknot/waggle/internal/heuristic/capacity"
	"github.com/mistakeknot/waggle/internal/heuristic/fraud"
	httpapi "github.com/mistakeknot/waggle/internal/http"
	"github.com/mistakeknot/waggle/internal/probe"
	"github.com/mistakeknot/waggle/internal/server"
	"github.com/mistakeknot/waggle/internal/statestore"
	"github.com/mistakeknot/waggle/internal/storage/sqlite"
	"github.com/mistakeknot/waggle/internal/trail"
	"github.com/mistakeknot/waggle/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromEnv()
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := sqlite.NewResilient(db)

	legacy, err := statestore.NewFile(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	elog, err := eventlog.Open(filepath.Join(cfg.DataDir, "events.jsonl"))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	adapter := dualwrite.New(legacy, elog)
	if cfg.Authority == "eventlog" {
		adapter.SetAuthority(dualwrite.AuthorityEventLog)
	}

	claimCfg := claim.DefaultConfig(filepath.Join(cfg.DataDir, "claims"))
	claimCfg.Timeout = cfg.ClaimTimeout()
	claimCfg.StaleAfter = cfg.ClaimStaleAfter()
	chain, err := claim.New(claimCfg, probe.Process{})
	if err != nil {
		return fmt.Errorf("open claim chain: %w", err)
	}

	trailCfg := trail.DefaultConfig()
	trailCfg.TTL = cfg.TrailTTL()
	ledger := trail.NewLedger(store, trailCfg)

	heurCfg := heuristic.DefaultConfig()
	heurCfg.DailyUpdateCap = cfg.Heuristics.DailyUpdateCap
	memory := heuristic.New(store, heurCfg)

	scanCfg := fraud.DefaultScannerConfig()
	scanCfg.DailyCap = cfg.Heuristics.DailyUpdateCap
	scanner := fraud.NewScanner(store, scanCfg)
	responder := fraud.NewResponder(store, memory, fraud.DefaultResponderConfig())

	capCfg := capacity.DefaultConfig()
	capCfg.DefaultSoftLimit = cfg.Heuristics.SoftLimit
	capCfg.DefaultHardLimit = cfg.Heuristics.HardLimit
	manager := capacity.New(store, nil, capCfg)

	hub := ws.NewHub()
	adapter.WithBroadcaster(hub)
	svc := httpapi.NewService(store, adapter, chain, ledger).
		WithHeuristics(memory, scanner, responder, manager).
		WithEvents(elog).
		WithBroadcaster(hub)

	sweeper := sqlite.NewSweeper(store, memory, hub, cfg.SweepInterval())
	sweeper.Start(ctx)
	defer sweeper.Stop()
	go reclaimStale(ctx, chain, adapter, hub, cfg.SweepInterval())

	srv, err := server.New(server.Config{
		Addr:       cfg.Addr,
		SocketPath: cfg.SocketPath,
		Handler:    httpapi.NewRouter(svc, hub.Handler()),
	})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Printf("waggle: listening on %s (authority=%s)", srv.Addr(), adapter.Authority())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reclaimStale periodically scans claim markers so locks held by dead
// processes free up even when nothing contends for them. Contended
// acquisitions reclaim opportunistically; this covers the idle case.
func reclaimStale(ctx context.Context, chain *claim.Chain, adapter *dualwrite.Adapter, bus *ws.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepStaleClaims(chain, adapter, bus)
		}
	}
}

func sweepStaleClaims(chain *claim.Chain, adapter *dualwrite.Adapter, bus *ws.Hub) {
	seen := make(map[uint64]bool)
	for _, r := range chain.Scan() {
		// Multi-file claims leave one marker per pattern; report the
		// claim once.
		if r.ClaimID == 0 || seen[r.ClaimID] {
			continue
		}
		seen[r.ClaimID] = true
		if _, err := adapter.ClaimReclaimed(r.ClaimID); err != nil {
			log.Printf("reclaim: claim %d: %v", r.ClaimID, err)
		}
		bus.Broadcast(map[string]any{
			"type":     "claim.reclaimed",
			"claim_id": r.ClaimID,
			"agent_id": r.AgentID,
		})
	}
}
