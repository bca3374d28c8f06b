// Package embedded runs a waggle coordinator in-process, for tools that
// want blackboard coordination without a separate server.
package embedded

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/waggle/internal/claim"
	"github.com/mistakeknot/waggle/internal/dualwrite"
	"github.com/mistakeknot/waggle/internal/eventlog"
	"github.com/mistakeknot/waggle/internal/heuristic"
	"github.com/mistakeknot/waggle/internal/heuristic/capacity"
	"github.com/mistakeknot/waggle/internal/heuristic/fraud"
	httpapi "github.com/mistakeknot/waggle/internal/http"
	"github.com/mistakeknot/waggle/internal/probe"
	"github.com/mistakeknot/waggle/internal/statestore"
	"github.com/mistakeknot/waggle/internal/storage/sqlite"
	"github.com/mistakeknot/waggle/internal/trail"
	"github.com/mistakeknot/waggle/internal/ws"
)

// Config configures the embedded coordinator.
type Config struct {
	// DataDir holds the claim markers, state store, event log, and
	// database. If empty, defaults to ~/.waggle.
	DataDir string

	// Port is the HTTP port to listen on. If 0, the kernel picks one;
	// read the result from Addr after Start.
	Port int

	// Host is the host to bind to. Defaults to 127.0.0.1.
	Host string
}

// Server is an in-process waggle coordinator.
type Server struct {
	cfg     Config
	db      *sqlite.Store
	hub     *ws.Hub
	http    *http.Server
	ln      net.Listener
	started bool
	mu      sync.Mutex
}

func New(cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".waggle")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.New(filepath.Join(cfg.DataDir, "waggle.db"))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(db)

	legacy, err := statestore.NewFile(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state store: %w", err)
	}
	elog, err := eventlog.Open(filepath.Join(cfg.DataDir, "events.jsonl"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init event log: %w", err)
	}
	adapter := dualwrite.New(legacy, elog)

	chain, err := claim.New(claim.DefaultConfig(filepath.Join(cfg.DataDir, "claims")), probe.Process{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init claim chain: %w", err)
	}

	memory := heuristic.New(store, heuristic.DefaultConfig())
	hub := ws.NewHub()
	adapter.WithBroadcaster(hub)
	svc := httpapi.NewService(store, adapter, chain, trail.NewLedger(store, trail.DefaultConfig())).
		WithHeuristics(
			memory,
			fraud.NewScanner(store, fraud.DefaultScannerConfig()),
			fraud.NewResponder(store, memory, fraud.DefaultResponderConfig()),
			capacity.New(store, nil, capacity.DefaultConfig()),
		).
		WithEvents(elog).
		WithBroadcaster(hub)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		cfg:  cfg,
		db:   db,
		hub:  hub,
		http: &http.Server{Addr: addr, Handler: httpapi.NewRouter(svc, hub.Handler())},
	}, nil
}

// Start begins serving in a goroutine. It returns once the listener is
// bound, so Addr and URL are valid immediately after.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.started = true

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "waggle server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully and closes the database.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.http.Addr
}

// URL returns the base URL for the server.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}
