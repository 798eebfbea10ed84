// Package hub provides a reusable orchestrator server that can be
// embedded in other binaries (tests, the demo, the serve command).
package hub

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agorahub/agora/internal/agent/lifecycle"
	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/config"
	"github.com/agorahub/agora/internal/hub/db"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/rest"
	"github.com/agorahub/agora/internal/hub/rpc"
	"github.com/agorahub/agora/internal/hub/scenario"
	"github.com/agorahub/agora/internal/hub/store"
	"github.com/agorahub/agora/internal/logging"
	"github.com/agorahub/agora/internal/metrics"
)

// Server is a reusable orchestrator server instance.
type Server struct {
	cfg        *config.Config
	sqlDB      *sql.DB
	store      *store.Store
	scenarios  *scenario.Store
	orch       *orch.Orchestrator
	lifecycle  *lifecycle.Manager
	server     *http.Server
	shutdownCh chan struct{}
}

// NewServer creates a new orchestrator server. It opens the database,
// runs migrations, and wires the stores, bus, orchestrator, lifecycle
// manager and HTTP surfaces. Call Serve() to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.OpenTimeout(cfg.DBPath(), cfg.DBBusyTimeout())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)
	scenarios := scenario.New(sqlDB)

	deliveryPolicy := bus.Block
	if cfg.DropSlow {
		deliveryPolicy = bus.DropSlow
	}
	eventBus := bus.New(cfg.SubscriberBuffer, deliveryPolicy)

	o := orch.New(st, eventBus, nil, scenarios, orch.Config{
		IdleTurn:         cfg.IdleTurn(),
		WatchdogInterval: cfg.WatchdogInterval(),
	})
	o.Start()

	lc := lifecycle.NewManager(o)

	shutdownCh := make(chan struct{})
	rpcSrv := rpc.NewServer(o, lc, cfg.PingInterval(), shutdownCh)

	mux := http.NewServeMux()
	mux.Handle("/ws", rpcSrv.Handler())
	mux.Handle("/attachments/", rest.AttachmentsHandler(st))
	mux.Handle("/api/scenarios", rest.ScenariosHandler(scenarios))
	mux.Handle("/api/scenarios/", rest.ScenariosHandler(scenarios))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		sqlDB:      sqlDB,
		store:      st,
		scenarios:  scenarios,
		orch:       o,
		lifecycle:  lc,
		server:     server,
		shutdownCh: shutdownCh,
	}, nil
}

// Orchestrator exposes the composed orchestrator for in-process use
// (the demo and tests drive it directly).
func (s *Server) Orchestrator() *orch.Orchestrator {
	return s.orch
}

// Lifecycle exposes the agent lifecycle manager.
func (s *Server) Lifecycle() *lifecycle.Manager {
	return s.lifecycle
}

// Scenarios exposes the scenario blob store.
func (s *Server) Scenarios() *scenario.Store {
	return s.scenarios
}

// Serve starts the HTTP listener and blocks until ctx is cancelled,
// then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("hub shutting down...")

		// 1. Reject new WebSocket connections.
		close(s.shutdownCh)

		// 2. Stop internal agents.
		s.lifecycle.StopAll()

		// 3. Stop the watchdog and close all subscriptions.
		s.orch.Shutdown()

		// 4. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("hub listening", "addr", s.cfg.Addr)

	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}
