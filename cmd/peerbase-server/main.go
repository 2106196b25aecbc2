// Command peerbase-server runs one node of the distributed storage core:
// it loads configuration, restores the schema catalog from disk, starts
// peer discovery and the periodic checkpoint loop, and serves the
// node-to-node HTTP/1.1 wire protocol until signaled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kallio-labs/peerbase/pkg/cluster"
	"github.com/kallio-labs/peerbase/pkg/config"
	"github.com/kallio-labs/peerbase/pkg/coordinator"
	"github.com/kallio-labs/peerbase/pkg/persistence"
	"github.com/kallio-labs/peerbase/pkg/placement"
	"github.com/kallio-labs/peerbase/pkg/replication"
	"github.com/kallio-labs/peerbase/pkg/schema"
	"github.com/kallio-labs/peerbase/pkg/server"
	"github.com/kallio-labs/peerbase/pkg/table"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file (env vars always take priority)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// run builds every collaborator, starts the background loops, serves the
// wire protocol, and blocks until a termination signal triggers graceful
// shutdown. Grounded on the teacher's cmd/server/main.go lifecycle shape
// (structured logging, signal channel, deferred shutdown) with the
// graph/licensing/encryption/TLS machinery that doesn't apply here dropped.
func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("peerbase starting",
		"self_id", cfg.SelfID,
		"self_addr", cfg.SelfAddr,
		"data_path", cfg.DataPath,
		"port", cfg.Port,
	)

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return fmt.Errorf("creating data path %s: %w", cfg.DataPath, err)
	}

	catalog := schema.New(cfg.DataPath)
	if err := catalog.LoadAll(); err != nil {
		return fmt.Errorf("loading schema catalog: %w", err)
	}

	registry := prometheus.NewRegistry()

	roster := cluster.NewRoster(cluster.Options{
		SelfID:         cfg.SelfID,
		SelfAddr:       cfg.SelfAddr,
		PingInterval:   time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		NetworkTimeout: time.Duration(cfg.NetworkTimeoutMS) * time.Millisecond,
		NodeTimeout:    time.Duration(cfg.NodeTimeoutMS) * time.Millisecond,
	})
	roster.Start()
	defer roster.Stop()

	placementPolicy := placement.New(cfg.SelfID)
	tables := table.NewRegistry(cfg.DataPath)

	applier := replication.New(catalog, tables)
	originator := coordinator.New(cfg.SelfID, tables, placementPolicy, roster)

	scheduler := persistence.New(catalog, tables, roster,
		time.Duration(cfg.PersistIntervalMS)*time.Millisecond,
		cfg.AllowOfflinePersist,
		registry,
	)
	go scheduler.Run()
	defer scheduler.Shutdown()

	wire := server.New(server.SelfRecord{ID: cfg.SelfID}, catalog, applier, scheduler).WithOriginator(originator)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: wire.Router(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("wire server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("wire server: %w", err)
		}
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("wire server shutdown error", "error", err)
	}

	logger.Info("peerbase stopped")
	return nil
}
