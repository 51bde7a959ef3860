package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerlink/internal/server/api"
	"peerlink/internal/server/config"
	"peerlink/internal/server/database"
	"peerlink/internal/server/events"
	"peerlink/internal/server/metrics"
	"peerlink/internal/server/peer"
	"peerlink/internal/server/registry"
	"peerlink/internal/server/service"
	"peerlink/internal/server/storage"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Load config
	cfg := config.Load()

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"stream_port", cfg.StreamPort,
		"data_dir", cfg.DataDir,
		"max_file_size", cfg.MaxFileSize,
		"default_ttl", cfg.DefaultTTL,
	)

	ctx := context.Background()

	// Optional transfer ledger
	var (
		ledger   service.Recorder
		readSide api.Ledger
	)
	if cfg.DatabaseURL != "" {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("database migrations complete")

		repo := database.NewRepository(db)
		ledger = repo
		readSide = ledgerReader{Repository: repo, db: db}
	} else {
		slog.Info("DATABASE_URL not set, transfer ledger disabled")
	}

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.UploadDir(), cfg.PartsDir())
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("file storage initialized", "uploads", cfg.UploadDir(), "parts", cfg.PartsDir())

	// Core components
	shares := registry.New(
		registry.WithDefaultTTL(cfg.DefaultTTL),
		registry.WithHasher(registry.NewBcryptHasher(cfg.BcryptCost)),
	)
	hub := events.NewHub()
	uploads := service.NewUploadService(shares, store, hub, ledger, service.UploadLimits{
		MaxFileSize:      cfg.MaxFileSize,
		MaxMultipartSize: cfg.MaxMultipartSize,
	})
	downloads := service.NewDownloadService(shares, hub, ledger)

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promReg, metrics.Gauges{
		Shares:         shares.Len,
		SharedBytes:    shares.Bytes,
		Subscribers:    hub.Total,
		PendingUploads: uploads.Pending,
	})
	if err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Background work
	bgCtx, bgCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(shares, uploads, cfg.StaleUploadAge, cfg.SweepInterval)
	cleanup.Start(bgCtx)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		hub.Run(bgCtx, cfg.HeartbeatInterval)
	}()

	// Raw TCP stream server
	streamSrv := peer.NewServer(downloads, m)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.StreamPort)
		slog.Info("starting stream server", "addr", addr)
		if err := streamSrv.ListenAndServe(addr); err != nil {
			slog.Error("stream server stopped", "error", err)
		}
	}()

	// Setup HTTP router
	handler := api.NewHandler(api.Deps{
		Uploads:   uploads,
		Downloads: downloads,
		Hub:       hub,
		Registry:  shares,
		Ledger:    readSide,
		Metrics:   m,
	})
	e := api.SetupRouter(handler, cfg, m)
	// Event streams only end when their request context does.
	e.Server.BaseContext = func(net.Listener) context.Context { return bgCtx }

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Cancelling bgCtx stops heartbeats and sweeps and releases open
	// event streams so Shutdown does not wait on them.
	bgCancel()
	<-heartbeatDone
	cleanup.Wait()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := streamSrv.Close(); err != nil {
		slog.Error("stream server close failed", "error", err)
	}

	slog.Info("server exited cleanly")
}

// ledgerReader joins the repository queries with the pool health check.
type ledgerReader struct {
	*database.Repository
	db *database.DB
}

func (l ledgerReader) HealthCheck(ctx context.Context) error {
	return l.db.HealthCheck(ctx)
}
