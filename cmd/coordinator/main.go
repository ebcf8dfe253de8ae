// Package main implements the Parlor coordinator, the authoritative process
// of the watch-party cluster. It registers edge nodes, balances sessions
// across them, owns the source-of-truth asset store, replicates assets to
// edge nodes on request, and keeps playback rooms synchronized.
//
// Configuration:
//   - COORDINATOR_CONFIG: Optional path to a YAML config file
//   - COORDINATOR_LISTEN: Listen address (default ":8080")
//   - COORDINATOR_DATA_DIR: Asset blob directory (default "uploads/coordinator")
//   - APP_ENV: "development" switches to a console-friendly logger
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/asset"
	"github.com/dreamware/parlor/internal/config"
	"github.com/dreamware/parlor/internal/coordinator"
	"github.com/dreamware/parlor/internal/metrics"
	"github.com/dreamware/parlor/internal/replication"
	"github.com/dreamware/parlor/internal/room"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.LoadCoordinator(os.Getenv("COORDINATOR_CONFIG"))
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	srv, err := newServer(cfg, metrics.New(registry), logger)
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}

	mux := srv.routes()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("coordinator listening",
			zap.String("addr", cfg.Listen), zap.Int64("epoch", srv.membership.Epoch()))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	srv.membership.Close()
	logger.Info("coordinator stopped")
}

// server composes the coordinator's components behind its HTTP surface.
type server struct {
	cfg        config.Coordinator
	membership *coordinator.Membership
	rooms      *room.Registry
	store      *asset.Store
	pipeline   *replication.Pipeline
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func newServer(cfg config.Coordinator, m *metrics.Metrics, logger *zap.Logger) (*server, error) {
	store, err := asset.NewStore(cfg.DataDir, cfg.ReservationTTL, logger)
	if err != nil {
		return nil, err
	}

	// The epoch identifies this process lifetime; everything issued under a
	// previous epoch is void.
	membership := coordinator.NewMembership(coordinator.Options{
		Epoch:            time.Now().UnixMilli(),
		ProbeInterval:    cfg.ProbeInterval,
		ProbeTimeout:     cfg.ProbeTimeout,
		MaxProbeFailures: cfg.MaxProbeFailures,
		Metrics:          m,
		Logger:           logger,
	})

	return &server{
		cfg:        cfg,
		membership: membership,
		rooms:      room.NewRegistry(cfg.RoomStaleAfter, logger),
		store:      store,
		pipeline:   replication.NewPipeline(store, cfg.ChunkSize, m, logger),
		metrics:    m,
		logger:     logger.Named("coordinator"),
	}, nil
}

func newLogger() *zap.Logger {
	if os.Getenv("APP_ENV") == "development" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
