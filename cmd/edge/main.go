// Package main implements a Parlor edge node. An edge node registers with the
// coordinator, serves the sessions assigned to it, mirrors the coordinator's
// asset and room operations, and keeps a local cache of finished assets for
// low-latency downloads.
//
// Configuration:
//   - EDGE_CONFIG: Optional path to a YAML config file
//   - EDGE_LISTEN: Listen address (default ":8081")
//   - EDGE_ADDR: Address the coordinator and sessions reach this node on
//   - COORDINATOR_ADDR: Coordinator base URL (required)
//   - EDGE_DATA_DIR: Asset cache directory (default "uploads/edge")
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

	"github.com/dreamware/parlor/internal/config"
	"github.com/dreamware/parlor/internal/edge"
	"github.com/dreamware/parlor/internal/metrics"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.LoadEdge(os.Getenv("EDGE_CONFIG"))
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	node := edge.NewNode(cfg, metrics.New(registry), logger)

	mux := node.Handler()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := node.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("node stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("edge node listening",
			zap.String("addr", cfg.Listen), zap.String("public_addr", cfg.PublicAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("edge node stopped")
}

func newLogger() *zap.Logger {
	if os.Getenv("APP_ENV") == "development" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
