// Command capmesh-counter serves the demo Counter capability over the
// brokers named in its config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/capmesh/blobstore"
	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/broker/natsbroker"
	"github.com/c360/capmesh/broker/wsbroker"
	"github.com/c360/capmesh/capability"
	"github.com/c360/capmesh/config"
	"github.com/c360/capmesh/examples/counter"
	"github.com/c360/capmesh/metric"
	"github.com/c360/capmesh/service"
)

func main() {
	configPath := flag.String("config", getEnv("CAPMESH_CONFIG", "capmesh.yaml"),
		"Path to configuration file (env: CAPMESH_CONFIG)")
	logLevel := flag.String("log-level", getEnv("CAPMESH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CAPMESH_LOG_LEVEL)")
	logFormat := flag.String("log-format", getEnv("CAPMESH_LOG_FORMAT", "json"),
		"Log format: json, text (env: CAPMESH_LOG_FORMAT)")
	metricsAddr := flag.String("metrics-addr", getEnv("CAPMESH_METRICS_ADDR", ""),
		"Prometheus listen address, empty to disable (env: CAPMESH_METRICS_ADDR)")
	flag.Parse()

	logger := setupLogger(*logLevel, *logFormat)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	adapters, err := buildAdapters(cfg, metrics)
	if err != nil {
		logger.Error("failed to build broker adapters", "error", err)
		os.Exit(1)
	}

	demo := counter.New()
	caps, err := capability.Build(demo.Capability())
	if err != nil {
		logger.Error("failed to build capability registry", "error", err)
		os.Exit(1)
	}

	rt, err := service.New(cfg.Hierarchy, caps, adapters,
		service.WithLogger(logger),
		service.WithMetrics(metrics),
		service.WithBlobStore(blobstore.NewMemory()),
		service.WithWorkers(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize),
		service.WithRequestTimeout(cfg.Request.Timeout.Std()),
		service.WithStatusInterval(cfg.Status.Interval.Std()),
		service.WithBacklogCapacity(cfg.Events.BacklogCapacity))
	if err != nil {
		logger.Error("failed to assemble runtime", "error", err)
		os.Exit(1)
	}
	demo.BindEmitter(rt)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}
	logger.Info("counter runtime serving",
		"hierarchy", cfg.Hierarchy, "brokers", len(adapters))

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, registry, logger)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("counter runtime stopped")
}

// buildAdapters constructs one broker adapter per configured endpoint.
func buildAdapters(cfg *config.Config, metrics *metric.Metrics) ([]broker.Adapter, error) {
	adapters := make([]broker.Adapter, 0, len(cfg.Brokers))
	for i, bc := range cfg.Brokers {
		switch bc.Type {
		case config.BrokerNATS:
			opts := []natsbroker.Option{
				natsbroker.WithName(cfg.Hierarchy),
				natsbroker.WithMetrics(metrics),
			}
			if bc.Username != "" {
				opts = append(opts, natsbroker.WithCredentials(bc.Username, bc.Password))
			}
			if bc.Token != "" {
				opts = append(opts, natsbroker.WithToken(bc.Token))
			}
			if bc.TLS.Enabled {
				opts = append(opts, natsbroker.WithTLS(bc.TLS.CertFile, bc.TLS.KeyFile, bc.TLS.CAFile))
			}
			client, err := natsbroker.New(bc.URL, opts...)
			if err != nil {
				return nil, fmt.Errorf("brokers[%d]: %w", i, err)
			}
			adapters = append(adapters, client)
		case config.BrokerWebSocket:
			client, err := wsbroker.New(bc.URL, wsbroker.WithMetrics(metrics))
			if err != nil {
				return nil, fmt.Errorf("brokers[%d]: %w", i, err)
			}
			adapters = append(adapters, client)
		default:
			return nil, fmt.Errorf("brokers[%d]: unknown type %q", i, bc.Type)
		}
	}
	return adapters, nil
}

func serveMetrics(addr string, registry *metric.MetricsRegistry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server exited", "error", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
