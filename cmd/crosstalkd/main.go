// Command crosstalkd runs one cluster member: it joins the NATS-backed
// cluster, serves session and room tasks and exposes Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosstalk-im/crosstalk/adapters/nats"
	"github.com/crosstalk-im/crosstalk/adapters/prometheus"
	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/node"
	"github.com/crosstalk-im/crosstalk/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", slog.Any("error", err))
			os.Exit(1)
		}
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("crosstalkd failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var metrics cluster.Metrics = cluster.NopMetrics()
	if cfg.Metrics.Enabled {
		reg := promclient.NewRegistry()
		metrics = prometheus.NewClusterMetrics(reg)
		go serveMetrics(ctx, log, cfg.Metrics.Addr, reg)
	}

	connect := nats.ConnectDefault()
	if cfg.NATS.URL != "" {
		connect = nats.ConnectURL(cfg.NATS.URL)
	}

	transport, err := nats.NewTransport(ctx, nats.TransportConfig{
		Connect:           connect,
		Log:               log,
		SubjectPrefix:     cfg.NATS.SubjectPrefix,
		NodeID:            cluster.NodeID(cfg.Node.ID),
		HeartbeatInterval: cfg.NATS.HeartbeatInterval,
		PeerTTL:           cfg.NATS.PeerTTL,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	member, err := node.Run(node.Config{
		Context:        ctx,
		Log:            log,
		Transport:      transport,
		RequestTimeout: cfg.Node.RequestTimeout,
		SyncTimeout:    cfg.Node.SyncTimeout,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	defer member.Stop()

	log.Info("crosstalkd running",
		slog.String("node", string(member.ID())),
		slog.String("senior", string(member.Dispatcher().Senior())))

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, reg *promclient.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", slog.Any("error", err))
	}
}
