// relay-worker is the standalone query runner process. It consumes task
// messages from the broker and executes them against local data sources,
// writing parquet results or pushing streams back to originating relays.
// In single-binary deployments the same pool runs inside relayd instead.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/messaging"
	"github.com/relaymesh/relay/internal/objstore"
	"github.com/relaymesh/relay/internal/pki"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/relaymesh/relay/internal/results"
	"github.com/relaymesh/relay/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.BrokerOpts.Type == config.BrokerInProcess {
		slog.Error("the in-memory broker cannot feed a standalone worker; use RabbitMQ or run relayd in single-binary mode")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	catalog := postgres.NewCatalog(pool)

	cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		slog.Error("failed to load client certificate", "error", err)
		os.Exit(1)
	}
	caPool, err := pki.LoadCertPool(cfg.CACertFile)
	if err != nil {
		slog.Error("failed to load CA bundle", "error", err)
		os.Exit(1)
	}
	clientTLS := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}

	store, err := objstore.New(ctx, objstore.Options{
		Kind:   cfg.ResultObjectStore,
		Bucket: cfg.ResultBucket,
		Region: cfg.ResultRegion,
		Prefix: cfg.ResultPrefix,
	})
	if err != nil {
		slog.Error("failed to initialize result object store", "error", err)
		os.Exit(1)
	}

	queue, err := messaging.New(cfg.BrokerOpts)
	if err != nil {
		slog.Error("failed to initialize message broker", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	w := &worker.Worker{
		Catalog:    catalog,
		Queue:      queue,
		Results:    results.NewManager(store, clientTLS),
		HTTPClient: &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}},
	}

	n := worker.PoolSize(cfg.MinParallelismPerWorker)
	slog.Info("starting relay-worker", "workers", n, "relay", cfg.RelayName)

	if err := worker.RunPool(ctx, w, n); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker pool exited", "error", err)
		os.Exit(1)
	}
	slog.Info("relay-worker shutdown complete")
}
