// relayd is the relay server process. It serves the REST surface (query
// submission, result retrieval, admin apply) and the Arrow flight surface
// (synchronous scatter/gather, result ingestion), and — when the in-process
// broker is configured — runs the query worker pool in the same binary.
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
	"time"

	"github.com/relaymesh/relay/internal/admin"
	"github.com/relaymesh/relay/internal/api"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/engine"
	"github.com/relaymesh/relay/internal/flightserv"
	"github.com/relaymesh/relay/internal/messaging"
	"github.com/relaymesh/relay/internal/objstore"
	"github.com/relaymesh/relay/internal/pki"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/relaymesh/relay/internal/reaper"
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

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	catalog := postgres.NewCatalog(pool)
	slog.Info("catalog initialized")

	localIdentity, err := pki.FingerprintFromFile(cfg.ClientCertFile)
	if err != nil {
		slog.Error("failed to read relay client certificate", "error", err)
		os.Exit(1)
	}

	clientTLS, err := buildClientTLS(cfg)
	if err != nil {
		slog.Error("failed to build client TLS config", "error", err)
		os.Exit(1)
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
	resultManager := results.NewManager(store, clientTLS)
	slog.Info("result manager initialized", "backend", cfg.ResultObjectStore)

	queue, err := messaging.New(cfg.BrokerOpts)
	if err != nil {
		slog.Error("failed to initialize message broker", "error", err)
		os.Exit(1)
	}
	defer queue.Close()
	slog.Info("message broker initialized", "type", cfg.BrokerOpts.Type)

	// Register this relay in its own catalog so origination checks resolve.
	if _, err := catalog.UpsertRelay(ctx, relaySelf(cfg, localIdentity)); err != nil {
		slog.Error("failed to register local relay", "error", err)
		os.Exit(1)
	}

	if cfg.DefaultRelayAdmin != "" {
		if err := admin.RegisterDefaultAdmin(ctx, catalog, cfg.DefaultRelayAdmin); err != nil {
			slog.Error("failed to register default admin", "error", err)
			os.Exit(1)
		}
		slog.Info("default relay admin registered", "cert", cfg.DefaultRelayAdmin)
	}

	eng := &engine.Engine{
		Catalog:          catalog,
		Queue:            queue,
		LocalFingerprint: localIdentity.Fingerprint,
	}

	// Flight service.
	flightSvc := &flightserv.Server{
		Engine:           eng,
		Catalog:          catalog,
		Results:          resultManager,
		ClientTLS:        clientTLS,
		ClientCertHeader: cfg.ClientCertHeader,
		LocalFingerprint: localIdentity.Fingerprint,
	}
	var flightTLS *tls.Config
	if cfg.DirectTLS {
		flightTLS, err = buildServerTLS(cfg)
		if err != nil {
			slog.Error("failed to build server TLS config", "error", err)
			os.Exit(1)
		}
	}
	flightErr := make(chan error, 1)
	go func() { flightErr <- flightserv.Serve(cfg.FlightAddr, flightSvc, flightTLS) }()

	// REST service.
	srv := &api.Server{
		Engine:           eng,
		Catalog:          catalog,
		Results:          resultManager,
		LocalFingerprint: localIdentity.Fingerprint,
		ClientCertHeader: cfg.ClientCertHeader,
	}
	httpServer := &http.Server{
		Addr:              cfg.RestURL + ":" + cfg.RestPort,
		Handler:           api.NewRouter(srv),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	httpErr := make(chan error, 1)
	if cfg.DirectTLS {
		serverTLS, err := buildServerTLS(cfg)
		if err != nil {
			slog.Error("failed to build server TLS config", "error", err)
			os.Exit(1)
		}
		httpServer.TLSConfig = serverTLS
		go func() { httpErr <- httpServer.ListenAndServeTLS(cfg.ServerCertFile, cfg.ServerKeyFile) }()
		slog.Info("starting relayd (direct mTLS)", "addr", httpServer.Addr, "relay", cfg.RelayName)
	} else {
		go func() { httpErr <- httpServer.ListenAndServe() }()
		slog.Info("starting relayd (behind proxy)", "addr", httpServer.Addr, "relay", cfg.RelayName,
			"client_cert_header", cfg.ClientCertHeader)
	}

	// Single-binary mode: the in-process broker only works when the worker
	// pool shares the process.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	if cfg.BrokerOpts.Type == config.BrokerInProcess {
		w := &worker.Worker{
			Catalog:    catalog,
			Queue:      queue,
			Results:    resultManager,
			HTTPClient: &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}},
		}
		go func() {
			if err := worker.RunPool(workerCtx, w, worker.PoolSize(cfg.MinParallelismPerWorker)); err != nil &&
				!errors.Is(err, context.Canceled) {
				slog.Error("in-process worker pool exited", "error", err)
			}
		}()
	}

	// Optional stale-task reaper.
	var taskReaper *reaper.Reaper
	if schedule := os.Getenv("TASK_REAPER_SCHEDULE"); schedule != "" {
		taskReaper = reaper.New(catalog, schedule, os.Getenv("TASK_REAPER_TTL"))
		if err := taskReaper.Start(ctx); err != nil {
			slog.Error("failed to start task reaper", "error", err)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-httpErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	case err := <-flightErr:
		slog.Error("flight server failed", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	stopWorkers()
	if taskReaper != nil {
		taskReaper.Stop()
	}

	slog.Info("relayd shutdown complete")
}

// relaySelf builds this relay's own catalog row from config and identity.
func relaySelf(cfg *config.Settings, id pki.Identity) *domain.Relay {
	return &domain.Relay{
		Name:           cfg.RelayName,
		RestEndpoint:   "https://" + cfg.RestURL + ":" + cfg.RestPort,
		FlightEndpoint: "https://" + cfg.FlightAddr,
		X509Sha256:     id.Fingerprint,
		X509Subject:    id.SubjectDN,
		X509Issuer:     id.IssuerDN,
	}
}

// buildClientTLS assembles the relay's client identity for dialing peers.
func buildClientTLS(cfg *config.Settings) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, err
	}
	pool, err := pki.LoadCertPool(cfg.CACertFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// buildServerTLS assembles the listener config for direct-TLS mode. Client
// certificates are requested and verified against the mesh CA.
func buildServerTLS(cfg *config.Settings) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ServerCertFile, cfg.ServerKeyFile)
	if err != nil {
		return nil, err
	}
	pool, err := pki.LoadCertPool(cfg.CACertFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
