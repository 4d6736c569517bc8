// Package main implements the entry point for the docrelay node. Docrelay
// is a store-and-forward document relay: payloads submitted by local
// domains are split into fragments, dispatched over NATS JetStream to
// their recipient domains, confirmed fragment by fragment, and rebuilt on
// the receiving side.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/docrelay/blobstore"
	"github.com/c360/docrelay/config"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/natsclient"
	"github.com/c360/docrelay/pkg/retry"
	"github.com/c360/docrelay/protocol/store"
	"github.com/c360/docrelay/reconcile"
	"github.com/c360/docrelay/transport/natstransport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "docrelay"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	routes, err := loadRoutes(cfg, logger)
	if err != nil {
		return err
	}

	natsClient, err := connectNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	registry := metric.NewRegistry()
	metricsServer := startMetrics(cfg, registry, logger)

	blobs, err := buildBlobStore(ctx, cfg, natsClient)
	if err != nil {
		return err
	}
	protocolStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer protocolStore.Close()

	transport, err := natstransport.New(ctx, natsClient, cfg.Node.LocalDomains, logger, natstransport.Config{})
	if err != nil {
		return err
	}

	service, err := reconcile.NewService(reconcile.Options{
		Store:            protocolStore,
		Blobs:            blobs,
		Transport:        transport,
		Routes:           routes,
		LocalDomains:     cfg.Node.LocalDomains,
		Metrics:          registry.CoreMetrics(),
		Logger:           logger,
		FragmentSize:     cfg.Protocol.FragmentSize,
		DeprecationDelay: cfg.Protocol.DeprecationDelay,
		StaleAfter:       cfg.Protocol.StaleAfter,
		CycleInterval:    cfg.Protocol.CycleInterval,
	})
	if err != nil {
		return err
	}

	if err := service.Start(ctx); err != nil {
		return err
	}
	logger.Info("relay node running",
		"node_id", cfg.Node.ID,
		"local_domains", cfg.Node.LocalDomains,
		"storage", cfg.Storage.Mode,
		"blob", cfg.Blob.Mode)

	waitForShutdown(logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := service.Stop(); err != nil {
			logger.Error("stopping reconciliation failed", "error", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil {
				logger.Error("stopping metrics server failed", "error", err)
			}
		}
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(cliCfg.ShutdownTimeout):
		logger.Error("shutdown timed out", "timeout", cliCfg.ShutdownTimeout)
	}
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting docrelay (store-and-forward document relay)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

func loadConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// loadRoutes reads the YAML routing table. A missing table is allowed and
// means no routing restrictions, which is logged loudly.
func loadRoutes(cfg *config.Config, logger *slog.Logger) (*config.RoutingTable, error) {
	path := cfg.Protocol.RoutesPath
	if path == "" {
		logger.Warn("no routing table configured, all routes allowed")
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warn("routing table not found, all routes allowed", "path", path)
		return nil, nil
	}
	routes, err := config.LoadRoutingTable(path)
	if err != nil {
		return nil, fmt.Errorf("loading routing table: %w", err)
	}
	logger.Info("routing table loaded", "path", path, "senders", len(routes.Routes))
	return routes, nil
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	url := "nats://localhost:4222"
	if len(cfg.NATS.URLs) > 0 {
		url = strings.Join(cfg.NATS.URLs, ",")
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Node.ID),
		natsclient.WithLogger(&slogAdapter{logger: logger.With("component", "nats")}),
	}
	if cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	// The broker frequently comes up alongside the node; back off briefly
	// instead of failing on the first refused connection.
	err = retry.Do(connectCtx, retry.Quick(), func() error {
		return client.Connect(connectCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return client, nil
}

func startMetrics(cfg *config.Config, registry *metric.Registry, logger *slog.Logger) *metric.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}
	server := metric.NewServer(cfg.Metrics.Addr, "/metrics", registry)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics endpoint up", "addr", cfg.Metrics.Addr)
	return server
}

func buildBlobStore(ctx context.Context, cfg *config.Config, client *natsclient.Client) (blobstore.Store, error) {
	switch cfg.Blob.Mode {
	case config.BlobModeMemory:
		return blobstore.NewMemory(), nil
	case config.BlobModeObjectStore:
		return blobstore.NewObjectStore(ctx, client, blobstore.ObjectStoreConfig{
			BucketName: cfg.Blob.Bucket,
		})
	default:
		return nil, fmt.Errorf("unknown blob mode: %s", cfg.Blob.Mode)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Mode {
	case config.StorageModeMemory:
		return store.NewMemory(), nil
	case config.StorageModePostgres:
		return store.NewPostgres(ctx, cfg.Storage.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage mode: %s", cfg.Storage.Mode)
	}
}

func waitForShutdown(logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("shutdown signal received", "signal", received.String())
}
