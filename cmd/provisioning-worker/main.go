package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/bucket"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/config"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/metrics"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/provisioning"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/server"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenantdb"
)

func main() {
	var (
		configFile  string
		metricsAddr string
	)
	flag.StringVar(&configFile, "config", "config/control-plane.yml", "Configuration file path")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9102", "Metrics listen address")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.NATS.URL == "" {
		log.Fatal().Msg("The provisioning worker requires NATS")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, storage.WithDescriptorKey(cfg.Tenancy.DescriptorKey))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	registry := metrics.NewRegistry()

	factory := tenantdb.NewFactory(store.DB(), store,
		tenantdb.WithPool(tenantdb.PoolConfig{
			MaxOpenConns:    cfg.Tenancy.MaxOpenConns,
			MaxIdleConns:    cfg.Tenancy.MaxIdleConns,
			ConnMaxLifetime: cfg.Tenancy.ConnMaxLifetime,
		}),
		tenantdb.WithMetrics(registry.TenantDB),
	)
	defer factory.Shutdown()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.Server.Name+"-worker"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Drain()

	// Workers on several hosts need the shared lock
	var locker provisioning.Locker = provisioning.NewLocalLocker()
	if cfg.Provisioning.Locker == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		locker = provisioning.NewRedisLocker(client)
	} else {
		log.Warn().Msg("Using an in-process lock; run a single worker")
	}

	var buckets bucket.Provisioner
	if cfg.Storage.Driver == "nats" {
		js, err := nc.JetStream()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open JetStream")
		}
		buckets = bucket.NewNATSObjectStore(js, 1)
	} else {
		buckets, err = bucket.NewLocalProvisioner(cfg.Storage.LocalDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create bucket provisioner")
		}
	}

	jobs := provisioning.NewService(store, factory, buckets, locker,
		provisioning.NewNATSDispatcher(nc, cfg.Provisioning.Subject),
		provisioning.Config{
			DedicatedDSNTemplate: cfg.Tenancy.DedicatedDSNTemplate,
			StaleAfter:           cfg.Provisioning.StaleAfter,
			LockTTL:              cfg.Provisioning.LockTTL,
			AutoRetry:            cfg.Provisioning.AutoRetry,
			MaxAttempts:          cfg.Provisioning.MaxAttempts,
			DispatcherName:       "nats",
		},
		provisioning.WithMetrics(registry.Provisioning),
		provisioning.WithAudit(audit.NewService(store)),
	)

	pool := provisioning.NewWorkerPool(cfg.Provisioning.Workers, cfg.Provisioning.QueueSize)
	pool.Start(ctx, jobs.ProcessJob)

	subscriber := server.NewJobSubscriber(nc, cfg.Provisioning.Subject, cfg.Provisioning.QueueGroup, pool)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Provisioning job subscriber failed")
		}
	}()

	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", metricsAddr).Msg("Starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	log.Info().
		Int("workers", cfg.Provisioning.Workers).
		Str("subject", cfg.Provisioning.Subject).
		Msg("Provisioning worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("addr", metricsAddr).Msg("Failed to stop metrics server")
	}

	wg.Wait()
	pool.Wait()

	log.Info().Msg("Provisioning worker stopped")
}
