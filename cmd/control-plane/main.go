package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/api"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/bucket"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/company"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/config"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/integration"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/isolation"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/membership"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/metrics"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/projects"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/provisioning"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenant"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenantdb"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/control-plane.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	store, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, storage.WithDescriptorKey(cfg.Tenancy.DescriptorKey))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate platform schema")
		}
	}

	log.Info().Msg("Connected to database")

	registry := metrics.NewRegistry()

	factory := tenantdb.NewFactory(store.DB(), store,
		tenantdb.WithPool(tenantdb.PoolConfig{
			MaxOpenConns:    cfg.Tenancy.MaxOpenConns,
			MaxIdleConns:    cfg.Tenancy.MaxIdleConns,
			ConnMaxLifetime: cfg.Tenancy.ConnMaxLifetime,
		}),
		tenantdb.WithMetrics(registry.TenantDB),
	)
	if err := factory.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tenant database factory")
	}
	defer factory.Shutdown()

	// Optional NATS connection
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Drain()
			log.Info().Msg("Connected to NATS")
		}
	}

	locker, err := newLocker(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create provisioning locker")
	}

	buckets, err := newBucketProvisioner(cfg, nc)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bucket provisioner")
	}

	// Provisioning dispatch
	var (
		dispatcher provisioning.Dispatcher
		pool       *provisioning.WorkerPool
	)
	switch cfg.Provisioning.Dispatch {
	case "nats":
		if nc == nil {
			log.Fatal().Msg("NATS dispatch requires a NATS connection")
		}
		dispatcher = provisioning.NewNATSDispatcher(nc, cfg.Provisioning.Subject)
	default:
		pool = provisioning.NewWorkerPool(cfg.Provisioning.Workers, cfg.Provisioning.QueueSize)
		dispatcher = pool
	}

	// Services
	auditSvc := audit.NewService(store)
	members := membership.NewService(store, auditSvc)
	iso := isolation.NewService(store, auditSvc,
		isolation.Config{MaxEmergencyMinutes: cfg.Isolation.MaxEmergencyMinutes},
		isolation.WithMetrics(registry.Isolation),
	)
	base := tenant.NewBase(members, iso, auditSvc, cfg.Isolation.BypassEnabled())

	jobs := provisioning.NewService(store, factory, buckets, locker, dispatcher, provisioning.Config{
		DedicatedDSNTemplate: cfg.Tenancy.DedicatedDSNTemplate,
		StaleAfter:           cfg.Provisioning.StaleAfter,
		LockTTL:              cfg.Provisioning.LockTTL,
		AutoRetry:            cfg.Provisioning.AutoRetry,
		MaxAttempts:          cfg.Provisioning.MaxAttempts,
		DispatcherName:       cfg.Provisioning.Dispatch,
	},
		provisioning.WithMetrics(registry.Provisioning),
		provisioning.WithAudit(auditSvc),
	)

	notifiers := company.Notifiers{company.LogNotifier{}}
	if nc != nil {
		notifiers = append(notifiers, company.NewNATSNotifier(nc, cfg.Notify.Subject))
	}
	if forwarder := integration.NewForwarder(cfg.Notify); forwarder.Enabled() {
		defer forwarder.Close()
		notifiers = append(notifiers, forwarder)
	}
	companies := company.NewService(store, members, jobs, auditSvc, notifiers, company.Config{
		Plans:         cfg.Plans,
		InvitationTTL: cfg.Invitations.TTL,
		AppURL:        cfg.Invitations.AppURL,
	})

	// WaitGroup for services
	var wg sync.WaitGroup

	if pool != nil {
		pool.Start(ctx, jobs.ProcessJob)
		log.Info().Int("workers", cfg.Provisioning.Workers).Msg("Provisioning workers started")
	}

	// Pick up jobs left behind by a previous run, then keep sweeping
	sweep := func() {
		n, err := jobs.Recover(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Provisioning recovery failed")
			return
		}
		if n > 0 {
			log.Info().Int("jobs", n).Msg("Re-dispatched provisioning jobs")
		}
	}
	sweep()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Provisioning.StaleAfter)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()

	apiServer := api.NewRESTServer(cfg, api.Services{
		Companies:   companies,
		Jobs:        jobs,
		Memberships: members,
		Isolation:   iso,
		Audit:       auditSvc,
		Tenant:      base,
		Projects:    projects.NewService(base),
		Databases:   factory,
	}, registry)

	// Start API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Shutdown API server before stopping the workers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	cancel()

	wg.Wait()
	if pool != nil {
		pool.Wait()
	}

	log.Info().Msg("Control plane stopped")
}

func connectNATS(cfg *config.Config) (*nats.Conn, error) {
	log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

	return nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.Server.Name),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
	)
}

func newLocker(ctx context.Context, cfg *config.Config) (provisioning.Locker, error) {
	if cfg.Provisioning.Locker != "redis" {
		return provisioning.NewLocalLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return provisioning.NewRedisLocker(client), nil
}

func newBucketProvisioner(cfg *config.Config, nc *nats.Conn) (bucket.Provisioner, error) {
	if cfg.Storage.Driver != "nats" {
		return bucket.NewLocalProvisioner(cfg.Storage.LocalDir)
	}
	if nc == nil {
		return nil, errors.New("nats storage driver requires a NATS connection")
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return bucket.NewNATSObjectStore(js, 1), nil
}
