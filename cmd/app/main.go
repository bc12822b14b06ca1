// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/config"
	"generation-reconciler/internal/domain/ports/adapter"
	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/infra/adapters/provider"
	tele "generation-reconciler/internal/infra/adapters/telegram"
	"generation-reconciler/internal/infra/api"
	"generation-reconciler/internal/infra/db/memory"
	pg "generation-reconciler/internal/infra/db/postgres"
	"generation-reconciler/internal/infra/i18n"
	"generation-reconciler/internal/infra/logging"
	"generation-reconciler/internal/infra/metrics"
	red "generation-reconciler/internal/infra/redis"
	"generation-reconciler/internal/infra/resilience"
	"generation-reconciler/internal/infra/sched"
	"generation-reconciler/internal/infra/scheduler"
	"generation-reconciler/internal/infra/tokens"
	"generation-reconciler/internal/infra/worker"
	"generation-reconciler/internal/usecase"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

// stores groups the persistence ports; Redis replaces the coordination
// ones when configured.
type stores struct {
	jobs      repository.JobRepository
	movements repository.LedgerRepository
	dedup     repository.DedupRepository
	tx        repository.TransactionManager
	locker    repository.Locker
	cache     repository.StatusCache
	limiter   repository.RateLimiter
	// periodic storage tasks, e.g. pool stats
	tasks []scheduler.Task
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, optional jwt secret)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	logger.Info().Str("version", version).Str("storage", cfg.Storage.Driver).Bool("dev", cfg.Runtime.Dev).Msg("starting generation reconciler")

	// ---- Storage ----
	st, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage")
	}
	defer closeStorage()

	// ---- Reliability + providers ----
	exec := resilience.NewExecutor(resilience.ExecutorConfig{
		Breaker: resilience.BreakerSettings{
			FailureThreshold: cfg.Reliability.FailureThreshold,
			Cooldown:         cfg.Reliability.Cooldown,
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.Reliability.MaxAttempts,
			BaseDelay:   cfg.Reliability.BaseDelay,
			MaxDelay:    cfg.Reliability.MaxDelay,
		},
		CallTimeout: cfg.Reliability.CallTimeout,
	}, logger)

	httpClient := &http.Client{Timeout: cfg.Reliability.CallTimeout}
	adapters := make([]adapter.ProviderAdapter, 0, len(cfg.Providers))
	secrets := make(map[string]string, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		a, err := provider.Build(ctx, pc, httpClient, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("provider", pc.Name).Msg("provider")
		}
		adapters = append(adapters, a)
		secrets[pc.Name] = pc.CallbackSecret
		logger.Info().Str("provider", pc.Name).Str("type", pc.Type).Strs("capabilities", pc.Capabilities).Msg("provider registered")
	}
	router, err := provider.NewRouter(exec, adapters, cfg.Reliability.SelectionTTL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("provider router")
	}

	// ---- Delivery ----
	deliverer, err := newDeliverer(cfg.Delivery, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("delivery")
	}

	// ---- Use cases ----
	pricing, err := usecase.NewPricing(cfg.Pricing.BaseMicros, cfg.Pricing.PromptTokenMicros, logger,
		tokens.NewTiktokenCounter(cfg.Pricing.Encoding), tokens.RuneCounter{})
	if err != nil {
		logger.Fatal().Err(err).Msg("pricing")
	}
	hub := api.NewStreamHub(logger)
	registry := usecase.NewJobRegistry(st.jobs, logger, usecase.TransitionMetrics, hub)
	ledger := usecase.NewLedger(registry, st.movements, st.tx, logger)
	reconciler := usecase.NewReconciler(registry, ledger, st.dedup, st.locker, deliverer, usecase.ReconcilerConfig{
		DedupWindow:   cfg.Reconciler.DedupWindow,
		ClaimLease:    cfg.Reconciler.ClaimLease,
		SettleLockTTL: cfg.Reconciler.SettleLockTTL,
		Delivery: resilience.RetryPolicy{
			MaxAttempts: cfg.Reconciler.DeliveryAttempts,
			BaseDelay:   cfg.Reliability.BaseDelay,
			MaxDelay:    cfg.Reliability.MaxDelay,
		},
		DeliveryTimeout:     cfg.Reconciler.DeliveryTimeout,
		MaxDeliveryAttempts: cfg.Reconciler.MaxDeliveryAttempts,
	}, logger)
	submitter := usecase.NewSubmitter(registry, ledger, pricing, router, exec, reconciler, st.cache, st.limiter, usecase.SubmitterConfig{
		CallbackBaseURL: cfg.HTTP.PublicBaseURL,
		SubmitLimit:     cfg.SubmitLimit.PerOwner,
		SubmitWindow:    cfg.SubmitLimit.Window,
	}, logger)

	// ---- Background workers ----
	pool := worker.NewPool(cfg.Scheduler.Workers, logger)
	pool.Start(ctx)
	sc := cfg.Scheduler
	schedulers := []*scheduler.Scheduler{
		scheduler.NewScheduler(sc.SettlementInterval, 0, sched.NewSettlementSweeper(reconciler, st.jobs, pool, sc.SettlementGrace, logger), logger),
		scheduler.NewScheduler(sc.AbandonInterval, 0, sched.NewAbandonWorker(reconciler, st.jobs, pool, sc.AbandonAfter, sc.AbandonMaxAge, logger), logger),
		scheduler.NewScheduler(sc.PurgeInterval, 0, sched.NewDedupPurger(st.dedup, logger), logger),
	}
	for _, t := range st.tasks {
		schedulers = append(schedulers, scheduler.NewScheduler(15*time.Second, 0, t, logger))
	}
	if pollers := router.Pollers(); len(pollers) > 0 {
		poller := sched.NewStatusPoller(reconciler, st.jobs, pollers, exec, pool, sc.PollInterval, logger)
		schedulers = append(schedulers, scheduler.NewScheduler(sc.PollInterval, 0, poller, logger))
	}
	for _, s := range schedulers {
		s.Start(ctx)
	}

	// ---- HTTP ----
	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	srv := api.NewServer(api.ServerConfig{
		Port:            cfg.HTTP.Port,
		RequestTimeout:  cfg.HTTP.RequestTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	},
		api.NewCallbackHandler(reconciler, secrets, logger),
		api.NewJobHandlers(submitter, registry, logger),
		hub, auth, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown requested")

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	for _, s := range schedulers {
		s.Stop()
	}
	cancel()
	pool.Stop()
	logger.Info().Msg("bye")
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*stores, func(), error) {
	var st stores
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn().Msg("in-memory storage: state is lost on restart")
		st = stores{
			jobs:      memory.NewJobRepo(),
			movements: memory.NewLedgerRepo(),
			dedup:     memory.NewDedupRepo(),
			tx:        memory.NewTxManager(),
			locker:    memory.NewLocker(),
		}
	default:
		pool, err := pg.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		tm := pg.NewTxManager(pool)
		st = stores{
			jobs:      pg.NewJobRepo(pool),
			movements: pg.NewLedgerRepo(pool, tm),
			dedup:     pg.NewDedupRepo(pool),
			tx:        tm,
			// without Redis the per-job lock is process-local; the job CAS
			// still keeps state consistent across replicas
			locker: memory.NewLocker(),
			tasks:  []scheduler.Task{pg.NewPoolStats(pool)},
		}
	}

	if cfg.Redis.URL != "" {
		client, err := red.NewClient(ctx, cfg.Redis)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		st.dedup = red.NewDedupStore(client)
		st.locker = red.NewLocker(client)
		st.cache = red.NewStatusCache(client, cfg.Redis.TTL)
		st.limiter = red.NewRateLimiter(client)
		logger.Info().Msg("redis coordination enabled")
	}
	return &st, closeAll, nil
}

func newDeliverer(cfg config.DeliveryConfig, logger *zerolog.Logger) (adapter.Deliverer, error) {
	if len(cfg.Channels) == 0 {
		logger.Warn().Msg("no delivery channels configured; results are only logged")
		return tele.NewNoopDeliverer(logger), nil
	}
	tr, err := i18n.NewTranslator(i18n.LocalesFS, cfg.Language)
	if err != nil {
		return nil, err
	}
	d, err := tele.NewBotDeliverer(cfg, tr, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}
