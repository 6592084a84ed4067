package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/config"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/infra/api"
	pg "whatsapp-ai-platform/internal/infra/db/postgres"
	"whatsapp-ai-platform/internal/infra/logging"
	"whatsapp-ai-platform/internal/infra/metrics"
	"whatsapp-ai-platform/internal/infra/queue"
	red "whatsapp-ai-platform/internal/infra/redis"
	"whatsapp-ai-platform/internal/infra/sched"
	"whatsapp-ai-platform/internal/infra/security"
	"whatsapp-ai-platform/internal/infra/tracing"
	"whatsapp-ai-platform/internal/infra/worker"
	"whatsapp-ai-platform/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode: noop gateway/AI when unconfigured, no send jitter")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker exited")
	}
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	logger.Info().Str("version", version).Bool("dev", cfg.Runtime.Dev).Msg("starting worker")

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	// ---- Postgres ----
	pool, err := pg.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	// ---- Redis ----
	rdb, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	// ---- Repositories ----
	orgs := pg.NewOrganizationRepo(pool)
	plans := pg.NewPlanRepoCacheDecorator(pg.NewPostgresPlanRepo(pool), rdb, 10*time.Minute, logger)
	instances := pg.NewInstanceRepo(pool)
	tasks := pg.NewAgentTaskRepo(pool)
	reservations := pg.NewReservationRepo(pool)
	txns := pg.NewTransactionRepo(pool)
	sent := pg.NewSentMessageRepo(pool)
	failed := pg.NewFailedJobRepo(pool)
	tm := pg.NewTxManager(pool)

	ledger := usecase.NewLedgerUseCase(orgs, reservations, txns, tasks, tm, logger)

	// ---- Queue ----
	policies, err := queuePolicies(cfg.Queue)
	if err != nil {
		return err
	}
	q := queue.New(rdb, queue.Options{
		Policies:       policies,
		IdempotencyTTL: cfg.Queue.IdempotencyTTL,
		WorkerLiveness: cfg.Queue.WorkerLiveness,
	})
	dead := worker.NewDeadLetterRecorder(failed, logger)
	q.OnDeadLetter(dead.Record)
	limiter := red.NewRateLimiter(rdb)

	// ---- Adapters ----
	ad, err := buildAdapters(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ad.Close()

	history := red.NewConversationStore(rdb, cfg.Redis.TTL, 40)
	if cfg.Redis.EncryptionKey != "" {
		sealer, err := security.NewEncryptionService(cfg.Redis.EncryptionKey)
		if err != nil {
			return fmt.Errorf("redis.encryption_key: %w", err)
		}
		history.WithSealer(sealer)
	}

	// ---- Handlers ----
	costPerStep, err := decimal.NewFromString(cfg.Billing.CostPerStep)
	if err != nil {
		return fmt.Errorf("billing.cost_per_step: %w", err)
	}
	level1, err := decimal.NewFromString(cfg.Billing.Level1Percent)
	if err != nil {
		return fmt.Errorf("billing.level1_percent: %w", err)
	}
	level2, err := decimal.NewFromString(cfg.Billing.Level2Percent)
	if err != nil {
		return fmt.Errorf("billing.level2_percent: %w", err)
	}

	sendCfg := worker.DefaultSmartSendConfig()
	sendCfg.Dev = cfg.Runtime.Dev
	sendCfg.RateLimitedDelay = cfg.Queue.RateLimitedDelay

	aiCfg := worker.DefaultAiResponseConfig()
	aiCfg.Model = cfg.AI.DefaultModel
	aiCfg.TokenBudget = cfg.AI.HistoryTokens
	aiCfg.Dev = cfg.Runtime.Dev
	aiCfg.ThrottledDelay = sendCfg.ThrottledDelay

	handlers := map[model.QueueName]worker.Handler{
		model.QueueWhatsAppSend: worker.NewSmartSendWorker(instances, orgs, plans, sent, ad.gateway, limiter, tm, sendCfg, logger),
		model.QueueAgentRun: worker.NewAgentRunner(tasks, ledger, ad.llm, ad.tools, tm, worker.AgentRunnerConfig{
			CostPerStep:      costPerStep,
			Temperature:      cfg.AI.Temperature,
			MaxTokens:        cfg.AI.MaxTokens,
			ReservationGrace: cfg.Billing.ReservationGrace,
		}, logger),
		model.QueueAiResponse: worker.NewAiResponder(ad.gateway, ad.chat, history, orgs, instances, aiCfg, logger),
		model.QueueBilling:    worker.NewBillingWorker(orgs, plans, instances, ledger, tm, logger).WithCommissions(level1, level2),
		model.QueueCompliance: worker.NewComplianceWorker(orgs, plans, instances, ad.notifier, rdb, logger),
	}

	// ---- Pools ----
	pools := make([]*worker.Pool, 0, len(handlers))
	for _, name := range model.Queues {
		p := cfg.Queue.Queues[string(name)]
		wp := worker.NewPool(q, handlers[name], limiter, dead, worker.PoolConfig{
			Queue:            name,
			Workers:          p.Workers,
			RatePerMinute:    p.RatePerMinute,
			Visibility:       p.Visibility,
			PollInterval:     cfg.Queue.PollInterval,
			RateLimitedDelay: cfg.Queue.RateLimitedDelay,
			ShutdownGrace:    cfg.Queue.ShutdownGrace,
		}, logger)
		wp.Start(ctx)
		pools = append(pools, wp)
	}

	// ---- Schedulers ----
	sweeper := sched.NewSweeper(q, orgs, red.NewLocker(rdb), sched.SweepSchedule{
		Renewal:    cfg.Billing.RenewalCron,
		Compliance: cfg.Billing.ComplianceCron,
		Audit:      cfg.Billing.AuditCron,
	}, logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	defer sweeper.Stop()

	reconciler := sched.NewReservationReconciler(ledger, cfg.Billing.ReconcileInterval, logger)
	go func() {
		if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("reservation reconciler stopped")
		}
	}()

	// ---- Ops API ----
	ops := api.NewServer(api.Deps{
		Postgres:   pool,
		Redis:      rdb,
		Queues:     q,
		FailedJobs: failed,
		Auth:       api.NewAdminAuth(cfg.Admin.JWTSecret),
		OnHealth:   func() { pg.ReportPoolStats(pool) },
	}, logger)
	apiErr := make(chan error, 1)
	go func() { apiErr <- ops.Listen(ctx, cfg.Admin.Port) }()

	// ---- Graceful shutdown ----
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-apiErr:
		if err != nil {
			logger.Error().Err(err).Msg("ops api failed, shutting down")
		}
		stop()
	}

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown")
	}
	logger.Info().Msg("worker stopped")
	return nil
}

// queuePolicies maps configured retry settings onto queue policies.
func queuePolicies(cfg config.QueueConfig) (map[model.QueueName]queue.Policy, error) {
	out := make(map[model.QueueName]queue.Policy, len(cfg.Queues))
	for name, p := range cfg.Queues {
		qn := model.QueueName(name)
		if !qn.Known() {
			return nil, fmt.Errorf("queue.queues: unknown queue %q", name)
		}
		var b model.Backoff
		switch p.Backoff {
		case "exponential":
			b = model.Exponential(p.BackoffDelay)
		case "fixed":
			b = model.Fixed(p.BackoffDelay)
		default:
			b = model.Backoff{Kind: model.BackoffNone}
		}
		out[qn] = queue.Policy{Attempts: p.Attempts, Backoff: b, Visibility: p.Visibility}
	}
	return out, nil
}
