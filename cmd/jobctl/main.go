// Command jobctl enqueues jobs and mints admin tokens from the shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/config"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/infra/api"
	pg "whatsapp-ai-platform/internal/infra/db/postgres"
	"whatsapp-ai-platform/internal/infra/logging"
	"whatsapp-ai-platform/internal/infra/queue"
	red "whatsapp-ai-platform/internal/infra/redis"
	"whatsapp-ai-platform/internal/usecase"
)

const usage = `usage: jobctl [-config config.yaml] <command> [flags]

commands:
  send   enqueue an outbound WhatsApp message
  agent  start an agent run (reserves credits)
  ai     enqueue an auto-response to an inbound message
  token  mint an admin bearer token for the ops API`

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		fail("config: %v", err)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "token" {
		runToken(cfg, args)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	uc, closeFn, err := producer(ctx, cfg)
	if err != nil {
		fail("%v", err)
	}
	defer closeFn()

	switch cmd {
	case "send":
		runSend(ctx, uc, args)
	case "agent":
		runAgent(ctx, uc, args)
	case "ai":
		runAi(ctx, uc, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func producer(ctx context.Context, cfg *config.Config) (*usecase.EnqueueUseCase, func(), error) {
	logger := logging.New(cfg.Log, false)
	cost, err := decimal.NewFromString(cfg.Billing.CostPerStep)
	if err != nil {
		return nil, nil, fmt.Errorf("billing.cost_per_step: %w", err)
	}

	pool, err := pg.Connect(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	rdb, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}

	orgs := pg.NewOrganizationRepo(pool)
	plans := pg.NewPlanRepoCacheDecorator(pg.NewPostgresPlanRepo(pool), rdb, 10*time.Minute, logger)
	tasks := pg.NewAgentTaskRepo(pool)
	reservations := pg.NewReservationRepo(pool)
	tm := pg.NewTxManager(pool)

	ledger := usecase.NewLedgerUseCase(orgs, reservations, pg.NewTransactionRepo(pool), tasks, tm, logger)
	q := queue.New(rdb, queue.Options{IdempotencyTTL: cfg.Queue.IdempotencyTTL})
	uc := usecase.NewEnqueueUseCase(q, usecase.NewPlanGuard(orgs, plans), ledger, orgs, tasks, reservations, tm,
		usecase.AgentRunSettings{
			CostPerStep:      cost,
			ReservationGrace: cfg.Billing.ReservationGrace,
			QueueWait:        cfg.Billing.QueueWait,
		}, logger)

	return uc, func() {
		_ = rdb.Close()
		pool.Close()
	}, nil
}

func runSend(ctx context.Context, uc *usecase.EnqueueUseCase, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var p model.SendMessagePayload
	fs.StringVar(&p.OrganizationID, "org", "", "organization id")
	fs.StringVar(&p.InstanceID, "instance", "", "instance id")
	fs.StringVar(&p.To, "to", "", "recipient phone number")
	fs.StringVar(&p.Text, "text", "", "message text")
	fs.IntVar(&p.Priority, "priority", 0, "higher values jump the ready backlog")
	fs.StringVar(&p.IdempotencyKey, "key", "", "idempotency key")
	_ = fs.Parse(args)

	id, err := uc.EnqueueMessage(ctx, p)
	if err != nil {
		fail("send: %v", err)
	}
	fmt.Println(id)
}

func runAgent(ctx context.Context, uc *usecase.EnqueueUseCase, args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	var req usecase.AgentRunRequest
	fs.StringVar(&req.OrganizationID, "org", "", "organization id")
	fs.StringVar(&req.Model, "model", "", "LLM model")
	fs.StringVar(&req.Prompt, "prompt", "", "task prompt")
	fs.IntVar(&req.MaxSteps, "max-steps", model.DefaultAgentMaxSteps, "step budget")
	fs.Int64Var(&req.TimeoutMs, "timeout-ms", model.DefaultAgentTimeoutMs, "wall-clock budget in milliseconds")
	_ = fs.Parse(args)

	task, jobID, err := uc.StartAgentRun(ctx, req)
	if err != nil {
		fail("agent: %v", err)
	}
	fmt.Printf("task=%s job=%s\n", task.ID, jobID)
}

func runAi(ctx context.Context, uc *usecase.EnqueueUseCase, args []string) {
	fs := flag.NewFlagSet("ai", flag.ExitOnError)
	var p model.AiResponsePayload
	fs.StringVar(&p.OrganizationID, "org", "", "organization id")
	fs.StringVar(&p.InstanceName, "instance", "", "instance name")
	fs.StringVar(&p.To, "to", "", "sender jid or number")
	fs.StringVar(&p.UserMessage, "message", "", "inbound message text")
	fs.StringVar(&p.Industry, "industry", "", "industry prompt key")
	_ = fs.Parse(args)

	id, err := uc.EnqueueAiResponse(ctx, p)
	if err != nil {
		fail("ai: %v", err)
	}
	fmt.Println(id)
}

func runToken(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "ops", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)

	tok, err := api.NewAdminAuth(cfg.Admin.JWTSecret).Mint(*subject, *ttl)
	if err != nil {
		fail("token: %v", err)
	}
	fmt.Println(tok)
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
