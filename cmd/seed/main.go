package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/config"
	"whatsapp-ai-platform/internal/domain/model"
	pg "whatsapp-ai-platform/internal/infra/db/postgres"
	"whatsapp-ai-platform/internal/infra/logging"
	"whatsapp-ai-platform/internal/usecase"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	demo := flag.Bool("demo", false, "also create a demo organization with one instance and starting credits")
	flag.Parse()

	// ---- Config ----
	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pg.Connect(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	planRepo := pg.NewPostgresPlanRepo(pool)

	// If plans already exist, do nothing
	plans, err := planRepo.ListAll(ctx, nil)
	if err != nil {
		log.Fatalf("list plans: %v", err)
	}
	if len(plans) > 0 {
		fmt.Printf("%d plans already present. No changes.\n", len(plans))
		for _, p := range plans {
			fmt.Printf("  - %s (messages=%d, agent_runs=%d, price=%s)\n", p.Name, p.MessagesIncluded, p.AgentRunsIncluded, p.PriceMonthly)
		}
	} else {
		seed := []struct {
			ID, Name  string
			Price     string
			Messages  int
			AgentRuns int
			Instances int
			Rate      int
		}{
			{"starter", "Starter", "29", 1000, 10, 1, 20},
			{"pro", "Pro", "99", 5000, 50, 3, 30},
			{"business", "Business", "299", 25000, model.Unlimited, 10, 60},
		}
		for _, s := range seed {
			p, err := model.NewPlan(s.ID, s.Name, decimal.RequireFromString(s.Price), s.Messages, s.AgentRuns, s.Instances, s.Rate)
			if err != nil {
				log.Fatalf("plan %q: %v", s.Name, err)
			}
			if err := planRepo.Save(ctx, nil, p); err != nil {
				log.Fatalf("save plan %q: %v", s.Name, err)
			}
			fmt.Printf("seeded: %s (id=%s, messages=%d, price=%s)\n", p.Name, p.ID, p.MessagesIncluded, p.PriceMonthly)
		}
	}

	if *demo {
		if err := seedDemo(ctx, pool, cfg); err != nil {
			log.Fatalf("demo: %v", err)
		}
	}
	fmt.Println("Seeding complete.")
}

func seedDemo(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	orgs := pg.NewOrganizationRepo(pool)
	instances := pg.NewInstanceRepo(pool)
	tm := pg.NewTxManager(pool)

	org, err := model.NewOrganization("", "Demo Restaurante", "admin@demo.local")
	if err != nil {
		return err
	}
	starter := "starter"
	org.PlanID = &starter
	if err := orgs.Save(ctx, nil, org); err != nil {
		return fmt.Errorf("save organization: %w", err)
	}

	now := time.Now()
	inst := &model.WhatsAppInstance{
		ID: org.ID + "-main", OrganizationID: org.ID, InstanceName: "demo-main",
		Health: model.InstanceWarmup, ConnectionStatus: "close", CreatedAt: now, UpdatedAt: now,
	}
	if err := instances.Save(ctx, nil, inst); err != nil {
		return fmt.Errorf("save instance: %w", err)
	}

	logger := logging.New(cfg.Log, true)
	ledger := usecase.NewLedgerUseCase(orgs, pg.NewReservationRepo(pool), pg.NewTransactionRepo(pool), pg.NewAgentTaskRepo(pool), tm, logger)
	if _, err := ledger.Credit(ctx, org.ID, decimal.NewFromInt(50), model.TxRecharge, "demo starting credits"); err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	fmt.Printf("demo organization %s with instance %s and 50.00 credits\n", org.ID, inst.InstanceName)
	return nil
}
