// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type AdminConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // conversation history TTL

	// EncryptionKey seals conversation history at rest (16, 24 or 32 bytes); empty stores plaintext.
	EncryptionKey string `yaml:"encryption_key"`
}

type AIConfig struct {
	OpenAIKey       string  `yaml:"openai_key"`
	OpenAIBaseURL   string  `yaml:"openai_base_url"`
	GeminiKey       string  `yaml:"gemini_key"`
	GeminiURL       string  `yaml:"gemini_url"`
	DefaultModel    string  `yaml:"default_model"`
	AgentModel      string  `yaml:"agent_model"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	HistoryTokens   int     `yaml:"history_tokens"`   // budget for auto-response history
	ConcurrentLimit int     `yaml:"concurrent_limit"` // max concurrent AI calls
}

type EvolutionConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type ToolsConfig struct {
	MCPURL string `yaml:"mcp_url"`
}

type NotifyConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// QueuePolicy is the per-queue pool and retry configuration.
type QueuePolicy struct {
	Workers       int           `yaml:"workers"`
	RatePerMinute int           `yaml:"rate_per_minute"` // per worker; 0 disables the pool cap
	Attempts      int           `yaml:"attempts"`
	Backoff       string        `yaml:"backoff"` // exponential|fixed|none
	BackoffDelay  time.Duration `yaml:"backoff_delay"`
	Visibility    time.Duration `yaml:"visibility"`
}

type QueueConfig struct {
	PollInterval     time.Duration          `yaml:"poll_interval"`
	IdempotencyTTL   time.Duration          `yaml:"idempotency_ttl"`
	RateLimitedDelay time.Duration          `yaml:"rate_limited_delay"`
	WorkerLiveness   time.Duration          `yaml:"worker_liveness"`
	ShutdownGrace    time.Duration          `yaml:"shutdown_grace"`
	Queues           map[string]QueuePolicy `yaml:"queues"`
}

type BillingConfig struct {
	CostPerStep       string        `yaml:"cost_per_step"` // decimal string
	ReservationGrace  time.Duration `yaml:"reservation_grace"`
	QueueWait         time.Duration `yaml:"reservation_queue_wait"` // hold for a run not yet started
	Level1Percent     string        `yaml:"level1_percent"`
	Level2Percent     string        `yaml:"level2_percent"`
	RenewalCron       string        `yaml:"renewal_cron"`
	ComplianceCron    string        `yaml:"compliance_cron"`
	AuditCron         string        `yaml:"audit_cron"` // daily balance audit
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Admin     AdminConfig     `yaml:"admin"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AI        AIConfig        `yaml:"ai"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Tools     ToolsConfig     `yaml:"tools"`
	Notify    NotifyConfig    `yaml:"notify"`
	Queue     QueueConfig     `yaml:"queue"`
	Billing   BillingConfig   `yaml:"billing"`
	Tracing   TracingConfig   `yaml:"tracing"`

	Runtime RuntimeConfig `yaml:"-"`
}

// defaultPolicies mirror the production queue settings.
var defaultPolicies = map[string]QueuePolicy{
	"whatsapp-send": {Workers: 3, RatePerMinute: 10, Attempts: 3, Backoff: "exponential", BackoffDelay: 2 * time.Second, Visibility: 2 * time.Minute},
	"agent-run":     {Workers: 2, Attempts: 1, Backoff: "none", Visibility: 5 * time.Minute},
	"ai-response":   {Workers: 3, RatePerMinute: 10, Attempts: 2, Backoff: "fixed", BackoffDelay: 3 * time.Second, Visibility: 2 * time.Minute},
	"billing":       {Workers: 1, Attempts: 3, Backoff: "exponential", BackoffDelay: 5 * time.Second, Visibility: time.Minute},
	"compliance":    {Workers: 1, Attempts: 3, Backoff: "exponential", BackoffDelay: 5 * time.Second, Visibility: time.Minute},
}

// LoadConfig reads the YAML file at path, applies .env and environment
// overrides for secrets, then fills defaults.
func LoadConfig(path string, dev bool) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Database.URL, "DATABASE_URL")
	override(&cfg.Redis.URL, "REDIS_URL")
	override(&cfg.Redis.Password, "REDIS_PASSWORD")
	override(&cfg.Redis.EncryptionKey, "HISTORY_ENCRYPTION_KEY")
	override(&cfg.AI.OpenAIKey, "OPENAI_API_KEY")
	override(&cfg.AI.GeminiKey, "GEMINI_API_KEY")
	override(&cfg.Evolution.URL, "EVOLUTION_API_URL")
	override(&cfg.Evolution.APIKey, "EVOLUTION_API_KEY")
	override(&cfg.Tools.MCPURL, "MCP_SERVER_URL")
	override(&cfg.Notify.AMQPURL, "AMQP_URL")
	override(&cfg.Admin.JWTSecret, "ADMIN_JWT_SECRET")
	override(&cfg.Billing.CostPerStep, "COST_PER_AGENT_RUN")
	override(&cfg.Tracing.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8081
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AI.AgentModel == "" {
		cfg.AI.AgentModel = cfg.AI.DefaultModel
	}
	if cfg.AI.Temperature == 0 {
		cfg.AI.Temperature = 0.3
	}
	if cfg.AI.MaxTokens <= 0 {
		cfg.AI.MaxTokens = 2000
	}
	if cfg.AI.HistoryTokens <= 0 {
		cfg.AI.HistoryTokens = 3000
	}
	if cfg.Evolution.Timeout <= 0 {
		cfg.Evolution.Timeout = 15 * time.Second
	}
	if cfg.Notify.Exchange == "" {
		cfg.Notify.Exchange = "usage.alerts"
	}

	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = 500 * time.Millisecond
	}
	if cfg.Queue.IdempotencyTTL <= 0 {
		cfg.Queue.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Queue.RateLimitedDelay <= 0 {
		cfg.Queue.RateLimitedDelay = 5 * time.Second
	}
	if cfg.Queue.WorkerLiveness <= 0 {
		cfg.Queue.WorkerLiveness = 30 * time.Second
	}
	if cfg.Queue.ShutdownGrace <= 0 {
		cfg.Queue.ShutdownGrace = 30 * time.Second
	}
	if cfg.Queue.Queues == nil {
		cfg.Queue.Queues = map[string]QueuePolicy{}
	}
	for name, def := range defaultPolicies {
		p, ok := cfg.Queue.Queues[name]
		if !ok {
			cfg.Queue.Queues[name] = def
			continue
		}
		if p.Workers <= 0 {
			p.Workers = def.Workers
		}
		if p.Attempts <= 0 {
			p.Attempts = def.Attempts
		}
		if p.Backoff == "" {
			p.Backoff = def.Backoff
			p.BackoffDelay = def.BackoffDelay
		}
		if p.Visibility <= 0 {
			p.Visibility = def.Visibility
		}
		cfg.Queue.Queues[name] = p
	}

	if cfg.Billing.CostPerStep == "" {
		cfg.Billing.CostPerStep = "0.50"
	}
	if cfg.Billing.ReservationGrace <= 0 {
		cfg.Billing.ReservationGrace = 5 * time.Minute
	}
	if cfg.Billing.QueueWait <= 0 {
		cfg.Billing.QueueWait = 24 * time.Hour
	}
	if cfg.Billing.Level1Percent == "" {
		cfg.Billing.Level1Percent = "20"
	}
	if cfg.Billing.Level2Percent == "" {
		cfg.Billing.Level2Percent = "5"
	}
	if cfg.Billing.RenewalCron == "" {
		cfg.Billing.RenewalCron = "0 * * * *"
	}
	if cfg.Billing.ComplianceCron == "" {
		cfg.Billing.ComplianceCron = "*/15 * * * *"
	}
	if cfg.Billing.AuditCron == "" {
		cfg.Billing.AuditCron = "30 3 * * *"
	}
	if cfg.Billing.ReconcileInterval <= 0 {
		cfg.Billing.ReconcileInterval = time.Minute
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "whatsapp-ai-worker"
	}
}

// Validate performs minimal validation of required settings.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	for name, p := range c.Queue.Queues {
		switch p.Backoff {
		case "exponential", "fixed", "none":
		default:
			return fmt.Errorf("queue.queues.%s.backoff: unknown policy %q", name, p.Backoff)
		}
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
