package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/adapter"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/infra/logging"
	"whatsapp-ai-platform/internal/infra/metrics"
	"whatsapp-ai-platform/internal/infra/tracing"
	"whatsapp-ai-platform/internal/usecase"
)

const defaultAgentSystemPrompt = "You are an autonomous business assistant. Use the available tools to " +
	"look up and update the organization's data. Call tools only when needed, and answer with a concise " +
	"final report once the task is complete."

type AgentRunnerConfig struct {
	CostPerStep  decimal.Decimal
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// ReservationGrace is added to the task timeout when the reservation
	// expiry is pushed forward at start.
	ReservationGrace time.Duration
}

// AgentRunner executes an agent task as a tool-calling loop bounded by steps
// and wall-clock time, then settles the task's credit reservation.
type AgentRunner struct {
	tasks  repository.AgentTaskRepository
	ledger usecase.Ledger
	llm    adapter.ToolCallingLLM
	tools  adapter.ToolService
	tm     repository.TransactionManager
	cfg    AgentRunnerConfig
	log    *zerolog.Logger
	now    func() time.Time
}

func NewAgentRunner(
	tasks repository.AgentTaskRepository,
	ledger usecase.Ledger,
	llm adapter.ToolCallingLLM,
	tools adapter.ToolService,
	tm repository.TransactionManager,
	cfg AgentRunnerConfig,
	logger *zerolog.Logger,
) *AgentRunner {
	if cfg.CostPerStep.IsZero() {
		cfg.CostPerStep = decimal.RequireFromString("0.50")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultAgentSystemPrompt
	}
	if cfg.ReservationGrace <= 0 {
		cfg.ReservationGrace = 5 * time.Minute
	}
	l := logger.With().Str("component", "agent_runner").Logger()
	return &AgentRunner{tasks: tasks, ledger: ledger, llm: llm, tools: tools, tm: tm, cfg: cfg, log: &l, now: time.Now}
}

// WithClock replaces the wall clock used for the time budget.
func (r *AgentRunner) WithClock(now func() time.Time) *AgentRunner {
	r.now = now
	return r
}

// runResult is the outcome of the loop when no unrecoverable error occurred.
type runResult struct {
	status model.AgentTaskStatus
	output string
	steps  int
}

func (r *AgentRunner) Handle(ctx context.Context, job *model.Job, payload model.JobPayload) error {
	p, ok := payload.(model.AgentRunPayload)
	if !ok {
		return Permanent(fmt.Errorf("%w: %T on %s", domain.ErrInvalidPayload, payload, job.Queue))
	}
	ctx, span := tracing.StartSpan(ctx, "agent.run", tracing.TaskID(p.TaskID), tracing.OrgID(p.OrganizationID))
	defer span.End()
	log := logging.With(ctx, r.log).With().Str("task_id", p.TaskID).Logger()

	task, err := r.tasks.FindByID(ctx, nil, p.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Permanent(err)
		}
		return err
	}
	if task.Status.Terminal() {
		log.Info().Str("status", string(task.Status)).Msg("task already finished, skipping redelivery")
		return nil
	}
	defer r.tools.Release(task.OrganizationID)

	start := r.now()
	if err := r.begin(ctx, task, p.ReservationID, start); err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskTerminal):
			return nil
		case errors.Is(err, domain.ErrReservationSettled):
			log.Warn().Str("reservation_id", p.ReservationID).Msg("reservation already settled, abandoning run")
			if ferr := r.abandon(ctx, task, start); ferr != nil {
				return ferr
			}
			return Permanent(err)
		}
		return err
	}
	log.Info().Str("model", task.Model).Int("max_steps", task.MaxSteps).Msg("agent run started")

	res, runErr := r.run(ctx, task, start, &log)
	duration := r.now().Sub(start)
	if runErr != nil {
		log.Error().Err(runErr).Int("steps", res.steps).Msg("agent run failed")
		if err := r.fail(context.WithoutCancel(ctx), task, p.ReservationID, runErr, res.steps, duration); err != nil {
			return err
		}
		metrics.ObserveAgentRun(string(model.AgentTaskError), res.steps)
		return Permanent(runErr)
	}

	if err := r.complete(context.WithoutCancel(ctx), task, p.ReservationID, res, duration, &log); err != nil {
		return err
	}
	metrics.ObserveAgentRun(string(res.status), res.steps)
	log.Info().Str("status", string(res.status)).Int("steps", res.steps).Dur("duration", duration).Msg("agent run finished")
	return nil
}

// begin marks the task RUNNING and moves the reservation expiry to the end
// of the run's time budget in one transaction.
func (r *AgentRunner) begin(ctx context.Context, task *model.AgentTask, reservationID string, start time.Time) error {
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := r.tasks.MarkRunning(ctx, tx, task.ID, start); err != nil {
			return err
		}
		if reservationID == "" {
			return nil
		}
		return r.ledger.ExtendReservation(ctx, tx, reservationID, start.Add(task.Timeout()+r.cfg.ReservationGrace))
	})
}

// abandon closes a task whose reservation is gone before it could run.
func (r *AgentRunner) abandon(ctx context.Context, task *model.AgentTask, at time.Time) error {
	task.Status = model.AgentTaskError
	task.Output = domain.ErrReservationExpired.Error()
	task.CompletedAt = &at
	if err := r.tasks.Finish(ctx, nil, task); err != nil && !errors.Is(err, domain.ErrTaskTerminal) {
		return err
	}
	return nil
}

func (r *AgentRunner) run(ctx context.Context, task *model.AgentTask, start time.Time, log *zerolog.Logger) (runResult, error) {
	schemas, err := r.tools.ListTools(ctx, task.OrganizationID)
	if err != nil {
		return runResult{}, fmt.Errorf("list tools: %w", err)
	}

	messages := []adapter.Message{
		{Role: "system", Content: r.cfg.SystemPrompt},
		{Role: "user", Content: task.Prompt},
	}
	opts := adapter.ChatOptions{Model: task.Model, Temperature: r.cfg.Temperature, MaxTokens: r.cfg.MaxTokens}
	deadline := start.Add(task.Timeout())
	steps := 0
	last := ""

	for steps < task.MaxSteps {
		if err := ctx.Err(); err != nil {
			return runResult{steps: steps}, err
		}
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return timeoutResult(steps, task.Timeout(), last), nil
		}

		callCtx, cancel := context.WithTimeout(ctx, remaining)
		reply, err := r.llm.ChatWithTools(callCtx, messages, schemas, opts)
		cancel()
		steps++
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return timeoutResult(steps, task.Timeout(), last), nil
			}
			return runResult{steps: steps}, fmt.Errorf("llm step %d: %w", steps, err)
		}
		if reply.Content != "" {
			last = reply.Content
		}
		if len(reply.ToolCalls) == 0 {
			return runResult{status: model.AgentTaskSuccess, output: reply.Content, steps: steps}, nil
		}

		messages = append(messages, adapter.Message{Role: "assistant", Content: reply.Content, ToolCalls: reply.ToolCalls})
		for _, call := range reply.ToolCalls {
			messages = append(messages, adapter.Message{
				Role:       "tool",
				Content:    r.callTool(ctx, task.OrganizationID, call, log),
				ToolCallID: call.ID,
			})
		}
	}

	out := fmt.Sprintf("[MAX_STEPS] Agent stopped after reaching the limit of %d steps.", task.MaxSteps)
	if last != "" {
		out += "\n" + last
	}
	return runResult{status: model.AgentTaskSuccess, output: out, steps: steps}, nil
}

func timeoutResult(steps int, limit time.Duration, last string) runResult {
	out := fmt.Sprintf("[TIMEOUT] Agent exceeded the time limit of %s after %d steps.", limit, steps)
	if last != "" {
		out += "\n" + last
	}
	return runResult{status: model.AgentTaskTimeout, output: out, steps: steps}
}

// callTool executes one tool call and renders its result for the model.
// Tool failures are fed back to the model, never raised.
func (r *AgentRunner) callTool(ctx context.Context, orgID string, call adapter.ToolCall, log *zerolog.Logger) string {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			metrics.IncToolCall("bad_arguments")
			return fmt.Sprintf("Error: invalid JSON arguments for %s: %v", call.Name, err)
		}
	}
	res, err := r.tools.ExecuteTool(ctx, orgID, call.Name, args)
	if err != nil {
		metrics.IncToolCall("error")
		log.Warn().Err(err).Str("tool", call.Name).Msg("tool call failed")
		return fmt.Sprintf("Error: %s failed: %v", call.Name, err)
	}
	if res.IsError {
		metrics.IncToolCall("tool_error")
		return "Error: " + res.Content
	}
	metrics.IncToolCall("ok")
	return res.Content
}

func (r *AgentRunner) complete(ctx context.Context, task *model.AgentTask, reservationID string, res runResult, d time.Duration, log *zerolog.Logger) error {
	cost := r.cfg.CostPerStep.Mul(decimal.NewFromInt(int64(res.steps)))
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		done := r.now()
		task.Status = res.status
		task.Output = model.TruncateOutput(res.output)
		task.StepsUsed = res.steps
		task.DurationMs = d.Milliseconds()
		task.CompletedAt = &done
		if err := r.tasks.Finish(ctx, tx, task); err != nil {
			if errors.Is(err, domain.ErrTaskTerminal) {
				log.Warn().Msg("task was finished concurrently, not charging")
				return nil
			}
			return err
		}
		err := r.ledger.SettleTx(ctx, tx, reservationID, model.ReservationConfirmed, cost)
		if errors.Is(err, domain.ErrReservationSettled) {
			log.Warn().Str("reservation_id", reservationID).Msg("reservation already settled, not charging")
			return nil
		}
		return err
	})
}

func (r *AgentRunner) fail(ctx context.Context, task *model.AgentTask, reservationID string, cause error, steps int, d time.Duration) error {
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		done := r.now()
		task.Status = model.AgentTaskError
		task.Output = model.TruncateOutput(cause.Error())
		task.StepsUsed = steps
		task.DurationMs = d.Milliseconds()
		task.CompletedAt = &done
		if err := r.tasks.Finish(ctx, tx, task); err != nil && !errors.Is(err, domain.ErrTaskTerminal) {
			return err
		}
		err := r.ledger.SettleTx(ctx, tx, reservationID, model.ReservationFailed, decimal.Zero)
		if errors.Is(err, domain.ErrReservationSettled) {
			return nil
		}
		return err
	})
}
