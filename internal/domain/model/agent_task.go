package model

import (
	"time"

	"github.com/google/uuid"

	"whatsapp-ai-platform/internal/domain"
)

type AgentTaskStatus string

const (
	AgentTaskPending AgentTaskStatus = "PENDING"
	AgentTaskRunning AgentTaskStatus = "RUNNING"
	AgentTaskSuccess AgentTaskStatus = "SUCCESS"
	AgentTaskError   AgentTaskStatus = "ERROR"
	AgentTaskTimeout AgentTaskStatus = "TIMEOUT"
)

func (s AgentTaskStatus) Terminal() bool {
	return s == AgentTaskSuccess || s == AgentTaskError || s == AgentTaskTimeout
}

const (
	DefaultAgentMaxSteps  = 10
	DefaultAgentTimeoutMs = 120000
	// MaxAgentOutputChars caps the persisted output of a run.
	MaxAgentOutputChars = 10000
)

type AgentTask struct {
	ID             string
	OrganizationID string
	Model          string
	Prompt         string
	Status         AgentTaskStatus
	MaxSteps       int
	TimeoutMs      int64
	StepsUsed      int
	DurationMs     int64
	Output         string
	ReservationID  *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// NewAgentTask applies the default budgets when maxSteps or timeoutMs are not positive.
func NewAgentTask(orgID, modelName, prompt string, maxSteps int, timeoutMs int64) (*AgentTask, error) {
	if orgID == "" || modelName == "" || prompt == "" {
		return nil, domain.ErrInvalidArgument
	}
	if maxSteps <= 0 {
		maxSteps = DefaultAgentMaxSteps
	}
	if timeoutMs <= 0 {
		timeoutMs = DefaultAgentTimeoutMs
	}
	return &AgentTask{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Model:          modelName,
		Prompt:         prompt,
		Status:         AgentTaskPending,
		MaxSteps:       maxSteps,
		TimeoutMs:      timeoutMs,
		CreatedAt:      time.Now(),
	}, nil
}

func (t *AgentTask) Timeout() time.Duration { return time.Duration(t.TimeoutMs) * time.Millisecond }

// TruncateOutput cuts s to MaxAgentOutputChars runes.
func TruncateOutput(s string) string {
	r := []rune(s)
	if len(r) <= MaxAgentOutputChars {
		return s
	}
	return string(r[:MaxAgentOutputChars])
}
