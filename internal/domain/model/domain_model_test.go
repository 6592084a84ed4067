//go:build !integration

package model

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
)

// --- Plan Model Tests ---

func TestNewPlan(t *testing.T) {
	t.Run("should create a plan with unlimited allowances", func(t *testing.T) {
		p, err := NewPlan("agency", "Agency", decimal.NewFromInt(199), Unlimited, Unlimited, 10, 120)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if p.MessagesIncluded != Unlimited || p.AgentRunsIncluded != Unlimited {
			t.Errorf("expected unlimited allowances, got %d/%d", p.MessagesIncluded, p.AgentRunsIncluded)
		}
	})

	t.Run("should reject negative allowance other than unlimited", func(t *testing.T) {
		_, err := NewPlan("x", "X", decimal.NewFromInt(10), -5, 10, 1, 10)
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("should reject negative price", func(t *testing.T) {
		_, err := NewPlan("x", "X", decimal.NewFromInt(-1), 10, 10, 1, 10)
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestUsagePercent(t *testing.T) {
	cases := []struct {
		used, included, want int
	}{
		{0, 1000, 0},
		{700, 1000, 70},
		{1000, 1000, 100},
		{5, Unlimited, -1},
		{1, 0, 100},
	}
	for _, c := range cases {
		if got := UsagePercent(c.used, c.included); got != c.want {
			t.Errorf("UsagePercent(%d, %d) = %d, want %d", c.used, c.included, got, c.want)
		}
	}
	if !Allows(10, Unlimited) || Allows(10, 10) || !Allows(9, 10) {
		t.Error("Allows returned an unexpected result")
	}
}

// --- Organization Model Tests ---

func TestOrganizationRenewalDue(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	org := &Organization{BillingCycleStart: start}

	if org.RenewalDue(start.AddDate(0, 0, 20)) {
		t.Error("expected renewal not due after 20 days")
	}
	if !org.RenewalDue(start.AddDate(0, 1, 0)) {
		t.Error("expected renewal due after one month")
	}
}

// --- Agent Task Tests ---

func TestNewAgentTask(t *testing.T) {
	t.Run("should apply default budgets", func(t *testing.T) {
		task, err := NewAgentTask("org-1", "gpt-4o-mini", "summarise", 0, 0)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if task.MaxSteps != DefaultAgentMaxSteps || task.TimeoutMs != DefaultAgentTimeoutMs {
			t.Errorf("unexpected defaults: %d steps, %d ms", task.MaxSteps, task.TimeoutMs)
		}
		if task.Status != AgentTaskPending {
			t.Errorf("expected PENDING, got %s", task.Status)
		}
	})

	t.Run("should fail without prompt", func(t *testing.T) {
		if _, err := NewAgentTask("org-1", "gpt-4o-mini", "", 3, 1000); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestAgentTaskStatusTerminal(t *testing.T) {
	for _, s := range []AgentTaskStatus{AgentTaskSuccess, AgentTaskError, AgentTaskTimeout} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []AgentTaskStatus{AgentTaskPending, AgentTaskRunning} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("é", MaxAgentOutputChars+50)
	if got := []rune(TruncateOutput(long)); len(got) != MaxAgentOutputChars {
		t.Errorf("expected %d runes, got %d", MaxAgentOutputChars, len(got))
	}
	if TruncateOutput("short") != "short" {
		t.Error("short output must be kept verbatim")
	}
}

// --- Job Envelope Tests ---

func TestBackoffNext(t *testing.T) {
	exp := Exponential(2 * time.Second)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := exp.Next(i + 1); got != w {
			t.Errorf("exponential attempt %d: got %v, want %v", i+1, got, w)
		}
	}
	if got := Fixed(3 * time.Second).Next(2); got != 3*time.Second {
		t.Errorf("fixed: got %v", got)
	}
	if got := (Backoff{Kind: BackoffNone}).Next(1); got != 0 {
		t.Errorf("none: got %v", got)
	}
}

func TestDecodePayload(t *testing.T) {
	t.Run("should decode a send payload for its own queue", func(t *testing.T) {
		raw := []byte(`{"instanceId":"i1","to":"5215555555555","text":"hola","organizationId":"o1"}`)
		p, err := DecodePayload(QueueWhatsAppSend, raw)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		send, ok := p.(SendMessagePayload)
		if !ok || send.Text != "hola" {
			t.Fatalf("unexpected payload %#v", p)
		}
		if OrganizationOf(p) != "o1" {
			t.Errorf("expected organization o1")
		}
	})

	t.Run("should reject a payload shape for the wrong queue", func(t *testing.T) {
		raw := []byte(`{"instanceId":"i1","to":"1","text":"hola","organizationId":"o1"}`)
		if _, err := DecodePayload(QueueAgentRun, raw); !errors.Is(err, domain.ErrInvalidPayload) {
			t.Errorf("expected ErrInvalidPayload, got %v", err)
		}
	})

	t.Run("should reject unknown queues", func(t *testing.T) {
		if _, err := DecodePayload("nope", []byte(`{}`)); !errors.Is(err, domain.ErrUnknownQueue) {
			t.Errorf("expected ErrUnknownQueue, got %v", err)
		}
	})

	t.Run("should reject unknown billing actions", func(t *testing.T) {
		raw := []byte(`{"action":"refund-all","organizationId":"o1"}`)
		if _, err := DecodePayload(QueueBilling, raw); !errors.Is(err, domain.ErrInvalidPayload) {
			t.Errorf("expected ErrInvalidPayload, got %v", err)
		}
	})
}
