package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"whatsapp-ai-platform/internal/domain"
)

type QueueName string

const (
	QueueWhatsAppSend QueueName = "whatsapp-send"
	QueueAgentRun     QueueName = "agent-run"
	QueueAiResponse   QueueName = "ai-response"
	QueueBilling      QueueName = "billing"
	QueueCompliance   QueueName = "compliance"
)

// Queues lists every queue the platform consumes.
var Queues = []QueueName{QueueWhatsAppSend, QueueAgentRun, QueueAiResponse, QueueBilling, QueueCompliance}

func (q QueueName) Known() bool {
	for _, k := range Queues {
		if k == q {
			return true
		}
	}
	return false
}

type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration
}

func Exponential(base time.Duration) Backoff {
	return Backoff{Kind: BackoffExponential, Delay: base}
}

func Fixed(delay time.Duration) Backoff { return Backoff{Kind: BackoffFixed, Delay: delay} }

// Next returns the delay before the retry that follows the given failed attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Kind {
	case BackoffExponential:
		shift := attempt - 1
		if shift > 20 {
			shift = 20
		}
		return b.Delay << uint(shift)
	case BackoffFixed:
		return b.Delay
	default:
		return 0
	}
}

// Job is the queue envelope. Token fences ack/fail to the current claim.
type Job struct {
	ID             string
	Queue          QueueName
	Payload        json.RawMessage
	Attempts       int
	MaxAttempts    int
	Backoff        Backoff
	IdempotencyKey string
	Token          string
	VisibleUntil   time.Time
	LastError      string
	CreatedAt      time.Time
}

func (j *Job) Decode() (JobPayload, error) { return DecodePayload(j.Queue, j.Payload) }

// JobPayload is the tagged union of payloads; each variant belongs to exactly one queue.
type JobPayload interface {
	Queue() QueueName
	Validate() error
}

type SendMessagePayload struct {
	InstanceID     string `json:"instanceId"`
	To             string `json:"to"`
	Text           string `json:"text"`
	OrganizationID string `json:"organizationId"`
	Priority       int    `json:"priority,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (SendMessagePayload) Queue() QueueName { return QueueWhatsAppSend }

func (p SendMessagePayload) Validate() error {
	if p.InstanceID == "" || p.To == "" || strings.TrimSpace(p.Text) == "" || p.OrganizationID == "" {
		return fmt.Errorf("%w: send message requires instanceId, to, text and organizationId", domain.ErrInvalidPayload)
	}
	return nil
}

type AgentRunPayload struct {
	TaskID         string `json:"taskId"`
	OrganizationID string `json:"organizationId"`
	ReservationID  string `json:"reservationId"`
}

func (AgentRunPayload) Queue() QueueName { return QueueAgentRun }

func (p AgentRunPayload) Validate() error {
	if p.TaskID == "" || p.OrganizationID == "" || p.ReservationID == "" {
		return fmt.Errorf("%w: agent run requires taskId, organizationId and reservationId", domain.ErrInvalidPayload)
	}
	return nil
}

type AiResponsePayload struct {
	InstanceName   string `json:"instanceName"`
	To             string `json:"to"`
	UserMessage    string `json:"userMessage"`
	OrganizationID string `json:"organizationId"`
	Industry       string `json:"industry,omitempty"`
}

func (AiResponsePayload) Queue() QueueName { return QueueAiResponse }

func (p AiResponsePayload) Validate() error {
	if p.InstanceName == "" || p.To == "" || p.UserMessage == "" || p.OrganizationID == "" {
		return fmt.Errorf("%w: ai response requires instanceName, to, userMessage and organizationId", domain.ErrInvalidPayload)
	}
	return nil
}

type BillingAction string

const (
	BillingRenew            BillingAction = "subscription-renew"
	BillingReconcileBalance BillingAction = "reconcile-balance"
)

type BillingPayload struct {
	Action         BillingAction `json:"action"`
	OrganizationID string        `json:"organizationId"`
	// Force renews even when the current cycle has not elapsed.
	Force bool `json:"force,omitempty"`
}

func (BillingPayload) Queue() QueueName { return QueueBilling }

func (p BillingPayload) Validate() error {
	if p.OrganizationID == "" {
		return fmt.Errorf("%w: billing requires organizationId", domain.ErrInvalidPayload)
	}
	if p.Action != BillingRenew && p.Action != BillingReconcileBalance {
		return fmt.Errorf("%w: unknown billing action %q", domain.ErrInvalidPayload, p.Action)
	}
	return nil
}

type CompliancePayload struct {
	OrganizationID string `json:"organizationId"`
}

func (CompliancePayload) Queue() QueueName { return QueueCompliance }

func (p CompliancePayload) Validate() error {
	if p.OrganizationID == "" {
		return fmt.Errorf("%w: compliance requires organizationId", domain.ErrInvalidPayload)
	}
	return nil
}

// DecodePayload decodes raw into the variant owned by queue and validates it.
func DecodePayload(queue QueueName, raw []byte) (JobPayload, error) {
	var p JobPayload
	switch queue {
	case QueueWhatsAppSend:
		var v SendMessagePayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		p = v
	case QueueAgentRun:
		var v AgentRunPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		p = v
	case QueueAiResponse:
		var v AiResponsePayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		p = v
	case QueueBilling:
		var v BillingPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		p = v
	case QueueCompliance:
		var v CompliancePayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownQueue, queue)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// OrganizationOf extracts the tenant of any payload variant.
func OrganizationOf(p JobPayload) string {
	switch v := p.(type) {
	case SendMessagePayload:
		return v.OrganizationID
	case AgentRunPayload:
		return v.OrganizationID
	case AiResponsePayload:
		return v.OrganizationID
	case BillingPayload:
		return v.OrganizationID
	case CompliancePayload:
		return v.OrganizationID
	}
	return ""
}

// EnqueueOptions overrides the queue policy for one job. Zero values keep the policy.
type EnqueueOptions struct {
	Attempts       int
	Backoff        *Backoff
	IdempotencyKey string
	Delay          time.Duration
	// Front places the job ahead of the ready backlog.
	Front bool
}
