package model

import "time"

type InstanceHealth string

const (
	InstanceWarmup    InstanceHealth = "WARMUP"
	InstanceActive    InstanceHealth = "ACTIVE"
	InstanceThrottled InstanceHealth = "THROTTLED"
	InstanceBanned    InstanceHealth = "BANNED"
)

// WhatsAppInstance is one messaging-account connection with its own ban-risk state.
type WhatsAppInstance struct {
	ID               string
	OrganizationID   string
	InstanceName     string
	Health           InstanceHealth
	ConnectionStatus string
	MessagesLast24h  int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (i *WhatsAppInstance) Sendable() bool { return i != nil && i.Health != InstanceBanned }
