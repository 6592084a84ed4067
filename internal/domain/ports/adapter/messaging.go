package adapter

import "context"

type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

type InstanceStatus struct {
	Instance string
	State    string // open | connecting | close
}

// MessagingGateway is the WhatsApp gateway contract. Errors are opaque.
type MessagingGateway interface {
	SendText(ctx context.Context, instance, to, text string) error
	SetPresence(ctx context.Context, instance, to string, presence Presence) error
	InstanceStatus(ctx context.Context, instance string) (InstanceStatus, error)
}
