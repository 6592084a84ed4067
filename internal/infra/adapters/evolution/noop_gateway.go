package evolution

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
)

var _ adapter.MessagingGateway = (*NoopGateway)(nil)

// NoopGateway logs outgoing traffic instead of sending it. Used in dev mode.
type NoopGateway struct {
	mu     sync.Mutex
	sent   int
	logger *zerolog.Logger
}

func NewNoopGateway(logger *zerolog.Logger) *NoopGateway {
	l := logger.With().Str("component", "noop_gateway").Logger()
	return &NoopGateway{logger: &l}
}

func (g *NoopGateway) SendText(ctx context.Context, instance, to, text string) error {
	g.mu.Lock()
	g.sent++
	g.mu.Unlock()
	g.logger.Info().Str("instance", instance).Str("to", to).Int("len", len(text)).Msg("send text")
	return nil
}

func (g *NoopGateway) SetPresence(ctx context.Context, instance, to string, presence adapter.Presence) error {
	g.logger.Debug().Str("instance", instance).Str("to", to).Str("presence", string(presence)).Msg("presence")
	return nil
}

func (g *NoopGateway) InstanceStatus(ctx context.Context, instance string) (adapter.InstanceStatus, error) {
	return adapter.InstanceStatus{Instance: instance, State: "open"}, nil
}

// Sent reports how many messages were accepted.
func (g *NoopGateway) Sent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent
}
