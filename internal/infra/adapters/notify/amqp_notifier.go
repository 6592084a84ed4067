package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
	"whatsapp-ai-platform/internal/infra/i18n"
)

var _ adapter.Notifier = (*AMQPNotifier)(nil)

// UsageAlert is the event body published for every usage threshold crossing.
type UsageAlert struct {
	Email    string    `json:"email"`
	Percent  int       `json:"percent"`
	Resource string    `json:"resource"`
	Subject  string    `json:"subject"`
	SentAt   time.Time `json:"sent_at"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes usage alerts to a topic exchange. A mail service
// consumes them; routing keys look like usage.alert.messages.
type AMQPNotifier struct {
	mu       sync.Mutex
	pub      publisher
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	locale   *i18n.Translator
	logger   *zerolog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url must start with amqp:// or amqps://")
	}
	return clean, nil
}

// NewAMQPNotifier dials the broker and declares the durable topic exchange.
func NewAMQPNotifier(amqpURL, exchange string, logger *zerolog.Logger) (*AMQPNotifier, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(clean)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", exchange, err)
	}
	n := newNotifier(ch, exchange, logger)
	n.conn, n.ch = conn, ch
	return n, nil
}

func newNotifier(pub publisher, exchange string, logger *zerolog.Logger) *AMQPNotifier {
	l := logger.With().Str("component", "amqp_notifier").Str("exchange", exchange).Logger()
	return &AMQPNotifier{pub: pub, exchange: exchange, locale: i18n.MustLoad(i18n.DefaultLanguage), logger: &l}
}

func (n *AMQPNotifier) SendUsageAlert(ctx context.Context, email string, percent int, resource string) error {
	body, err := json.Marshal(UsageAlert{
		Email:    email,
		Percent:  percent,
		Resource: resource,
		Subject:  n.locale.T("usage.alert.subject", percent, resource),
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	key := "usage.alert." + resource

	n.mu.Lock()
	defer n.mu.Unlock()
	err = n.pub.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ulid.Make().String(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	n.logger.Debug().Str("routing_key", key).Int("percent", percent).Msg("usage alert published")
	return nil
}

func (n *AMQPNotifier) Close() {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
}
