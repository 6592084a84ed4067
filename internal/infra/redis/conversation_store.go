package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
)

// ConversationStore keeps auto-response history per contact outside the
// process so every worker replica sees the same context. Entries expire after ttl.
type ConversationStore struct {
	cli         *redis.Client
	ttl         time.Duration
	maxMessages int64
	sealer      Sealer
}

// Sealer encrypts entries at rest. *security.EncryptionService satisfies it.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

func NewConversationStore(client RedisClient, ttl time.Duration, maxMessages int) *ConversationStore {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	return &ConversationStore{cli: client.Native(), ttl: ttl, maxMessages: int64(maxMessages)}
}

// WithSealer encrypts every stored message with s.
func (c *ConversationStore) WithSealer(s Sealer) *ConversationStore {
	c.sealer = s
	return c
}

func conversationKey(orgID, contact string) string {
	return "conv:" + orgID + ":" + contact
}

// History returns the stored messages, oldest first.
func (c *ConversationStore) History(ctx context.Context, orgID, contact string) ([]adapter.Message, error) {
	raw, err := c.cli.LRange(ctx, conversationKey(orgID, contact), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]adapter.Message, 0, len(raw))
	for _, s := range raw {
		if c.sealer != nil {
			if s, err = c.sealer.Decrypt(s); err != nil {
				continue
			}
		}
		var m adapter.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Append adds messages, keeps the newest maxMessages and refreshes the TTL.
func (c *ConversationStore) Append(ctx context.Context, orgID, contact string, msgs ...adapter.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	key := conversationKey(orgID, contact)
	vals := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if c.sealer == nil {
			vals = append(vals, b)
			continue
		}
		sealed, err := c.sealer.Encrypt(string(b))
		if err != nil {
			return err
		}
		vals = append(vals, sealed)
	}
	_, err := c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, vals...)
		p.LTrim(ctx, key, -c.maxMessages, -1)
		p.Expire(ctx, key, c.ttl)
		return nil
	})
	return err
}

func (c *ConversationStore) Clear(ctx context.Context, orgID, contact string) error {
	return c.cli.Del(ctx, conversationKey(orgID, contact)).Err()
}
