package ai_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
	ai "whatsapp-ai-platform/internal/infra/adapters/ai"
)

type slowLLM struct {
	inFlight int32
	peak     int32
	hold     time.Duration
}

func (s *slowLLM) ChatWithTools(ctx context.Context, _ []adapter.Message, _ []adapter.ToolSchema, _ adapter.ChatOptions) (*adapter.ChatResult, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(s.hold)
	return &adapter.ChatResult{Content: "ok"}, nil
}

func TestLimitedToolLLMBoundsConcurrency(t *testing.T) {
	inner := &slowLLM{hold: 20 * time.Millisecond}
	llm := ai.NewLimitedToolLLM(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := llm.ChatWithTools(context.Background(), nil, nil, adapter.ChatOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&inner.peak), int32(2))
}

func TestLimitedToolLLMHonoursContext(t *testing.T) {
	inner := &slowLLM{hold: 200 * time.Millisecond}
	llm := ai.NewLimitedToolLLM(inner, 1)

	go func() { _, _ = llm.ChatWithTools(context.Background(), nil, nil, adapter.ChatOptions{}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := llm.ChatWithTools(ctx, nil, nil, adapter.ChatOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewLimitedWithoutCapReturnsInner(t *testing.T) {
	inner := &slowLLM{}
	assert.Same(t, adapter.ToolCallingLLM(inner), ai.NewLimitedToolLLM(inner, 0))
}
