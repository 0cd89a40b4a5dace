package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator echoes the prompt back after a short delay.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return consumer(Chunk{SessionID: req.SessionID, TraceID: req.TraceID})
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "You said: " + prompt,
		Latency:   20 * time.Millisecond,
		TraceID:   req.TraceID,
	})
}
