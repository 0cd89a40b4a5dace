package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSpeaker publishes each utterance as a TTS request and reports its end
// when the matching tts.done status arrives.
type BusSpeaker struct {
	bus    *bus.Client
	target string
	logger *slog.Logger
	sub    *nats.Subscription

	mu      sync.Mutex
	pending map[string]func()
}

func NewBusSpeaker(busClient *bus.Client, target string, logger *slog.Logger) (*BusSpeaker, error) {
	if logger == nil {
		logger = busClient.Logger()
	}
	b := &BusSpeaker{
		bus:     busClient,
		target:  target,
		logger:  logger.With(slog.String("component", "bus-speaker")),
		pending: make(map[string]func()),
	}
	sub, err := bus.Subscribe(busClient, protocol.SubjectTTSDone, b.handleDone)
	if err != nil {
		return nil, fmt.Errorf("subscribe tts done: %w", err)
	}
	b.sub = sub
	return b, nil
}

func (b *BusSpeaker) Close() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
}

// Pending is the number of utterances awaiting their end notification.
func (b *BusSpeaker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *BusSpeaker) Speak(ctx context.Context, u Utterance, onEnd func()) {
	b.mu.Lock()
	b.pending[u.ID] = onEnd
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { b.take(u.ID) })

	req := protocol.TTSRequest{
		SessionID:   u.SessionID,
		UtteranceID: u.ID,
		Text:        u.Text,
		Voice:       u.Voice,
		Rate:        u.Rate,
		Pitch:       u.Pitch,
		Target:      b.target,
	}
	if err := b.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		b.logger.Warn("failed to publish tts request", slogError(err), slog.String("utterance_id", u.ID))
		stop()
		if fn := b.take(u.ID); fn != nil {
			fn()
		}
	}
}

func (b *BusSpeaker) take(id string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn := b.pending[id]
	delete(b.pending, id)
	return fn
}

func (b *BusSpeaker) handleDone(status protocol.TTSStatus) {
	fn := b.take(status.UtteranceID)
	if fn == nil {
		return
	}
	if status.Error != "" {
		b.logger.Warn("tts reported failure", slog.String("utterance_id", status.UtteranceID), slog.String("error", status.Error))
	}
	fn()
}
