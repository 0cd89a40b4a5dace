package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrCaptureUnsupported is returned when the environment cannot capture speech.
var ErrCaptureUnsupported = errors.New("stt: speech capture unsupported")

// Capture is the listening side of a voice turn. Transcript accumulates
// recognized text between StartCapture and ResetTranscript.
type Capture interface {
	Supported() bool
	StartCapture(ctx context.Context, continuous bool) error
	StopCapture(ctx context.Context) error
	Transcript() string
	ResetTranscript()
}

// NewCapture builds the capture selected by cfg.Capture.
func NewCapture(cfg config.STTConfig, busClient *bus.Client, logger *slog.Logger) (Capture, error) {
	switch cfg.Capture {
	case "", "none":
		return Unsupported{}, nil
	case "mock":
		return NewMockCapture(cfg.MockTranscript), nil
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus capture requires a bus connection")
		}
		return NewBusCapture(busClient, "", logger)
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Capture)
	}
}

// Unsupported reports no capture ability.
type Unsupported struct{}

func (Unsupported) Supported() bool { return false }
func (Unsupported) StartCapture(context.Context, bool) error { return ErrCaptureUnsupported }
func (Unsupported) StopCapture(context.Context) error { return nil }
func (Unsupported) Transcript() string { return "" }
func (Unsupported) ResetTranscript() {}

// transcriptBuffer joins final segments and keeps the latest interim one.
type transcriptBuffer struct {
	finals  []string
	interim string
}

func (b *transcriptBuffer) add(text string, partial bool) {
	text = strings.TrimSpace(text)
	if partial {
		b.interim = text
		return
	}
	b.interim = ""
	if text != "" {
		b.finals = append(b.finals, text)
	}
}

func (b *transcriptBuffer) String() string {
	parts := b.finals
	if b.interim != "" {
		parts = append(parts[:len(parts):len(parts)], b.interim)
	}
	return strings.Join(parts, " ")
}

func (b *transcriptBuffer) reset() {
	b.finals = nil
	b.interim = ""
}

// flushTimeout bounds how long StopCapture waits for the recognizer to
// publish the transcripts of audio it already buffered.
const flushTimeout = 5 * time.Second

// BusCapture toggles the recognizer over the bus and accumulates the
// transcripts it publishes. An empty sessionID accepts every session.
//
// Transcripts and flush acknowledgements share one subscription so they are
// handled in publish order.
type BusCapture struct {
	bus       *bus.Client
	sessionID string
	sub       *nats.Subscription
	logger    *slog.Logger

	mu      sync.Mutex
	active  bool
	flushed chan struct{}
	buf     transcriptBuffer
}

func NewBusCapture(busClient *bus.Client, sessionID string, logger *slog.Logger) (*BusCapture, error) {
	c := &BusCapture{
		bus:       busClient,
		sessionID: sessionID,
		logger:    logger.With(slog.String("component", "stt-capture")),
	}
	sub, err := busClient.Conn().Subscribe(protocol.SubjectSTTAll, c.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectSTTAll, err)
	}
	c.sub = sub
	return c, nil
}

func (c *BusCapture) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

func (c *BusCapture) Supported() bool { return true }

func (c *BusCapture) StartCapture(ctx context.Context, continuous bool) error {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	return c.publishControl(true, continuous)
}

// StopCapture deactivates the recognizer and keeps accepting transcripts
// until it confirms the buffered audio has been transcribed, ctx ends, or
// flushTimeout passes.
func (c *BusCapture) StopCapture(ctx context.Context) error {
	flushed := make(chan struct{})
	c.mu.Lock()
	c.flushed = flushed
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = false
		c.flushed = nil
		c.mu.Unlock()
	}()

	if err := c.publishControl(false, false); err != nil {
		return err
	}
	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()
	select {
	case <-flushed:
		return nil
	case <-timer.C:
		c.logger.Warn("recognizer did not confirm flush", slog.Duration("timeout", flushTimeout))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *BusCapture) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *BusCapture) ResetTranscript() {
	c.mu.Lock()
	c.buf.reset()
	c.mu.Unlock()
}

func (c *BusCapture) publishControl(active, continuous bool) error {
	return c.bus.PublishJSON(protocol.SubjectCaptureControl, protocol.CaptureControl{
		SessionID:  c.sessionID,
		Active:     active,
		Continuous: continuous,
		Timestamp:  time.Now().UTC(),
	})
}

func (c *BusCapture) handleMessage(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			c.logger.Warn("dropping undecodable transcript", slogError(err))
			return
		}
		c.handleTranscript(tr)
	case protocol.SubjectCaptureFlushed:
		var ack protocol.CaptureFlushed
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			c.logger.Warn("dropping undecodable flush", slogError(err))
			return
		}
		c.handleFlushed(ack)
	}
}

func (c *BusCapture) handleFlushed(ack protocol.CaptureFlushed) {
	if c.sessionID != "" && ack.SessionID != c.sessionID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushed != nil {
		close(c.flushed)
		c.flushed = nil
	}
}

func (c *BusCapture) handleTranscript(tr protocol.Transcript) {
	if c.sessionID != "" && tr.SessionID != c.sessionID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.buf.add(tr.Text, tr.Partial)
}

// MockCapture yields a fixed transcript once capture stops. Feed appends
// text while listening.
type MockCapture struct {
	text string

	mu     sync.Mutex
	active bool
	buf    transcriptBuffer
}

func NewMockCapture(text string) *MockCapture {
	return &MockCapture{text: text}
}

func (m *MockCapture) Supported() bool { return true }

func (m *MockCapture) StartCapture(context.Context, bool) error {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	return nil
}

func (m *MockCapture) StopCapture(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active && m.text != "" {
		m.buf.add(m.text, false)
	}
	m.active = false
	return nil
}

func (m *MockCapture) Feed(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.buf.add(text, false)
	}
}

func (m *MockCapture) Transcript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func (m *MockCapture) ResetTranscript() {
	m.mu.Lock()
	m.buf.reset()
	m.mu.Unlock()
}
