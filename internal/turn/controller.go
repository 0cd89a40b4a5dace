// Package turn drives one listen, complete, speak cycle at a time.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicebridge/internal/eventstore"
	"github.com/loqalabs/voicebridge/internal/llm"
	"github.com/loqalabs/voicebridge/internal/playback"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/loqalabs/voicebridge/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrCompletionFailed wraps the completer error; the controller is back to idle.
	ErrCompletionFailed = errors.New("turn: completion request failed")
	// ErrEmptyTranscript is wrapped in ErrCompletionFailed when nothing was heard.
	ErrEmptyTranscript = errors.New("turn: empty transcript")
)

// Recorder persists the turn timeline.
type Recorder interface {
	BeginTurn(ctx context.Context, turnID string) error
	FinishTurn(ctx context.Context, turnID, outcome string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Publisher broadcasts state changes, typically the bus client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Change is delivered to subscribers whenever the observable state changes or
// a turn fails.
type Change struct {
	TurnID string
	State  State
	Err    error
	At     time.Time
}

type Options struct {
	Continuous   bool
	MaxLength    int
	Template     playback.Params
	Modifier     func(*playback.Utterance)
	ChunkTimeout time.Duration
	Recorder     Recorder
	Publisher    Publisher
	Logger       *slog.Logger
}

// Controller owns the turn state machine. At most one playback session is
// live, and only while speaking.
type Controller struct {
	capture   stt.Capture
	completer llm.Completer
	speaker   playback.Speaker
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	turnID      string
	session     *playback.Session
	cancelReply context.CancelFunc
	replyCancel bool
	subs        map[int]chan Change
	nextSub     int
}

// NewController fails with stt.ErrCaptureUnsupported when capture cannot listen.
func NewController(capture stt.Capture, completer llm.Completer, speaker playback.Speaker, opts Options) (*Controller, error) {
	if capture == nil || !capture.Supported() {
		return nil, stt.ErrCaptureUnsupported
	}
	if completer == nil || speaker == nil {
		return nil, errors.New("turn: completer and speaker are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		capture:   capture,
		completer: completer,
		speaker:   speaker,
		opts:      opts,
		logger:    logger.With(slog.String("component", "turn")),
		tracer:    otel.Tracer("github.com/loqalabs/voicebridge/turn"),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		subs:      make(map[int]chan Change),
	}, nil
}

// State is the observable state; a pending completion reads as idle.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Observable()
}

// TurnID is the current or most recent turn.
func (c *Controller) TurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

// Session is the live playback session, if speaking.
func (c *Controller) Session() *playback.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Start begins listening. It is a no-op unless the controller is idle with no
// reply pending.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	next, err := Transition(c.state, EventStart)
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("start ignored", slog.String("state", string(c.state)))
		return nil
	}
	turnID := uuid.NewString()
	c.turnID = turnID
	c.setStateLocked(next, nil)
	c.mu.Unlock()

	c.record(turnID, "listening", "")
	if err := c.capture.StartCapture(ctx, c.opts.Continuous); err != nil {
		c.mu.Lock()
		if c.turnID == turnID && c.state == StateListening {
			c.setStateLocked(StateIdle, err)
		}
		c.mu.Unlock()
		c.finishTurn(turnID, "capture_failed")
		return fmt.Errorf("start capture: %w", err)
	}
	c.logger.Info("listening", slog.String("turn_id", turnID))
	return nil
}

// Stop ends listening, submits the transcript for completion and starts
// speaking the reply. It is a no-op unless listening. On failure the
// controller is idle again and the returned error wraps ErrCompletionFailed.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	next, err := Transition(c.state, EventStop)
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("stop ignored", slog.String("state", string(c.state)))
		return nil
	}
	turnID := c.turnID
	replyCtx, cancelReply := context.WithCancel(ctx)
	defer cancelReply()
	c.cancelReply = cancelReply
	c.replyCancel = false
	c.setStateLocked(next, nil)
	c.mu.Unlock()

	if err := c.capture.StopCapture(ctx); err != nil {
		c.logger.Warn("stop capture failed", slog.String("turn_id", turnID), slogError(err))
	}
	transcript := strings.TrimSpace(c.capture.Transcript())
	c.capture.ResetTranscript()
	c.record(turnID, "transcript", transcript)

	reply, err := c.complete(replyCtx, turnID, transcript)

	c.mu.Lock()
	c.cancelReply = nil
	if err == nil && c.replyCancel {
		err = context.Canceled
	}
	if err != nil {
		next, _ := Transition(c.state, EventFail)
		c.setStateLocked(next, err)
		c.mu.Unlock()
		c.logger.Warn("completion failed", slog.String("turn_id", turnID), slogError(err))
		c.record(turnID, "completion_failed", err.Error())
		c.finishTurn(turnID, "failed")
		turnCounter().Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}

	session, err := playback.NewSession(reply.Text, c.speaker, playback.Options{
		ID:           turnID,
		MaxLength:    c.opts.MaxLength,
		Template:     c.opts.Template,
		Modifier:     c.opts.Modifier,
		ChunkTimeout: c.opts.ChunkTimeout,
		Logger:       c.logger,
	})
	if err != nil {
		c.setStateLocked(StateIdle, err)
		c.mu.Unlock()
		c.finishTurn(turnID, "failed")
		return fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}
	next, _ = Transition(c.state, EventReply)
	c.session = session
	c.setStateLocked(next, nil)
	c.mu.Unlock()

	c.record(turnID, "reply", reply.Text)
	if err := session.Start(c.ctx, func() { c.finishSpeaking(turnID, session) }); err != nil {
		return err
	}
	c.logger.Info("speaking reply",
		slog.String("turn_id", turnID),
		slog.Int("runes", session.Len()),
		slog.Duration("completion_latency", reply.Latency),
	)
	return nil
}

func (c *Controller) complete(ctx context.Context, turnID, transcript string) (llm.Reply, error) {
	ctx, span := c.tracer.Start(ctx, "turn.stop", trace.WithAttributes(
		attribute.String("turn.id", turnID),
		attribute.Int("transcript.runes", len([]rune(transcript))),
	))
	defer span.End()

	if transcript == "" {
		span.SetStatus(codes.Error, ErrEmptyTranscript.Error())
		return llm.Reply{}, ErrEmptyTranscript
	}

	start := time.Now()
	reply, err := c.completer.Complete(ctx, llm.Request{
		SessionID: turnID,
		Prompt:    transcript,
		TraceID:   span.SpanContext().TraceID().String(),
	})
	completionLatency().Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Reply{}, err
	}
	if strings.TrimSpace(reply.Text) == "" {
		span.SetStatus(codes.Error, llm.ErrEmptyReply.Error())
		return llm.Reply{}, llm.ErrEmptyReply
	}
	span.SetAttributes(attribute.Int("reply.runes", len([]rune(reply.Text))))
	return reply, nil
}

func (c *Controller) finishSpeaking(turnID string, session *playback.Session) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.session = nil
	next, _ := Transition(c.state, EventDone)
	c.setStateLocked(next, nil)
	c.mu.Unlock()

	outcome := "spoken"
	if session.Cancelled() {
		outcome = "cancelled"
	}
	c.logger.Info("turn finished", slog.String("turn_id", turnID), slog.String("outcome", outcome), slog.Int("chunks", session.Spoken()))
	c.finishTurn(turnID, outcome)
	turnCounter().Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Cancel abandons the current turn. While listening the capture is stopped
// and its transcript discarded; while awaiting a reply the request is
// cancelled; while speaking the session stops at the next chunk boundary and
// the controller returns to idle when it completes.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	switch c.state {
	case StateListening:
		turnID := c.turnID
		next, _ := Transition(c.state, EventCancel)
		c.setStateLocked(next, nil)
		c.mu.Unlock()
		if err := c.capture.StopCapture(ctx); err != nil {
			c.logger.Warn("stop capture failed", slogError(err))
		}
		c.capture.ResetTranscript()
		c.finishTurn(turnID, "cancelled")
		return
	case StateAwaiting:
		c.replyCancel = true
		if c.cancelReply != nil {
			c.cancelReply()
		}
	case StateSpeaking:
		if c.session != nil {
			c.session.Cancel()
		}
	}
	c.mu.Unlock()
}

// Subscribe delivers state changes until unsubscribe is called. Slow
// subscribers miss changes rather than block the controller.
func (c *Controller) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 16)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Close cancels any live session; callers see it complete shortly after.
func (c *Controller) Close() {
	c.Cancel(context.Background())
	c.cancel()
}

func (c *Controller) setStateLocked(next State, err error) {
	prev := c.state.Observable()
	c.state = next
	if next.Observable() == prev && err == nil {
		return
	}
	change := Change{TurnID: c.turnID, State: next.Observable(), Err: err, At: time.Now().UTC()}
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
	if c.opts.Publisher != nil {
		msg := protocol.TurnState{TurnID: change.TurnID, State: string(change.State), Timestamp: change.At}
		if err != nil {
			msg.Error = err.Error()
		}
		if perr := c.opts.Publisher.PublishJSON(protocol.SubjectTurnState, msg); perr != nil {
			c.logger.Warn("failed to broadcast turn state", slogError(perr))
		}
	}
}

func (c *Controller) record(turnID, kind, payload string) {
	if c.opts.Recorder == nil {
		return
	}
	ctx := context.Background()
	if kind == "listening" {
		if err := c.opts.Recorder.BeginTurn(ctx, turnID); err != nil {
			c.logger.Warn("record turn failed", slogError(err))
			return
		}
	}
	if err := c.opts.Recorder.AppendEvent(ctx, eventstore.Event{TurnID: turnID, Type: kind, Payload: []byte(payload)}); err != nil {
		c.logger.Warn("record turn event failed", slog.String("type", kind), slogError(err))
	}
}

func (c *Controller) finishTurn(turnID, outcome string) {
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.FinishTurn(context.Background(), turnID, outcome); err != nil {
		c.logger.Warn("record turn outcome failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
