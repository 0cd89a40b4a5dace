package turn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/eventstore"
	"github.com/loqalabs/voicebridge/internal/llm"
	"github.com/loqalabs/voicebridge/internal/playback"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/loqalabs/voicebridge/internal/stt"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type completerFunc func(ctx context.Context, req llm.Request) (llm.Reply, error)

func (f completerFunc) Complete(ctx context.Context, req llm.Request) (llm.Reply, error) {
	return f(ctx, req)
}

func replyWith(text string, prompts *[]string) completerFunc {
	var mu sync.Mutex
	return func(_ context.Context, req llm.Request) (llm.Reply, error) {
		mu.Lock()
		defer mu.Unlock()
		if prompts != nil {
			*prompts = append(*prompts, req.Prompt)
		}
		return llm.Reply{Text: text}, nil
	}
}

// gateSpeaker holds every utterance until the test ends it.
type gateSpeaker struct {
	calls chan playback.Utterance
	ends  chan func()
}

func newGateSpeaker() *gateSpeaker {
	return &gateSpeaker{calls: make(chan playback.Utterance, 64), ends: make(chan func(), 64)}
}

func (g *gateSpeaker) Speak(_ context.Context, u playback.Utterance, onEnd func()) {
	g.calls <- u
	g.ends <- onEnd
}

func (g *gateSpeaker) next(t *testing.T) (playback.Utterance, func()) {
	t.Helper()
	select {
	case u := <-g.calls:
		return u, <-g.ends
	case <-time.After(5 * time.Second):
		t.Fatal("no utterance spoken")
		return playback.Utterance{}, nil
	}
}

func autoSpeaker() playback.Speaker {
	return playback.SpeakerFunc(func(_ context.Context, _ playback.Utterance, onEnd func()) {
		go onEnd()
	})
}

type recordingPublisher struct {
	mu     sync.Mutex
	states []protocol.TurnState
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var st protocol.TurnState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	p.mu.Lock()
	p.states = append(p.states, st)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, st := range p.states {
		out = append(out, st.State)
	}
	return out
}

func newController(t *testing.T, capture stt.Capture, completer llm.Completer, speaker playback.Speaker, opts Options) *Controller {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	c, err := NewController(capture, completer, speaker, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 5*time.Second, 5*time.Millisecond)
}

func TestNewControllerRequiresCapture(t *testing.T) {
	_, err := NewController(stt.Unsupported{}, replyWith("x", nil), autoSpeaker(), Options{})
	require.ErrorIs(t, err, stt.ErrCaptureUnsupported)
}

func TestFullTurn(t *testing.T) {
	ctx := context.Background()
	capture := stt.NewMockCapture("what is the weather")
	var prompts []string
	speaker := newGateSpeaker()
	c := newController(t, capture, replyWith("It is sunny. Expect light wind later today.", &prompts), speaker, Options{
		MaxLength: 20,
		Template:  playback.Params{Voice: "en-GB", Rate: 1},
	})

	require.Equal(t, StateIdle, c.State())
	require.NoError(t, c.Start(ctx))
	require.Equal(t, StateListening, c.State())
	turnID := c.TurnID()

	// A second start while listening changes nothing.
	require.NoError(t, c.Start(ctx))
	require.Equal(t, turnID, c.TurnID())

	require.NoError(t, c.Stop(ctx))
	require.Equal(t, StateSpeaking, c.State())
	require.Equal(t, []string{"what is the weather"}, prompts)
	require.Empty(t, capture.Transcript())

	first, end := speaker.next(t)
	require.Equal(t, "It is sunny.", first.Text)
	require.Equal(t, "en-GB", first.Voice)
	require.Equal(t, turnID, first.SessionID)

	// Start while speaking is rejected.
	require.NoError(t, c.Start(ctx))
	require.Equal(t, StateSpeaking, c.State())

	end()
	second, end := speaker.next(t)
	require.Equal(t, " Expect light wind", second.Text)
	end()
	third, end := speaker.next(t)
	require.Equal(t, " later today.", third.Text)
	require.Equal(t, StateSpeaking, c.State())
	end()

	waitState(t, c, StateIdle)
	require.Nil(t, c.Session())
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	called := false
	c := newController(t, stt.NewMockCapture("hi"), completerFunc(func(context.Context, llm.Request) (llm.Reply, error) {
		called = true
		return llm.Reply{Text: "x"}, nil
	}), autoSpeaker(), Options{})

	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, StateIdle, c.State())
	require.False(t, called)
}

func TestCompletionFailureReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	backendErr := errors.New("connection refused")
	speaker := newGateSpeaker()
	c := newController(t, stt.NewMockCapture("hello"), completerFunc(func(context.Context, llm.Request) (llm.Reply, error) {
		return llm.Reply{}, backendErr
	}), speaker, Options{})

	changes, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Start(ctx))
	err := c.Stop(ctx)
	require.ErrorIs(t, err, ErrCompletionFailed)
	require.ErrorIs(t, err, backendErr)
	require.Equal(t, StateIdle, c.State())
	require.Nil(t, c.Session())
	require.Empty(t, speaker.calls)

	var sawError bool
	for len(changes) > 0 {
		if ch := <-changes; ch.Err != nil {
			sawError = true
		}
	}
	require.True(t, sawError)

	// The controller is usable again.
	require.NoError(t, c.Start(ctx))
	require.Equal(t, StateListening, c.State())
}

func TestEmptyReplyFails(t *testing.T) {
	ctx := context.Background()
	c := newController(t, stt.NewMockCapture("hello"), replyWith("   ", nil), autoSpeaker(), Options{})
	require.NoError(t, c.Start(ctx))
	err := c.Stop(ctx)
	require.ErrorIs(t, err, ErrCompletionFailed)
	require.ErrorIs(t, err, llm.ErrEmptyReply)
	require.Equal(t, StateIdle, c.State())
}

func TestEmptyTranscriptSkipsCompletion(t *testing.T) {
	ctx := context.Background()
	var prompts []string
	c := newController(t, stt.NewMockCapture(""), replyWith("x", &prompts), autoSpeaker(), Options{})
	require.NoError(t, c.Start(ctx))
	err := c.Stop(ctx)
	require.ErrorIs(t, err, ErrEmptyTranscript)
	require.Empty(t, prompts)
	require.Equal(t, StateIdle, c.State())
}

func TestCancelWhileSpeakingStopsAtBoundary(t *testing.T) {
	ctx := context.Background()
	speaker := newGateSpeaker()
	c := newController(t, stt.NewMockCapture("tell me a story"), replyWith("Once upon a time. There was a bridge. It spoke.", nil), speaker, Options{MaxLength: 20})

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))
	session := c.Session()
	require.NotNil(t, session)

	_, end := speaker.next(t)
	c.Cancel(ctx)
	c.Cancel(ctx)
	require.Equal(t, StateSpeaking, c.State())
	end()

	waitState(t, c, StateIdle)
	require.Equal(t, 1, session.Spoken())
	require.Empty(t, speaker.calls)
}

func TestCancelWhileAwaitingReply(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	c := newController(t, stt.NewMockCapture("hello"), completerFunc(func(ctx context.Context, _ llm.Request) (llm.Reply, error) {
		close(started)
		<-ctx.Done()
		return llm.Reply{}, ctx.Err()
	}), autoSpeaker(), Options{})

	require.NoError(t, c.Start(ctx))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Stop(ctx) }()
	<-started

	// Pending reply reads as idle but refuses a new turn.
	require.Equal(t, StateIdle, c.State())
	require.NoError(t, c.Start(ctx))
	require.Equal(t, StateIdle, c.State())

	c.Cancel(ctx)
	err := <-errCh
	require.ErrorIs(t, err, ErrCompletionFailed)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateIdle, c.State())
}

func TestCancelWhileListeningDiscardsTranscript(t *testing.T) {
	ctx := context.Background()
	capture := stt.NewMockCapture("never sent")
	var prompts []string
	c := newController(t, capture, replyWith("x", &prompts), autoSpeaker(), Options{})

	require.NoError(t, c.Start(ctx))
	c.Cancel(ctx)
	require.Equal(t, StateIdle, c.State())
	require.Empty(t, capture.Transcript())
	require.Empty(t, prompts)
}

func TestStateBroadcastAndTimeline(t *testing.T) {
	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "turns.db"),
		RetentionMode: "session",
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pub := &recordingPublisher{}
	c := newController(t, stt.NewMockCapture("ping"), replyWith("Pong.", nil), autoSpeaker(), Options{
		Recorder:  store,
		Publisher: pub,
	})

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))
	waitState(t, c, StateIdle)

	require.Eventually(t, func() bool {
		names := pub.names()
		return len(names) == 4 && names[3] == "idle"
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"listening", "idle", "speaking", "idle"}, pub.names())

	events, err := store.ListTurnEvents(ctx, c.TurnID(), 10)
	require.NoError(t, err)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	require.Equal(t, []string{"listening", "transcript", "reply"}, kinds)

	require.Eventually(t, func() bool {
		turns, err := store.RecentTurns(ctx, 1)
		return err == nil && len(turns) == 1 && turns[0].Outcome == "spoken"
	}, 5*time.Second, 10*time.Millisecond)
}
