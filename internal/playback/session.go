package playback

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicebridge/internal/chunker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// residualRunes is the longest chunk that ends the session instead of being
// spoken; one or two runes are stray punctuation or whitespace.
const residualRunes = 2

// Options configures a Session.
type Options struct {
	ID        string
	MaxLength int
	Template  Params
	// Modifier, when set, may adjust each chunk's parameters before it is
	// spoken. The chunk text is restored afterwards.
	Modifier func(*Utterance)
	// ChunkTimeout bounds the wait for a chunk's end notification. Zero waits forever.
	ChunkTimeout time.Duration
	Logger       *slog.Logger
}

// Session speaks one reply as a sequence of bounded chunks, never more than
// one in flight. The scheduling loop runs on its own goroutine and is driven
// by end notifications, so long replies do not grow the call stack.
type Session struct {
	id      string
	text    []rune
	opts    Options
	speaker Speaker
	logger  *slog.Logger

	offset    atomic.Int64
	cancelled atomic.Bool
	started   atomic.Bool
	spoken    atomic.Int32

	done     chan struct{}
	doneOnce sync.Once
}

// NewSession builds a session for text. It does not start speaking.
func NewSession(text string, speaker Speaker, opts Options) (*Session, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if opts.MaxLength < 1 {
		opts.MaxLength = chunker.DefaultMaxLength
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:      opts.ID,
		text:    []rune(text),
		opts:    opts,
		speaker: speaker,
		logger:  logger.With(slog.String("component", "playback"), slog.String("session_id", opts.ID)),
		done:    make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

// Offset is the number of runes consumed. A session that ends on a residual
// chunk counts the rest of the text as consumed.
func (s *Session) Offset() int { return int(s.offset.Load()) }

// Len is the length of the full text in runes.
func (s *Session) Len() int { return len(s.text) }

// Spoken is the number of chunks that finished playing.
func (s *Session) Spoken() int { return int(s.spoken.Load()) }

// Done is closed once the session has completed or been cancelled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Cancel stops the session from scheduling another chunk. Audio already
// handed to the Speaker plays to its end. Safe to call repeatedly.
func (s *Session) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.logger.Debug("playback cancel requested", slog.Int("offset", s.Offset()))
	}
}

// Start begins speaking from the first rune. onAllDone is called exactly once,
// after the last chunk ends or at the first chunk boundary after Cancel.
// Cancelling ctx abandons the wait on the current chunk and completes the session.
func (s *Session) Start(ctx context.Context, onAllDone func()) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go s.run(ctx, onAllDone)
	return nil
}

func (s *Session) run(ctx context.Context, onAllDone func()) {
	defer s.finish(onAllDone)

	for index := 0; ; index++ {
		offset := s.Offset()
		if offset >= len(s.text) {
			return
		}
		if s.cancelled.Load() {
			s.logger.Info("playback cancelled", slog.Int("offset", offset), slog.Int("length", len(s.text)))
			return
		}

		chunk := chunker.Next(s.text[offset:], s.opts.MaxLength)
		if len(chunk) <= residualRunes {
			s.logger.Debug("residual chunk ends playback", slog.Int("offset", offset), slog.Int("runes", len(chunk)))
			s.offset.Store(int64(len(s.text)))
			return
		}

		utt := Utterance{
			ID:        uuid.NewString(),
			SessionID: s.id,
			Index:     index,
			Text:      string(chunk),
			Params:    s.opts.Template,
		}
		if s.opts.Modifier != nil {
			s.opts.Modifier(&utt)
			utt.Text = string(chunk)
		}

		if !s.speak(ctx, utt) {
			return
		}
		s.offset.Add(int64(len(chunk)))
		s.spoken.Add(1)
		chunkCounter().Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "spoken")))
	}
}

// speak hands utt to the Speaker and blocks until its end notification.
func (s *Session) speak(ctx context.Context, utt Utterance) bool {
	ended := make(chan struct{})
	var once sync.Once
	s.logger.Debug("speaking chunk", slog.Int("index", utt.Index), slog.Int("runes", len([]rune(utt.Text))))
	s.speaker.Speak(ctx, utt, func() {
		once.Do(func() { close(ended) })
	})

	var timeout <-chan time.Time
	if s.opts.ChunkTimeout > 0 {
		timer := time.NewTimer(s.opts.ChunkTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ended:
		return true
	case <-timeout:
		s.logger.Warn("playback stalled", slogError(ErrPlaybackStalled), slog.Int("index", utt.Index), slog.Duration("timeout", s.opts.ChunkTimeout))
		chunkCounter().Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "stalled")))
		return false
	case <-ctx.Done():
		s.logger.Warn("playback abandoned", slogError(ctx.Err()), slog.Int("index", utt.Index))
		return false
	}
}

func (s *Session) finish(onAllDone func()) {
	s.doneOnce.Do(func() {
		if onAllDone != nil {
			onAllDone()
		}
		close(s.done)
	})
}

var (
	instrumentsOnce sync.Once
	chunks          metric.Int64Counter
)

func chunkCounter() metric.Int64Counter {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("github.com/loqalabs/voicebridge/playback")
		c, err := meter.Int64Counter("voicebridge.playback.chunks", metric.WithDescription("Chunks handed to the speaker"))
		if err != nil {
			chunks = noop.Int64Counter{}
			return
		}
		chunks = c
	})
	return chunks
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
