package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transcribeTimeout = 45 * time.Second

// Service transcribes audio frames from the bus while capture is active and
// publishes partial and final transcripts.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	sessions   map[string]*sessionState
	finishing  map[string]chan struct{}
	listening  bool
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	ready      bool
	logger     *slog.Logger
}

type sessionState struct {
	Buffer       []byte
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		sessions:   make(map[string]*sessionState),
		finishing:  make(map[string]chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "stt-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := bus.Subscribe(s.bus, protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	control, err := bus.Subscribe(s.bus, protocol.SubjectCaptureControl, s.handleControl)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe capture control: %w", err)
	}
	s.mu.Lock()
	s.subs = []*nats.Subscription{frames, control}
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

// Listening reports whether frames are currently being transcribed.
func (s *Service) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Service) handleControl(ctl protocol.CaptureControl) {

	s.mu.Lock()
	s.listening = ctl.Active
	var pending []string
	if !ctl.Active {
		for id, state := range s.sessions {
			if len(state.Buffer) > 0 {
				pending = append(pending, id)
			}
		}
	}
	s.mu.Unlock()

	s.logger.Debug("capture toggled", slog.Bool("active", ctl.Active), slog.Bool("continuous", ctl.Continuous))
	for _, id := range pending {
		s.scheduleTranscription(id, true)
	}
	if !ctl.Active {
		s.confirmFlush(ctl.SessionID)
	}
}

// confirmFlush publishes CaptureFlushed once every final transcription
// scheduled so far has been published.
func (s *Service) confirmFlush(sessionID string) {
	s.mu.Lock()
	waits := make([]chan struct{}, 0, len(s.finishing))
	for _, done := range s.finishing {
		waits = append(waits, done)
	}
	s.mu.Unlock()

	if len(waits) == 0 {
		s.publishFlushed(sessionID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, done := range waits {
			select {
			case <-done:
			case <-s.ctx.Done():
				return
			}
		}
		s.publishFlushed(sessionID)
	}()
}

func (s *Service) publishFlushed(sessionID string) {
	err := s.bus.PublishJSON(protocol.SubjectCaptureFlushed, protocol.CaptureFlushed{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to publish capture flush", slogError(err))
	}
}

func (s *Service) handleFrame(frame protocol.AudioFrame) {

	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return
	}
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if final {
		if _, ok := s.finishing[sessionID]; !ok {
			s.finishing[sessionID] = make(chan struct{})
		}
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	state.Inflight = true
	if final {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, final)
		if err != nil {
			s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
		} else {
			s.publishTranscript(sessionID, result.Text, result.Confidence, final)
		}
		if final {
			s.mu.Lock()
			done := s.finishing[sessionID]
			delete(s.finishing, sessionID)
			s.mu.Unlock()
			if done != nil {
				close(done)
			}
			return
		}

		s.mu.Lock()
		var pendingFinal bool
		if state := s.sessions[sessionID]; state != nil {
			state.Inflight = false
			state.LastPartial = time.Now()
			pendingFinal = state.PendingFinal
		}
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	err := s.bus.PublishJSON(subject, protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	})
	if err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}
