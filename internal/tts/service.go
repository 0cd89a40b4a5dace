package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service synthesizes utterances requested on the bus. Every request is
// answered by exactly one status on the done subject, including failures.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	// Replicas split requests through one queue group.
	sub, err := bus.QueueSubscribe(s.bus, protocol.SubjectTTSRequest, "tts", s.handleRequest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.sub != nil
}

func (s *Service) handleRequest(req protocol.TTSRequest) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.synthesize(req)
		if err != nil {
			s.logger.Warn("tts synthesis failed",
				slog.String("utterance_id", req.UtteranceID),
				slogError(err),
			)
		}
		s.publishStatus(req, err)
	}()
}

func (s *Service) synthesize(req protocol.TTSRequest) error {
	ctx := s.ctx
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		SessionID:   req.SessionID,
		UtteranceID: req.UtteranceID,
		Text:        req.Text,
		Voice:       req.Voice,
		Rate:        req.Rate,
		Pitch:       req.Pitch,
	})
	var synthErr error
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			s.publishChunk(req, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = errors.Join(synthErr, err)
			}
			if !ok {
				errs = nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return synthErr
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	err := s.bus.PublishJSON(protocol.SubjectTTSAudio, protocol.AudioChunk{
		SessionID:   req.SessionID,
		UtteranceID: req.UtteranceID,
		Target:      req.Target,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    chunk.Sequence,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	})
	if err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.TTSRequest, synthErr error) {
	status := protocol.TTSStatus{
		SessionID:   req.SessionID,
		UtteranceID: req.UtteranceID,
		Target:      req.Target,
		Completed:   synthErr == nil,
		Timestamp:   time.Now().UTC(),
	}
	if synthErr != nil {
		status.Error = synthErr.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
