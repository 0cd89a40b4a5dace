package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers completion requests published on the bus.
type Service struct {
	completer Completer
	bus       *bus.Client
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	ready     bool
	logger    *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, completer Completer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		completer: completer,
		bus:       busClient,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	sub, err := bus.Handle(s.bus, protocol.SubjectLLMComplete, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe llm requests: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleRequest(msg *nats.Msg, req protocol.LLMRequest) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply, err := s.completer.Complete(s.ctx, Request{
			SessionID:   req.SessionID,
			Prompt:      req.Prompt,
			Model:       req.Model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			TraceID:     req.TraceID,
		})
		resp := protocol.LLMResponse{SessionID: req.SessionID, TraceID: req.TraceID}
		if err != nil {
			s.logger.Warn("llm generation failed", slog.String("session_id", req.SessionID), slogError(err))
			resp.Error = err.Error()
		} else {
			resp.Content = reply.Text
			resp.PromptTokens = reply.PromptTokens
			resp.CompletionTokens = reply.CompletionTokens
			resp.LatencyMS = reply.Latency.Milliseconds()
			s.logger.Info("llm generation complete",
				slog.String("session_id", req.SessionID),
				slog.Duration("latency", reply.Latency),
			)
		}
		s.respond(msg, resp)
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.LLMResponse) {
	resp.Timestamp = time.Now().UTC()
	if err := s.bus.RespondJSON(msg, resp); err != nil {
		s.logger.Warn("failed to publish llm response", slogError(err))
	}
}

// BusCompleter forwards completions to a Service over request/reply.
type BusCompleter struct {
	bus *bus.Client
	cfg config.LLMConfig
}

func NewBusCompleter(busClient *bus.Client, cfg config.LLMConfig) *BusCompleter {
	return &BusCompleter{bus: busClient, cfg: cfg}
}

func (c *BusCompleter) Complete(ctx context.Context, req Request) (Reply, error) {
	if c.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	var resp protocol.LLMResponse
	err := c.bus.RequestJSON(ctx, protocol.SubjectLLMComplete, protocol.LLMRequest{
		SessionID:   req.SessionID,
		Prompt:      req.Prompt,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TraceID:     req.TraceID,
		Timestamp:   time.Now().UTC(),
	}, &resp)
	if err != nil {
		return Reply{}, err
	}
	if resp.Error != "" {
		if resp.Error == ErrEmptyReply.Error() {
			return Reply{}, ErrEmptyReply
		}
		return Reply{}, errors.New(resp.Error)
	}
	if resp.Content == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{
		Text:             resp.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Duration(resp.LatencyMS) * time.Millisecond,
	}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
