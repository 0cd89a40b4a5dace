package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/voicebridge/internal/config"
)

// ErrEmptyReply is returned when the backend answered with no usable text.
var ErrEmptyReply = errors.New("llm: empty reply")

// Request describes a language model prompt. The prompt is sent as a single
// system-role message.
type Request struct {
	SessionID   string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Reply is a fully assembled completion.
type Reply struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Completer turns one transcript into one reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (Reply, error)
}

// Complete drains gen into a single reply.
func Complete(ctx context.Context, gen Generator, req Request) (Reply, error) {
	start := time.Now()
	var sb strings.Builder
	var reply Reply
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		if chunk.PromptTokens > 0 {
			reply.PromptTokens = chunk.PromptTokens
		}
		if chunk.CompletionTokens > 0 {
			reply.CompletionTokens = chunk.CompletionTokens
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	reply.Text = strings.TrimSpace(sb.String())
	if reply.Text == "" {
		return Reply{}, ErrEmptyReply
	}
	reply.Latency = time.Since(start)
	return reply, nil
}

// Direct completes requests in-process with a Generator, filling unset
// request fields from config.
type Direct struct {
	gen Generator
	cfg config.LLMConfig
}

func NewDirect(gen Generator, cfg config.LLMConfig) *Direct {
	return &Direct{gen: gen, cfg: cfg}
}

func (d *Direct) Complete(ctx context.Context, req Request) (Reply, error) {
	req = OptionsFromConfig(d.cfg, req)
	if d.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	return Complete(ctx, d.gen, req)
}

// OptionsFromConfig fills defaults from config into req.
func OptionsFromConfig(cfg config.LLMConfig, req Request) Request {
	if req.Model == "" {
		req.Model = cfg.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = cfg.Temperature
	}
	return req
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig, logger *slog.Logger) (Generator, error) {
	if logger != nil {
		logger.Debug("llm backend selected", slog.String("mode", cfg.Mode), slog.String("model", cfg.Model))
	}
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
