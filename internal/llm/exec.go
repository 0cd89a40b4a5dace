package llm

import (
	"context"
	"time"

	"github.com/loqalabs/voicebridge/internal/execcmd"
)

type execGenerator struct {
	cmd *execcmd.Command
}

type execRequest struct {
	Messages    []execMessage `json:"messages"`
	Prompt      string        `json:"prompt"`
	Model       string        `json:"model,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type execMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type execResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator runs command once per request, writing the request as JSON
// to stdin and reading {"content": ...} from stdout.
func NewExecGenerator(command string) (Generator, error) {
	cmd, err := execcmd.Parse("llm", command)
	if err != nil {
		return nil, err
	}
	return &execGenerator{cmd: cmd}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	var resp execResponse
	err := g.cmd.RunJSON(ctx, execRequest{
		Messages:    []execMessage{{Role: "system", Content: req.Prompt}},
		Prompt:      req.Prompt,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}, &resp)
	if err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          resp.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
