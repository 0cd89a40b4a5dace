package playback

import (
	"context"
	"log/slog"

	"github.com/loqalabs/voicebridge/internal/execcmd"
)

type execSpeaker struct {
	cmd    *execcmd.Command
	logger *slog.Logger
}

type execRequest struct {
	ID    string  `json:"id,omitempty"`
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Rate  float64 `json:"rate,omitempty"`
	Pitch float64 `json:"pitch,omitempty"`
}

// NewExecSpeaker runs command once per utterance, writing the utterance as
// JSON to its stdin. The utterance ends when the process exits. Calls are
// serialised so two utterances never share the audio device.
func NewExecSpeaker(command string, logger *slog.Logger) (Speaker, error) {
	cmd, err := execcmd.Parse("playback", command)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &execSpeaker{cmd: cmd, logger: logger.With(slog.String("component", "exec-speaker"))}, nil
}

func (e *execSpeaker) Speak(ctx context.Context, u Utterance, onEnd func()) {
	go func() {
		defer onEnd()
		req := execRequest{ID: u.ID, Text: u.Text, Voice: u.Voice, Rate: u.Rate, Pitch: u.Pitch}
		if err := e.cmd.RunJSON(ctx, req, nil); err != nil {
			e.logger.Warn("playback command failed", slogError(err), slog.String("utterance_id", u.ID))
		}
	}()
}
