package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/voicebridge/internal/execcmd"
)

// execSynth streams newline-delimited JSON frames from a helper program.
type execSynth struct {
	cmd        *execcmd.Command
	sampleRate int
	channels   int
}

type execRequest struct {
	UtteranceID string  `json:"utterance_id,omitempty"`
	Text        string  `json:"text"`
	Voice       string  `json:"voice"`
	Rate        float64 `json:"rate,omitempty"`
	Pitch       float64 `json:"pitch,omitempty"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
}

type execFrame struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	cmd, err := execcmd.Parse("tts", command)
	if err != nil {
		return nil, err
	}
	return &execSynth{cmd: cmd, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		input, err := json.Marshal(execRequest{
			UtteranceID: req.UtteranceID,
			Text:        req.Text,
			Voice:       req.Voice,
			Rate:        req.Rate,
			Pitch:       req.Pitch,
			SampleRate:  e.sampleRate,
			Channels:    e.channels,
		})
		if err != nil {
			errs <- err
			return
		}
		var sequence int
		var final bool
		err = e.cmd.Stream(ctx, input, func(stdout io.Reader) error {
			var decodeErr error
			sequence, final, decodeErr = e.decode(ctx, req, stdout, chunks)
			return decodeErr
		})
		if err == nil && !final {
			err = e.send(ctx, chunks, req, sequence, nil, true)
		}
		if err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

// decode forwards frames until the helper closes stdout. It reports how many
// frames were sent and whether the last one was final; a helper that exits
// cleanly without a final frame gets an empty one appended.
func (e *execSynth) decode(ctx context.Context, req SynthRequest, r io.Reader, out chan<- SynthChunk) (int, bool, error) {
	dec := json.NewDecoder(r)
	sequence := 0
	final := false
	for {
		var frame execFrame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return sequence, final, nil
			}
			return sequence, final, fmt.Errorf("decode tts frame: %w", err)
		}
		if frame.Error != "" {
			return sequence, final, fmt.Errorf("tts command: %s", frame.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.PCMBase64)
		if err != nil {
			return sequence, final, fmt.Errorf("decode tts pcm: %w", err)
		}
		if err := e.send(ctx, out, req, sequence, pcm, frame.Final); err != nil {
			return sequence, final, err
		}
		sequence++
		final = frame.Final
	}
}

func (e *execSynth) send(ctx context.Context, out chan<- SynthChunk, req SynthRequest, sequence int, pcm []byte, final bool) error {
	chunk := SynthChunk{
		SessionID:  req.SessionID,
		Sequence:   sequence,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
		PCM:        pcm,
		Final:      final,
	}
	select {
	case out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
