package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

const mockSilencePerRune = 10 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth emits silence sized to the text after a short delay.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(50 * time.Millisecond):
		}
		samples := int(time.Duration(utf8.RuneCountInString(req.Text)) * mockSilencePerRune * time.Duration(m.sampleRate) / time.Second)
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, samples*m.channels*2),
			Final:      true,
		}
	}()
	return chunks, errs
}
