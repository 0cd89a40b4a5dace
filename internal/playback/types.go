package playback

import (
	"context"
	"errors"
)

var (
	// ErrEmptyText is returned when a session is built with nothing to say.
	ErrEmptyText = errors.New("playback: empty text")
	// ErrAlreadyStarted is returned on a second Start of the same session.
	ErrAlreadyStarted = errors.New("playback: session already started")
	// ErrPlaybackStalled is logged when a chunk never reports its end within
	// the configured chunk timeout.
	ErrPlaybackStalled = errors.New("playback: finished notification never arrived")
)

// Params are the speech parameters copied onto every chunk.
type Params struct {
	Voice string
	Rate  float64
	Pitch float64
}

// Utterance is one discrete unit of speech handed to a Speaker.
type Utterance struct {
	ID        string
	SessionID string
	Index     int
	Text      string
	Params
}

// Speaker is the one-shot playback primitive. Speak hands off u and returns;
// onEnd is invoked once playback of u has finished. Implementations report
// hand-off failures by logging and calling onEnd so the caller never stalls
// on an utterance that was never queued.
type Speaker interface {
	Speak(ctx context.Context, u Utterance, onEnd func())
}

// SpeakerFunc adapts a function to Speaker.
type SpeakerFunc func(ctx context.Context, u Utterance, onEnd func())

func (f SpeakerFunc) Speak(ctx context.Context, u Utterance, onEnd func()) { f(ctx, u, onEnd) }

// SelectVoice picks voices[index], falling back when the index is out of range.
func SelectVoice(voices []string, index int, fallback string) string {
	if index >= 0 && index < len(voices) && voices[index] != "" {
		return voices[index]
	}
	return fallback
}
