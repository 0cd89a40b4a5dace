package playback

import (
	"context"
	"time"
)

type mockSpeaker struct {
	perRune time.Duration
}

// NewMockSpeaker returns a Speaker that "plays" each utterance for perRune
// per rune of text and then reports its end.
func NewMockSpeaker(perRune time.Duration) Speaker {
	return &mockSpeaker{perRune: perRune}
}

func (m *mockSpeaker) Speak(ctx context.Context, u Utterance, onEnd func()) {
	d := time.Duration(len([]rune(u.Text))) * m.perRune
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
		onEnd()
	}()
}
