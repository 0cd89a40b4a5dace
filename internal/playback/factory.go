package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
)

// NewSpeaker builds the speaker selected by cfg.Mode. The returned close
// function releases bus subscriptions and is never nil.
func NewSpeaker(cfg config.PlaybackConfig, busClient *bus.Client, logger *slog.Logger) (Speaker, func(), error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSpeaker(time.Duration(cfg.MockRuneMS) * time.Millisecond), func() {}, nil
	case "exec":
		s, err := NewExecSpeaker(cfg.Command, logger)
		return s, func() {}, err
	case "bus":
		if busClient == nil {
			return nil, func() {}, errors.New("bus playback requires a bus connection")
		}
		s, err := NewBusSpeaker(busClient, cfg.Target, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return s, s.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown playback mode %q", cfg.Mode)
	}
}

// TemplateFromConfig picks the voice by index and copies rate and pitch.
func TemplateFromConfig(cfg config.PlaybackConfig) Params {
	return Params{
		Voice: SelectVoice(cfg.Voices, cfg.VoiceIndex, cfg.Voice),
		Rate:  cfg.Rate,
		Pitch: cfg.Pitch,
	}
}

// OptionsFromConfig returns session options for cfg.
func OptionsFromConfig(cfg config.PlaybackConfig, logger *slog.Logger) Options {
	return Options{
		MaxLength:    cfg.ChunkLength,
		Template:     TemplateFromConfig(cfg),
		ChunkTimeout: time.Duration(cfg.ChunkTimeoutMS) * time.Millisecond,
		Logger:       logger,
	}
}
