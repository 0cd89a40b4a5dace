package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/execcmd"
)

// execRecognizer hands each buffered utterance to a helper as a 16-bit WAV
// file and reads {"text", "confidence"} back.
type execRecognizer struct {
	cmd *execcmd.Command
	cfg config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	cmd, err := execcmd.Parse("stt", cfg.Command)
	if err != nil {
		return nil, err
	}
	return &execRecognizer{cmd: cmd, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if sampleRate <= 0 {
		sampleRate = r.cfg.SampleRate
	}
	if channels <= 0 {
		channels = r.cfg.Channels
	}
	path, err := writeTempWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(path)

	output, err := r.cmd.Run(ctx, nil, r.args(path, final)...)
	if err != nil {
		return TranscriptResult{}, err
	}
	if len(bytes.TrimSpace(output)) == 0 {
		return TranscriptResult{}, nil
	}
	var res execResult
	if err := json.Unmarshal(output, &res); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt output: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(res.Text), Confidence: res.Confidence}, nil
}

func (r *execRecognizer) args(path string, final bool) []string {
	args := []string{"--audio", path}
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	if !final {
		args = append(args, "--partial")
	}
	return args
}

func writeTempWAV(pcm []byte, sampleRate, channels int) (string, error) {
	file, err := os.CreateTemp("", "voicebridge_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp wav: %w", err)
	}
	if err := encodeWAV(file, pcm, sampleRate, channels); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close wav: %w", err)
	}
	return file.Name(), nil
}

// encodeWAV writes little-endian 16-bit PCM as a WAV container.
func encodeWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned to 16-bit samples (%d bytes)", len(pcm))
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
