package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus/bustest"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var out []SynthChunk
	var firstErr error
	timeout := time.After(5 * time.Second)
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		case <-timeout:
			t.Fatal("synthesis did not finish")
		}
	}
	return out, firstErr
}

func TestMockSynthSizesSilence(t *testing.T) {
	synth := NewMockSynth(1000, 1)
	stream, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hello"})
	chunks, err := drain(t, stream, errs)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.True(t, chunks[0].Final)
	// 5 runes * 10ms at 1kHz, 16-bit mono.
	require.Len(t, chunks[0].PCM, 100)
}

func TestExecSynthStreamsChunks(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.json")
	script := filepath.Join(dir, "tts.sh")
	one := base64.StdEncoding.EncodeToString([]byte{1, 2})
	two := base64.StdEncoding.EncodeToString([]byte{3, 4})
	body := "#!/bin/sh\ncat > " + input + "\n" +
		"echo '{\"pcm_base64\":\"" + one + "\"}'\n" +
		"echo '{\"pcm_base64\":\"" + two + "\",\"final\":true}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	synth, err := NewExecSynth("sh "+script, 22050, 1)
	require.NoError(t, err)
	stream, errs := synth.Synthesize(context.Background(), SynthRequest{UtteranceID: "u9", Text: "hi", Voice: "v", Rate: 1.2})
	chunks, err := drain(t, stream, errs)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, []byte{3, 4}, chunks[1].PCM)
	require.True(t, chunks[1].Final)

	raw, err := os.ReadFile(input)
	require.NoError(t, err)
	var sent execRequest
	require.NoError(t, json.Unmarshal(raw, &sent))
	require.Equal(t, "hi", sent.Text)
	require.Equal(t, 1.2, sent.Rate)
	require.Equal(t, "u9", sent.UtteranceID)
}

func TestExecSynthClosesUnterminatedStream(t *testing.T) {
	one := base64.StdEncoding.EncodeToString([]byte{7, 7})
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"`+one+`\"}"'`, 8000, 1)
	require.NoError(t, err)
	stream, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	chunks, err := drain(t, stream, errs)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.False(t, chunks[0].Final)
	require.True(t, chunks[1].Final)
	require.Empty(t, chunks[1].PCM)
}

func TestExecSynthReportsHelperError(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"error\":\"no such voice\"}"'`, 8000, 1)
	require.NoError(t, err)
	stream, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hi", Voice: "nobody"})
	_, err = drain(t, stream, errs)
	require.ErrorContains(t, err, "no such voice")
}

func TestNewSynthesizer(t *testing.T) {
	_, err := NewSynthesizer(config.TTSConfig{Mode: "mock"})
	require.NoError(t, err)
	_, err = NewSynthesizer(config.TTSConfig{Mode: "exec"})
	require.Error(t, err)
	_, err = NewSynthesizer(config.TTSConfig{Mode: "opera"})
	require.Error(t, err)
}

func subscribeStatus(t *testing.T, conn *nats.Conn) <-chan protocol.TTSStatus {
	t.Helper()
	out := make(chan protocol.TTSStatus, 4)
	sub, err := conn.Subscribe(protocol.SubjectTTSDone, func(msg *nats.Msg) {
		var st protocol.TTSStatus
		if json.Unmarshal(msg.Data, &st) == nil {
			out <- st
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return out
}

func TestServicePublishesDoneForEachUtterance(t *testing.T) {
	client := bustest.Start(t)
	cfg := config.TTSConfig{Enabled: true, SampleRate: 8000, Channels: 1, TimeoutMS: 5000}
	svc := NewService(context.Background(), cfg, client, NewMockSynth(8000, 1), bustest.Logger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())

	statuses := subscribeStatus(t, client.Conn())
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{
		SessionID: "s1", UtteranceID: "u1", Text: "Hello.", Target: "meeting",
	}))
	select {
	case st := <-statuses:
		require.Equal(t, "u1", st.UtteranceID)
		require.Equal(t, "meeting", st.Target)
		require.True(t, st.Completed)
		require.Empty(t, st.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("no done status")
	}
}

func TestServiceReportsFailure(t *testing.T) {
	client := bustest.Start(t)
	synth, err := NewExecSynth("false", 8000, 1)
	require.NoError(t, err)
	svc := NewService(context.Background(), config.TTSConfig{Enabled: true, TimeoutMS: 5000}, client, synth, bustest.Logger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	statuses := subscribeStatus(t, client.Conn())
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{UtteranceID: "u2", Text: "x"}))
	select {
	case st := <-statuses:
		require.Equal(t, "u2", st.UtteranceID)
		require.False(t, st.Completed)
		require.NotEmpty(t, st.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure status")
	}
}
