package execcmd

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cmd, err := Parse("tts", `say -v "Samantha Enhanced"`)
	require.NoError(t, err)
	require.Equal(t, "say -v Samantha Enhanced", cmd.String())

	_, err = Parse("tts", "   ")
	require.ErrorIs(t, err, ErrEmptyCommand)

	_, err = Parse("tts", "say 'unterminated")
	require.Error(t, err)
}

func TestRunEchoesStdin(t *testing.T) {
	cmd, err := Parse("echo", "cat")
	require.NoError(t, err)
	out, err := cmd.Run(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
}

func TestRunAppendsExtraArgs(t *testing.T) {
	cmd, err := Parse("args", "echo first")
	require.NoError(t, err)
	out, err := cmd.Run(context.Background(), nil, "--audio", "a.wav")
	require.NoError(t, err)
	require.Equal(t, "first --audio a.wav\n", string(out))
}

func TestRunReportsStderr(t *testing.T) {
	cmd, err := Parse("stt", `sh -c 'echo model missing >&2; exit 3'`)
	require.NoError(t, err)
	_, err = cmd.Run(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "stt command")
	require.Contains(t, err.Error(), "model missing")
}

func TestRunJSON(t *testing.T) {
	cmd, err := Parse("llm", `sh -c 'cat >/dev/null; echo "{\"content\":\"hi\"}"'`)
	require.NoError(t, err)
	var out struct {
		Content string `json:"content"`
	}
	require.NoError(t, cmd.RunJSON(context.Background(), map[string]string{"prompt": "x"}, &out))
	require.Equal(t, "hi", out.Content)

	bad, err := Parse("llm", "echo not-json")
	require.NoError(t, err)
	require.Error(t, bad.RunJSON(context.Background(), nil, &out))
}

func TestStreamReadErrorWins(t *testing.T) {
	cmd, err := Parse("tts", "echo data")
	require.NoError(t, err)
	boom := errors.New("boom")
	err = cmd.Stream(context.Background(), nil, func(r io.Reader) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestRunHonoursContext(t *testing.T) {
	cmd, err := Parse("slow", "sleep 10")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = cmd.Run(ctx, nil)
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, strings.Contains(err.Error(), "slow command"))
}
