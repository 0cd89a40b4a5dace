package natsserver

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestStartSkipsExternalBus(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, nil)
	require.NoError(t, err)
	require.Nil(t, srv)
	require.Empty(t, srv.ClientURL())
	srv.Shutdown()
}

func TestStartServesClients(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	require.NotEmpty(t, srv.ClientURL())

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.NumClients() == 1 }, 2*time.Second, 10*time.Millisecond)
}
