package meeting

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus/bustest"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	link, err := ParseURL("https://us05web.zoom.us/j/12345678?pwd=abcdefgh123456")
	require.NoError(t, err)
	require.Equal(t, "us05web", link.Host)
	require.Equal(t, "12345678", link.MeetingNumber)
	require.Equal(t, "abcdefgh123456", link.Passcode)
}

func TestParseURLRejects(t *testing.T) {
	bad := []string{
		"",
		"https://zoom.us/j/123?pwd=abc",
		"http://us05web.zoom.us/j/123?pwd=abc",
		"https://us05web.zoom.us/j/12a3?pwd=abc",
		"https://us05web.zoom.us/j/123",
		"https://us05web.zoom.us/j/123?pwd=abc&uname=x",
		"https://evil.example.com/?x=.zoom.us/j/1?pwd=a",
	}
	for _, raw := range bad {
		_, err := ParseURL(raw)
		require.ErrorIs(t, err, ErrInvalidMeetingURL, raw)
	}
}

func TestNewJoinRequestDefaultsName(t *testing.T) {
	req, err := NewJoinRequest(config.MeetingConfig{URL: "https://us05web.zoom.us/j/42?pwd=x1", LeaveURL: "https://zoom.us/"})
	require.NoError(t, err)
	require.Equal(t, "VoiceBridge", req.UserName)
	require.Equal(t, "42", req.Link.MeetingNumber)

	_, err = NewJoinRequest(config.MeetingConfig{URL: "nope"})
	require.ErrorIs(t, err, ErrInvalidMeetingURL)
}

func TestSignalIsOneShot(t *testing.T) {
	s := NewSignal()
	s.MarkReady()
	s.MarkReady()
	select {
	case <-s.Ready():
	default:
		t.Fatal("signal not ready")
	}
}

func TestAttachWhenReady(t *testing.T) {
	s := NewSignal()
	attached := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- AttachWhenReady(context.Background(), s, func() { close(attached) }) }()

	select {
	case <-attached:
		t.Fatal("attached before ready")
	case <-time.After(20 * time.Millisecond):
	}
	s.MarkReady()
	require.NoError(t, <-errCh)
	<-attached

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := AttachWhenReady(ctx, NewSignal(), func() { t.Fatal("attach after cancel") })
	require.ErrorIs(t, err, context.Canceled)
}

func TestBusHostWaitsForMatchingMeeting(t *testing.T) {
	client := bustest.Start(t)
	host, err := NewBusHost(client, "42", bustest.Logger())
	require.NoError(t, err)
	t.Cleanup(host.Close)
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON(protocol.SubjectMeetingReady, protocol.MeetingReady{MeetingNumber: "7"}))
	require.NoError(t, client.Conn().Flush())
	select {
	case <-host.Ready():
		t.Fatal("ready for another meeting")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, client.PublishJSON(protocol.SubjectMeetingReady, protocol.MeetingReady{MeetingNumber: "42"}))
	select {
	case <-host.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("meeting never ready")
	}
}

func TestBusHostReadyDuringSubscribe(t *testing.T) {
	client := bustest.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	published := make(chan struct{})
	go func() {
		defer close(published)
		for ctx.Err() == nil {
			_ = client.PublishJSON(protocol.SubjectMeetingReady, protocol.MeetingReady{MeetingNumber: "42"})
			time.Sleep(100 * time.Microsecond)
		}
	}()

	for i := 0; i < 20; i++ {
		host, err := NewBusHost(client, "42", bustest.Logger())
		require.NoError(t, err)
		select {
		case <-host.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("meeting never ready")
		}
		host.Close()
		host.Close()
	}
	cancel()
	<-published
}

func TestBusHostStopsListeningOnceReady(t *testing.T) {
	client := bustest.Start(t)
	host, err := NewBusHost(client, "", bustest.Logger())
	require.NoError(t, err)
	t.Cleanup(host.Close)

	host.handleReady(protocol.MeetingReady{MeetingNumber: "1"})
	<-host.Ready()

	host.mu.Lock()
	defer host.mu.Unlock()
	require.True(t, host.stopped)
	require.Nil(t, host.sub)
}
