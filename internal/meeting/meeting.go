// Package meeting validates meeting links and waits for the host to admit
// the bot before the turn controls are attached.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrInvalidMeetingURL is returned for links that are not a Zoom join link
// carrying a passcode.
var ErrInvalidMeetingURL = errors.New("meeting: invalid meeting URL")

var linkPattern = regexp.MustCompile(`^https://([a-z0-9-]+)\.zoom\.us/j/(\d+)\?pwd=([a-zA-Z0-9]+)$`)

// Link is a parsed meeting join link.
type Link struct {
	URL           string
	Host          string
	MeetingNumber string
	Passcode      string
}

// ParseURL validates raw and extracts the meeting number and passcode.
func ParseURL(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	m := linkPattern.FindStringSubmatch(raw)
	if m == nil {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidMeetingURL, raw)
	}
	return Link{URL: raw, Host: m[1], MeetingNumber: m[2], Passcode: m[3]}, nil
}

// JoinRequest is everything the meeting host needs to admit the bot.
type JoinRequest struct {
	Link     Link
	UserName string
	Role     int
	LeaveURL string
}

// NewJoinRequest parses cfg.URL and copies the bot identity from cfg.
func NewJoinRequest(cfg config.MeetingConfig) (JoinRequest, error) {
	link, err := ParseURL(cfg.URL)
	if err != nil {
		return JoinRequest{}, err
	}
	name := cfg.UserName
	if name == "" {
		name = config.Default().Meeting.UserName
	}
	return JoinRequest{Link: link, UserName: name, Role: cfg.Role, LeaveURL: cfg.LeaveURL}, nil
}

// Host reports when the bot has been admitted. The channel is closed once.
type Host interface {
	Ready() <-chan struct{}
}

// Signal is a Host that is marked ready by the caller.
type Signal struct {
	once  sync.Once
	ready chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ready: make(chan struct{})}
}

func (s *Signal) Ready() <-chan struct{} { return s.ready }

// MarkReady closes the ready channel. Extra calls are ignored.
func (s *Signal) MarkReady() {
	s.once.Do(func() { close(s.ready) })
}

// BusHost becomes ready when the meeting host announces the session on the
// bus. An empty meeting number accepts any announcement.
type BusHost struct {
	*Signal
	meetingNumber string
	logger        *slog.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	stopped bool
}

func NewBusHost(busClient *bus.Client, meetingNumber string, logger *slog.Logger) (*BusHost, error) {
	h := &BusHost{
		Signal:        NewSignal(),
		meetingNumber: meetingNumber,
		logger:        logger.With(slog.String("component", "meeting")),
	}
	sub, err := bus.Subscribe(busClient, protocol.SubjectMeetingReady, h.handleReady)
	if err != nil {
		return nil, fmt.Errorf("subscribe meeting ready: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		// The announcement beat the assignment.
		_ = sub.Unsubscribe()
		return h, nil
	}
	h.sub = sub
	return h, nil
}

func (h *BusHost) Close() {
	h.stop()
}

func (h *BusHost) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}
}

func (h *BusHost) handleReady(ready protocol.MeetingReady) {
	if h.meetingNumber != "" && ready.MeetingNumber != h.meetingNumber {
		return
	}
	h.logger.Info("meeting session ready", slog.String("meeting_number", ready.MeetingNumber))
	h.MarkReady()
	h.stop()
}

// AttachWhenReady blocks until host is ready, then calls attach once. It
// returns ctx.Err() if ctx ends first.
func AttachWhenReady(ctx context.Context, host Host, attach func()) error {
	select {
	case <-host.Ready():
		attach()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
