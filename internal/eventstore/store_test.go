package eventstore

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/voicebridge/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginTurn(ctx, "t1"); err != nil {
		t.Fatalf("begin turn on ephemeral store: %v", err)
	}
	events, err := es.ListTurnEvents(ctx, "t1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	turnID := "turn-123"
	if err := es.BeginTurn(ctx, turnID); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{TurnID: turnID, Type: "transcript", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{TurnID: turnID, Type: "reply", Payload: []byte("hi there")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListTurnEvents(ctx, turnID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[1].Type != "reply" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("created_at not decoded")
	}

	if err := es.FinishTurn(ctx, turnID, "spoken"); err != nil {
		t.Fatalf("finish turn: %v", err)
	}
	turns, err := es.RecentTurns(ctx, 5)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Outcome != "spoken" || turns[0].FinishedAt.IsZero() {
		t.Fatalf("unexpected turns: %+v", turns)
	}
}

func TestPruneByDaysAndTurns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxTurns: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginTurn(context.Background(), "old-turn"); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{TurnID: "old-turn", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginTurn(context.Background(), "new-turn"); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := es.BeginTurn(context.Background(), "newer-turn"); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListTurnEvents(context.Background(), "old-turn", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old turn pruned")
	}
	turns, err := es.RecentTurns(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected max_turns to keep 1 turn, got %d", len(turns))
	}
}

func TestEnsureRejectsMismatchedBacking(t *testing.T) {
	ephemeral := &Store{cfg: config.EventStoreConfig{RetentionMode: "ephemeral"}, db: &sql.DB{}}
	if err := ephemeral.Ensure(); err == nil {
		t.Fatal("expected ephemeral store with a database to fail")
	}
	session := &Store{cfg: config.EventStoreConfig{RetentionMode: "session"}}
	if err := session.Ensure(); err == nil {
		t.Fatal("expected session store without a database to fail")
	}
}
