package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/voicebridge/internal/eventstore"
	"github.com/loqalabs/voicebridge/internal/turn"
)

const wsWriteTimeout = 5 * time.Second

// turnAPI exposes the turn controls to the UI once the meeting is ready.
type turnAPI struct {
	controller *turn.Controller
	store      *eventstore.Store
	attached   *atomic.Bool
	logger     *slog.Logger
}

type turnStateResponse struct {
	TurnID string `json:"turn_id,omitempty"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

type turnEventEntry struct {
	Type      string    `json:"type"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type turnHistoryEntry struct {
	TurnID     string     `json:"turn_id"`
	Outcome    string     `json:"outcome"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (a *turnAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /turn/start", a.guard(a.handleStart))
	mux.HandleFunc("POST /turn/stop", a.guard(a.handleStop))
	mux.HandleFunc("POST /turn/cancel", a.guard(a.handleCancel))
	mux.HandleFunc("GET /turn/state", a.guard(a.handleState))
	mux.HandleFunc("GET /turn/events", a.guard(a.handleEvents))
	mux.HandleFunc("GET /turn/history", a.handleHistory)
	mux.HandleFunc("GET /turn/history/{id}", a.handleTurnEvents)
}

// guard rejects turn requests until the controller exists and the meeting
// session has admitted the bot.
func (a *turnAPI) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.controller == nil {
			writeJSON(w, http.StatusServiceUnavailable, turnStateResponse{State: "unavailable", Error: "speech capture unsupported"})
			return
		}
		if a.attached != nil && !a.attached.Load() {
			writeJSON(w, http.StatusServiceUnavailable, turnStateResponse{State: "waiting", Error: "meeting session not ready"})
			return
		}
		next(w, r)
	}
}

func (a *turnAPI) current() turnStateResponse {
	return turnStateResponse{TurnID: a.controller.TurnID(), State: string(a.controller.State())}
}

func (a *turnAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Start(r.Context()); err != nil {
		resp := a.current()
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, a.current())
}

func (a *turnAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Stop(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, turn.ErrCompletionFailed) {
			status = http.StatusBadGateway
		}
		a.logger.Warn("turn stop failed", slog.String("error", err.Error()))
		resp := a.current()
		resp.Error = err.Error()
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, a.current())
}

func (a *turnAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.controller.Cancel(r.Context())
	writeJSON(w, http.StatusOK, a.current())
}

func (a *turnAPI) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.current())
}

func (a *turnAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	turns, err := a.store.RecentTurns(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]turnHistoryEntry, 0, len(turns))
	for _, t := range turns {
		entry := turnHistoryEntry{TurnID: t.ID, Outcome: t.Outcome, StartedAt: t.StartedAt}
		if !t.FinishedAt.IsZero() {
			finished := t.FinishedAt
			entry.FinishedAt = &finished
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *turnAPI) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.store.ListTurnEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "turn not found"})
		return
	}
	out := make([]turnEventEntry, 0, len(events))
	for _, e := range events {
		out = append(out, turnEventEntry{Type: e.Type, Payload: string(e.Payload), CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams state changes over a websocket, starting with the
// current state.
func (a *turnAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	changes, unsubscribe := a.controller.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeWS(conn, a.current()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			msg := turnStateResponse{TurnID: change.TurnID, State: string(change.State)}
			if change.Err != nil {
				msg.Error = change.Err.Error()
			}
			if err := writeWS(conn, msg); err != nil {
				a.logger.Debug("turn events client gone", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
