package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/bridge"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
)

const (
	controlTimeout = 5 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /v1/session", r.handleSession)
	mux.HandleFunc("POST /v1/session/{verb}", r.handleControl)
	mux.HandleFunc("GET /v1/session/stream", r.handleStream)
	mux.HandleFunc("GET /v1/session/events", r.handleEvents)
	mux.HandleFunc("GET /v1/presence", r.handlePresence)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.orch.Snapshot())
}

func (r *Runtime) handleControl(w http.ResponseWriter, req *http.Request) {
	verb := req.PathValue("verb")
	var body protocol.ControlRequest
	data, err := io.ReadAll(io.LimitReader(req.Body, 4096))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: "read body: " + err.Error()})
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: "invalid control request: " + err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(req.Context(), controlTimeout)
	defer cancel()
	snap, err := bridge.Apply(ctx, r.orch, verb, body)
	if err != nil {
		writeJSON(w, controlStatus(err), protocol.ControlReply{Error: err.Error(), Session: snap})
		return
	}
	writeJSON(w, http.StatusOK, protocol.ControlReply{OK: true, Session: snap})
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrUnknownControl):
		return http.StatusNotFound
	case errors.Is(err, session.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleStream pushes the current snapshot followed by every update.
func (r *Runtime) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, unsubscribe := r.orch.Subscribe(r.cfg.Session.UpdateBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(session.Update{Snapshot: r.orch.Snapshot()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session stopped"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := write(u); err != nil {
				r.logger.Debug("stream client gone", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.ListSessionEvents(req.Context(), r.orch.SessionID(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type eventView struct {
		Turn      uint64          `json:"turn"`
		Type      string          `json:"type"`
		Phase     string          `json:"phase,omitempty"`
		Detail    json.RawMessage `json:"detail,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{Turn: e.Turn, Type: e.Type, Phase: e.Phase, Detail: e.Payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Runtime) handlePresence(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  true,
		"healthy":  r.presence.Healthy(),
		"nodes":    r.presence.Nodes(),
		"surfaces": r.presence.Surfaces(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
