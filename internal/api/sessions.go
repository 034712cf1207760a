package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportsync/internal/domain"
)

const maxBodyBytes = 64 << 10

// SessionHandler exposes sessions, subscriptions and the outbox.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/connection", h.GetConnection)
		r.Post("/connection/reconnect", h.Reconnect)
		r.Get("/subscriptions", h.ListSubscriptions)
		r.Get("/outbox", h.ListOutbox)
		r.Post("/outbox/{localID}/retry", h.Retry)

		r.Get("/sessions", h.ListSessions)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/messages", h.SendMessage)
			r.Post("/join", h.Join)
			r.Post("/leave", h.Leave)
		})
	})
}

type connectionView struct {
	State         domain.ConnectionState `json:"state"`
	Attempt       int                    `json:"attempt"`
	Epoch         uint64                 `json:"epoch"`
	LastHeartbeat *time.Time             `json:"last_heartbeat,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
	QueueDepth    int                    `json:"queue_depth"`
}

// GetConnection returns the transport status.
func (h *SessionHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Status()
	view := connectionView{
		State:      st.State,
		Attempt:    st.Attempt,
		Epoch:      st.Epoch,
		LastError:  st.ErrorText(),
		QueueDepth: h.engine.QueueDepth(),
	}
	if !st.LastHeartbeat.IsZero() {
		view.LastHeartbeat = &st.LastHeartbeat
	}
	JSON(w, http.StatusOK, view)
}

// Reconnect retries a failed or disconnected channel.
func (h *SessionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	// The connection outlives the request.
	if err := h.engine.Reconnect(context.WithoutCancel(r.Context())); err != nil {
		slog.Warn("Reconnect requested over inspect api failed", "error", err)
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": h.engine.Status().State.String()})
}

// ListSessions returns open sessions, or all retained ones with ?all=true.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.engine.Sessions()
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		sessions = h.engine.AllSessions()
	}
	type summary struct {
		ID             string               `json:"id"`
		Status         domain.SessionStatus `json:"status"`
		Category       string               `json:"category,omitempty"`
		Priority       string               `json:"priority,omitempty"`
		Messages       int                  `json:"messages"`
		LastActivityAt time.Time            `json:"last_activity_at"`
	}
	out := make([]summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summary{
			ID:             s.ID,
			Status:         s.Status,
			Category:       s.Category,
			Priority:       s.Priority,
			Messages:       len(s.Messages),
			LastActivityAt: s.LastActivityAt,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// GetSession returns one session with its log and typing signals.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s, ok := h.engine.Session(id)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session": s,
		"typing":  h.engine.Typing(id),
	})
}

// SendMessage sends a message as the engine's identity.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid json body")
		return
	}

	id := chi.URLParam(r, "sessionID")
	msg, err := h.engine.Send(context.WithoutCancel(r.Context()), id, req.Body)
	if err != nil && msg.LocalID == "" {
		Error(w, statusFor(err), err.Error())
		return
	}
	if err != nil {
		slog.Warn("Message accepted but marked failed", "session_id", id, "local_id", msg.LocalID, "error", err)
	}
	JSON(w, http.StatusAccepted, map[string]interface{}{"message": msg})
}

// Join subscribes to a session.
func (h *SessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.engine.Join(context.WithoutCancel(r.Context()), id); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Leave unsubscribes from a session.
func (h *SessionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.engine.Leave(context.WithoutCancel(r.Context()), id); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions returns room membership.
func (h *SessionHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"subscriptions": h.engine.Subscriptions()})
}

// ListOutbox returns unconfirmed sends.
func (h *SessionHandler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"pending":     h.engine.PendingSends(),
		"queue_depth": h.engine.QueueDepth(),
	})
}

// Retry re-sends a failed message.
func (h *SessionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	localID := chi.URLParam(r, "localID")
	msg, err := h.engine.Retry(context.WithoutCancel(r.Context()), localID)
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]interface{}{"message": msg})
}
