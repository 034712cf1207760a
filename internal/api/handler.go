// Package api provides the local inspect API over a running engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/store"
)

// Engine is the subset of chat.Client the handlers use.
type Engine interface {
	Sessions() []domain.Session
	AllSessions() []domain.Session
	Session(sessionID string) (domain.Session, bool)
	Status() domain.ConnectionStatus
	Subscriptions() []domain.Subscription
	PendingSends() []domain.PendingSend
	QueueDepth() int
	Typing(sessionID string) []domain.TypingSignal

	Send(ctx context.Context, sessionID, body string) (domain.Message, error)
	Join(ctx context.Context, sessionID string) error
	Leave(ctx context.Context, sessionID string) error
	Retry(ctx context.Context, localID string) (domain.Message, error)
	Reconnect(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	engine Engine
	repo   store.Repository
}

// NewHandler creates a new Handler. repo may be nil when persistence is off.
func NewHandler(engine Engine, repo store.Repository) *Handler {
	return &Handler{engine: engine, repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrEmptyBody):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
