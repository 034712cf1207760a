package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/protocol"
)

var sentAt = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer good" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "unauthorized", "message": "bad token"})
				return
			}
			if r.Header.Get("X-Request-Id") == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing request id"})
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, protocol.SessionListPayload{Sessions: []protocol.WireSession{
			{ID: "s1", Status: domain.SessionInProgress, Messages: []protocol.WireMessage{
				{ID: "1", SenderRole: domain.RoleAgent, Body: "hello", SentAt: sentAt},
			}},
			{ID: ""},
		}})
	})
	r.Post("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var p protocol.StartSessionPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"session": protocol.WireSession{
			ID: "s9", Status: domain.SessionOpen, Category: p.Category,
			Messages: []protocol.WireMessage{{ID: "1", SenderRole: domain.RoleEndUser, Body: p.Body, SentAt: sentAt}},
		}})
	})
	r.Post("/api/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var p protocol.SendMessagePayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if chi.URLParam(r, "id") == "closed" {
			writeJSON(w, http.StatusConflict, map[string]string{"code": "session_closed", "message": "session is closed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": protocol.WireMessage{
			ID: "42", LocalID: p.LocalID, SenderRole: domain.RoleEndUser, Body: p.Body, SentAt: sentAt,
		}})
	})
	r.Post("/api/sessions/{id}/close", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func TestListSessionsSkipsInvalid(t *testing.T) {
	t.Parallel()

	ts := newServer(t)
	c := New(ts.URL+"/", "good", ts.Client())

	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Len(t, sessions[0].ConfirmedMessages(), 1)
	assert.Equal(t, "s1", sessions[0].ConfirmedMessages()[0].SessionID)
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	ts := newServer(t)
	c := New(ts.URL, "good", ts.Client())

	s, err := c.StartSession(context.Background(), protocol.StartSessionPayload{Body: "my printer", Category: "hardware"})
	require.NoError(t, err)
	assert.Equal(t, "s9", s.ID)
	assert.Equal(t, "hardware", s.Category)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "my printer", s.Messages[0].Body)
}

func TestSendMessageCarriesLocalID(t *testing.T) {
	t.Parallel()

	ts := newServer(t)
	c := New(ts.URL, "good", ts.Client())

	m, err := c.SendMessage(context.Background(), protocol.SendMessagePayload{SessionID: "s1", LocalID: "L1", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "42", m.ID)
	assert.Equal(t, "L1", m.LocalID)
	assert.Equal(t, "s1", m.SessionID)
}

func TestSendMessageStatusError(t *testing.T) {
	t.Parallel()

	ts := newServer(t)
	c := New(ts.URL, "good", ts.Client())

	_, err := c.SendMessage(context.Background(), protocol.SendMessagePayload{SessionID: "closed", LocalID: "L1", Body: "hi"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Equal(t, "session_closed", se.Code)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestCloseSessionNoContent(t *testing.T) {
	t.Parallel()

	ts := newServer(t)
	c := New(ts.URL, "good", ts.Client())

	s, err := c.CloseSession(context.Background(), protocol.CloseSessionPayload{SessionID: "s1", Resolution: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, domain.SessionClosed, s.Status)
}

func TestUnauthorizedMapsToAuthError(t *testing.T) {
	t.Parallel()

	ts := newServer(t)
	c := New(ts.URL, "bad", ts.Client())

	_, err := c.ListSessions(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestMissingBaseURL(t *testing.T) {
	t.Parallel()

	c := New("", "good", nil)
	_, err := c.ListSessions(context.Background())
	assert.Error(t, err)
}
