// Package restapi is the request/response mirror of the realtime
// operations, used when the realtime channel is down.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/protocol"
)

const maxResponseBytes = 4 << 20

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Unwrap maps auth statuses to ErrAuthentication and everything else to ErrTransport.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return domain.ErrAuthentication
	}
	return domain.ErrTransport
}

// Client calls the fallback HTTP API.
type Client struct {
	BaseURL        string
	Credential     string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// New creates a client for baseURL.
func New(baseURL, credential string, httpClient *http.Client) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Credential:     credential,
		HTTPClient:     httpClient,
		RequestTimeout: 15 * time.Second,
	}
}

type sessionEnvelope struct {
	Session protocol.WireSession `json:"session"`
}

type messageEnvelope struct {
	Message protocol.WireMessage `json:"message"`
}

// StartSession opens a new session with its first message.
func (c *Client) StartSession(ctx context.Context, req protocol.StartSessionPayload) (protocol.WireSession, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &out); err != nil {
		return protocol.WireSession{}, fmt.Errorf("start session: %w", err)
	}
	if err := out.Session.Validate(); err != nil {
		return protocol.WireSession{}, fmt.Errorf("start session: %w", err)
	}
	return out.Session, nil
}

// SendMessage posts one message. The local id travels with it so the
// response reconciles like a realtime echo.
func (c *Client) SendMessage(ctx context.Context, req protocol.SendMessagePayload) (protocol.WireMessage, error) {
	var out messageEnvelope
	path := "/api/sessions/" + url.PathEscape(req.SessionID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return protocol.WireMessage{}, fmt.Errorf("send message: %w", err)
	}
	if out.Message.SessionID == "" {
		out.Message.SessionID = req.SessionID
	}
	if err := out.Message.Validate(); err != nil {
		return protocol.WireMessage{}, fmt.Errorf("send message: %w", err)
	}
	return out.Message, nil
}

// CloseSession resolves a session.
func (c *Client) CloseSession(ctx context.Context, req protocol.CloseSessionPayload) (protocol.WireSession, error) {
	var out sessionEnvelope
	path := "/api/sessions/" + url.PathEscape(req.SessionID) + "/close"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return protocol.WireSession{}, fmt.Errorf("close session: %w", err)
	}
	if out.Session.ID == "" {
		out.Session.ID = req.SessionID
		out.Session.Status = domain.SessionClosed
	}
	return out.Session, nil
}

// ListSessions returns the caller's active sessions with their recent messages.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.WireSession, error) {
	var out protocol.SessionListPayload
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	valid := out.Sessions[:0]
	for _, s := range out.Sessions {
		if err := s.Validate(); err != nil {
			continue
		}
		valid = append(valid, s)
	}
	return valid, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.BaseURL == "" {
		return errors.New("fallback api url is not configured")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.Credential)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeStatusError(resp.StatusCode, limited)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrProtocol, err)
	}
	return nil
}

func decodeStatusError(status int, r io.Reader) error {
	se := &StatusError{StatusCode: status}
	var payload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err == nil {
		se.Code = payload.Code
		se.Message = payload.Message
		if se.Message == "" {
			se.Message = payload.Error
		}
	}
	return se
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.RequestTimeout)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
