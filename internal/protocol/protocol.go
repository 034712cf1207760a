// Package protocol defines the JSON envelope exchanged with the chat server.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/supportsync/internal/domain"
)

// Kind is the envelope "type" field.
type Kind string

// Outbound kinds.
const (
	KindAuthenticate       Kind = "authenticate"
	KindJoinSession        Kind = "join_session"
	KindLeaveSession       Kind = "leave_session"
	KindSendMessage        Kind = "send_message"
	KindTyping             Kind = "typing"
	KindStartSession       Kind = "start_session"
	KindListActiveSessions Kind = "list_active_sessions"
	KindCloseSession       Kind = "close_session"
	KindHeartbeat          Kind = "heartbeat"
)

// Inbound kinds. KindTyping is shared by both directions.
const (
	KindAuthenticated        Kind = "authenticated"
	KindSessionList          Kind = "session_list"
	KindSessionStarted       Kind = "session_started"
	KindMessageReceived      Kind = "message_received"
	KindMessageAck           Kind = "message_ack"
	KindSessionStatusChanged Kind = "session_status_changed"
	KindSessionClosed        Kind = "session_closed"
	KindError                Kind = "error"
	KindHeartbeatAck         Kind = "heartbeat_ack"
)

var inboundKinds = map[Kind]struct{}{
	KindAuthenticated:        {},
	KindSessionList:          {},
	KindSessionStarted:       {},
	KindMessageReceived:      {},
	KindMessageAck:           {},
	KindTyping:               {},
	KindSessionStatusChanged: {},
	KindSessionClosed:        {},
	KindError:                {},
	KindHeartbeatAck:         {},
}

// Error codes the server uses in error frames.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeRateLimited  = "rate_limited"
)

// Frame is the wire envelope.
type Frame struct {
	Type      Kind            `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound payloads.

type AuthenticatePayload struct {
	Credential string      `json:"credential"`
	Role       domain.Role `json:"role"`
}

type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}

type SendMessagePayload struct {
	SessionID string `json:"session_id"`
	LocalID   string `json:"local_id"`
	Body      string `json:"body"`
}

type TypingPayload struct {
	SessionID string      `json:"session_id"`
	Role      domain.Role `json:"role,omitempty"`
	IsTyping  bool        `json:"is_typing"`
}

type StartSessionPayload struct {
	Body     string `json:"body"`
	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type CloseSessionPayload struct {
	SessionID  string `json:"session_id"`
	Resolution string `json:"resolution,omitempty"`
}

// Inbound payloads.

type AuthenticatedPayload struct {
	UserID string      `json:"user_id"`
	Role   domain.Role `json:"role"`
}

// WireMessage is a confirmed message as sent by the server.
type WireMessage struct {
	SessionID  string      `json:"session_id"`
	ID         string      `json:"id"`
	LocalID    string      `json:"local_id,omitempty"`
	SenderRole domain.Role `json:"sender_role"`
	Body       string      `json:"body"`
	SentAt     time.Time   `json:"sent_at"`
}

// WireSession is a session snapshot as sent by the server.
type WireSession struct {
	ID             string               `json:"id"`
	Status         domain.SessionStatus `json:"status"`
	ParticipantID  string               `json:"participant_id,omitempty"`
	Category       string               `json:"category,omitempty"`
	Priority       string               `json:"priority,omitempty"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	CreatedAt      time.Time            `json:"created_at"`
	Messages       []WireMessage        `json:"messages,omitempty"`
}

type SessionListPayload struct {
	Sessions []WireSession `json:"sessions"`
}

type SessionStartedPayload struct {
	Session WireSession `json:"session"`
}

type MessageAckPayload struct {
	LocalID string `json:"local_id"`
	ID      string `json:"id"`
}

type SessionStatusPayload struct {
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Encode builds the wire bytes for kind with the given payload (may be nil).
func Encode(kind Kind, payload any) ([]byte, error) {
	f := Frame{Type: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		f.Payload = raw
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", kind, err)
	}
	return data, nil
}

// Decode parses an inbound frame. Unknown kinds and malformed JSON wrap ErrProtocol.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: malformed frame: %v", domain.ErrProtocol, err)
	}
	f.Type = Kind(strings.TrimSpace(string(f.Type)))
	if _, ok := inboundKinds[f.Type]; !ok {
		return f, fmt.Errorf("%w: unexpected frame type %q", domain.ErrProtocol, f.Type)
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into T.
func DecodePayload[T any](f Frame) (T, error) {
	var out T
	if len(f.Payload) == 0 {
		return out, fmt.Errorf("%w: %s frame has no payload", domain.ErrProtocol, f.Type)
	}
	if err := json.Unmarshal(f.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", domain.ErrProtocol, f.Type, err)
	}
	return out, nil
}
