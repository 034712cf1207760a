// Package domain contains the core types shared by the synchronization engine.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a support session (ticket).
type SessionStatus string

const (
	SessionOpen           SessionStatus = "open"
	SessionInProgress     SessionStatus = "in_progress"
	SessionWaitingForUser SessionStatus = "waiting_for_user"
	SessionClosed         SessionStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionOpen, SessionInProgress, SessionWaitingForUser, SessionClosed:
		return true
	}
	return false
}

// Session is one support conversation and its ordered message log.
type Session struct {
	ID             string        `json:"id"`
	Status         SessionStatus `json:"status"`
	ParticipantID  string        `json:"participant_id,omitempty"`
	Category       string        `json:"category,omitempty"`
	Priority       string        `json:"priority,omitempty"`
	Messages       []Message     `json:"messages"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

// IsClosed returns true once the session has been resolved.
func (s *Session) IsClosed() bool {
	return s.Status == SessionClosed
}

// Clone returns a deep copy that callers may keep without sharing the log.
func (s *Session) Clone() Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// Touch advances LastActivityAt, never moving it backwards.
func (s *Session) Touch(at time.Time) {
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
}

// Subscription tracks room membership for one session.
// Desired survives reconnects; Active is the optimistic view shown to the UI.
type Subscription struct {
	SessionID string
	Desired   bool
	Active    bool
	JoinedAt  time.Time
}

// TypingSignal is an ephemeral "someone is typing" fact.
type TypingSignal struct {
	SessionID string
	Role      Role
	ExpiresAt time.Time
}

// Expired reports whether the signal should be treated as stopped at now.
func (t TypingSignal) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
