package domain

import (
	"strconv"
	"time"
)

// Role identifies who authored a message or who is connected.
type Role string

const (
	RoleEndUser Role = "user"
	RoleAgent   Role = "agent"
	RoleSystem  Role = "system"
)

// ParseRole maps a configured role tag to a Role.
// Only end users and agents can authenticate; system is server-generated.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleEndUser, RoleAgent:
		return Role(s), true
	case "end_user", "customer":
		return RoleEndUser, true
	case "admin", "annotator":
		return RoleAgent, true
	}
	return "", false
}

// DeliveryState tracks an outgoing message through confirmation.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one entry of a session log.
// ID is empty until the server confirms the message; LocalID is set only
// for messages created on this client.
type Message struct {
	ID            string        `json:"id,omitempty"`
	LocalID       string        `json:"local_id,omitempty"`
	SessionID     string        `json:"session_id"`
	SenderRole    Role          `json:"sender_role"`
	Body          string        `json:"body"`
	SentAt        time.Time     `json:"sent_at"`
	DeliveryState DeliveryState `json:"delivery_state"`
}

// Before reports whether m sorts strictly before other in a session log:
// by SentAt, ties broken by server id ordinal.
func (m Message) Before(other Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return idLess(m.ID, other.ID)
}

// idLess compares server ids numerically when both parse as integers,
// lexically otherwise. Unconfirmed entries (empty id) sort last on ties.
func idLess(a, b string) bool {
	switch {
	case a == b:
		return false
	case a == "":
		return false
	case b == "":
		return true
	}
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

// PendingSend is a locally created message awaiting server confirmation.
type PendingSend struct {
	LocalID       string
	SessionID     string
	Body          string
	EnqueuedAt    time.Time
	Attempts      int
	TransmittedAt time.Time // zero while still queued
}

// Transmitted reports whether the send has been written to a connection.
func (p *PendingSend) Transmitted() bool {
	return !p.TransmittedAt.IsZero()
}
