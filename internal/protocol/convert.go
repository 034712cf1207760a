package protocol

import (
	"fmt"

	"github.com/ashureev/supportsync/internal/domain"
)

// Validate checks the fields the reconciler depends on.
func (m WireMessage) Validate() error {
	switch {
	case m.SessionID == "":
		return fmt.Errorf("%w: message without session_id", domain.ErrProtocol)
	case m.ID == "":
		return fmt.Errorf("%w: message without id", domain.ErrProtocol)
	case m.SentAt.IsZero():
		return fmt.Errorf("%w: message %s without sent_at", domain.ErrProtocol, m.ID)
	}
	return nil
}

// ToDomain converts a confirmed wire message.
func (m WireMessage) ToDomain() domain.Message {
	role := m.SenderRole
	if role == "" {
		role = domain.RoleSystem
	}
	return domain.Message{
		ID:            m.ID,
		LocalID:       m.LocalID,
		SessionID:     m.SessionID,
		SenderRole:    role,
		Body:          m.Body,
		SentAt:        m.SentAt,
		DeliveryState: domain.DeliveryConfirmed,
	}
}

// Validate checks that the snapshot names a session.
func (s WireSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: session without id", domain.ErrProtocol)
	}
	if s.Status != "" && !s.Status.Valid() {
		return fmt.Errorf("%w: session %s has unknown status %q", domain.ErrProtocol, s.ID, s.Status)
	}
	return nil
}

// Meta returns the session metadata without messages; messages are merged
// separately through the reconciler.
func (s WireSession) Meta() domain.Session {
	return domain.Session{
		ID:             s.ID,
		Status:         s.Status,
		ParticipantID:  s.ParticipantID,
		Category:       s.Category,
		Priority:       s.Priority,
		LastActivityAt: s.LastActivityAt,
		CreatedAt:      s.CreatedAt,
	}
}

// ConfirmedMessages returns the snapshot's messages, filling missing session ids.
func (s WireSession) ConfirmedMessages() []WireMessage {
	out := make([]WireMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.SessionID == "" {
			m.SessionID = s.ID
		}
		out = append(out, m)
	}
	return out
}
