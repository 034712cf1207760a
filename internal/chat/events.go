package chat

import (
	"github.com/ashureev/supportsync/internal/domain"
)

// Outcome labels a message_upserted event.
type Outcome string

const (
	OutcomeOptimistic Outcome = "optimistic"
	OutcomePromoted   Outcome = "promoted"
	OutcomeInserted   Outcome = "inserted"
	OutcomeFailed     Outcome = "failed"
)

// MessageEvent is the payload of message_upserted events.
type MessageEvent struct {
	SessionID string
	Message   domain.Message
	Outcome   Outcome
	// Index is the entry's position in the session log, -1 when unknown.
	Index int
}

// SendFailure is the payload of send_failed events.
type SendFailure struct {
	SessionID string
	LocalID   string
	Err       error
}

func (f SendFailure) Error() string {
	return "send " + f.LocalID + " in " + f.SessionID + ": " + f.Err.Error()
}

func (f SendFailure) Unwrap() error {
	return f.Err
}
