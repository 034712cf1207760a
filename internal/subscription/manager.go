// Package subscription tracks which session rooms the client wants to be in
// and which of those joins have reached the current connection.
package subscription

import (
	"time"

	"github.com/ashureev/supportsync/internal/domain"
)

// Manager records desired and active membership. Replay order is the
// order in which sessions were first joined.
//
// Manager is not safe for concurrent use.
type Manager struct {
	subs   map[string]*domain.Subscription
	order  []string
	joined map[string]uint64 // session id -> epoch its join was written on
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		subs:   make(map[string]*domain.Subscription),
		joined: make(map[string]uint64),
	}
}

// Join marks sessionID desired and optimistically active.
// It reports whether the session was not already desired.
func (m *Manager) Join(sessionID string) bool {
	if s, ok := m.subs[sessionID]; ok {
		added := !s.Desired
		s.Desired = true
		s.Active = true
		return added
	}
	m.subs[sessionID] = &domain.Subscription{SessionID: sessionID, Desired: true, Active: true}
	m.order = append(m.order, sessionID)
	return true
}

// Leave forgets sessionID. It reports whether it was desired.
func (m *Manager) Leave(sessionID string) bool {
	s, ok := m.subs[sessionID]
	if !ok {
		return false
	}
	wasDesired := s.Desired
	delete(m.subs, sessionID)
	delete(m.joined, sessionID)
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return wasDesired
}

// IsDesired reports whether sessionID should be joined on every connection.
func (m *Manager) IsDesired(sessionID string) bool {
	s, ok := m.subs[sessionID]
	return ok && s.Desired
}

// MarkJoined records that the join for sessionID was written on epoch.
func (m *Manager) MarkJoined(sessionID string, epoch uint64, at time.Time) {
	s, ok := m.subs[sessionID]
	if !ok {
		return
	}
	s.Active = true
	s.JoinedAt = at
	m.joined[sessionID] = epoch
}

// JoinedOn reports whether sessionID's join was written on epoch.
func (m *Manager) JoinedOn(sessionID string, epoch uint64) bool {
	e, ok := m.joined[sessionID]
	return ok && epoch != 0 && e == epoch
}

// Desired returns the desired session ids in first-join order.
func (m *Manager) Desired() []string {
	out := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if m.subs[id].Desired {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of the subscription for sessionID.
func (m *Manager) Get(sessionID string) (domain.Subscription, bool) {
	s, ok := m.subs[sessionID]
	if !ok {
		return domain.Subscription{}, false
	}
	return *s, true
}

// All returns copies of every subscription in first-join order.
func (m *Manager) All() []domain.Subscription {
	out := make([]domain.Subscription, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.subs[id])
	}
	return out
}

// Reset forgets all subscriptions.
func (m *Manager) Reset() {
	m.subs = make(map[string]*domain.Subscription)
	m.joined = make(map[string]uint64)
	m.order = nil
}
