// Package session holds the in-memory session store and the reconciliation
// rules that are the only path for mutating session logs.
//
// Neither type is safe for concurrent use; the owning client serializes access.
package session

import (
	"sort"
	"time"

	"github.com/ashureev/supportsync/internal/domain"
)

// Registry is the authoritative in-memory store of sessions.
type Registry struct {
	sessions map[string]*domain.Session
	now      func() time.Time
}

// NewRegistry creates an empty registry. now stamps lazily created sessions.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*domain.Session),
		now:      now,
	}
}

// GetOrCreate returns the session for id, creating an Open one on first reference.
func (r *Registry) GetOrCreate(id string) (*domain.Session, bool) {
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	now := r.now()
	s := &domain.Session{
		ID:             id,
		Status:         domain.SessionOpen,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.sessions[id] = s
	return s, true
}

// Upsert merges session metadata. The message log is never touched here;
// messages go through the Reconciler.
func (r *Registry) Upsert(meta domain.Session) (*domain.Session, bool) {
	s, created := r.GetOrCreate(meta.ID)
	if meta.Status != "" {
		s.Status = meta.Status
	}
	if meta.ParticipantID != "" {
		s.ParticipantID = meta.ParticipantID
	}
	if meta.Category != "" {
		s.Category = meta.Category
	}
	if meta.Priority != "" {
		s.Priority = meta.Priority
	}
	if !meta.CreatedAt.IsZero() && (created || meta.CreatedAt.Before(s.CreatedAt)) {
		s.CreatedAt = meta.CreatedAt
	}
	if created && !meta.LastActivityAt.IsZero() {
		s.LastActivityAt = meta.LastActivityAt
	} else {
		s.Touch(meta.LastActivityAt)
	}
	return s, created
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (domain.Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return s.Clone(), true
}

// lookup returns the live session pointer for in-package mutation.
func (r *Registry) lookup(id string) (*domain.Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// ListActive returns copies of non-closed sessions, most recent activity first.
func (r *Registry) ListActive() []domain.Session {
	return r.list(func(s *domain.Session) bool { return !s.IsClosed() })
}

// ListAll returns copies of every session, most recent activity first.
func (r *Registry) ListAll() []domain.Session {
	return r.list(func(*domain.Session) bool { return true })
}

func (r *Registry) list(keep func(*domain.Session) bool) []domain.Session {
	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Remove deletes a session. It reports whether the session existed.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Clear drops every session. Only an explicit client reset calls this.
func (r *Registry) Clear() {
	r.sessions = make(map[string]*domain.Session)
}

// EvictClosed removes closed sessions whose last activity is before cutoff
// and returns their ids.
func (r *Registry) EvictClosed(cutoff time.Time) []string {
	var evicted []string
	for id, s := range r.sessions {
		if s.IsClosed() && s.LastActivityAt.Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}
