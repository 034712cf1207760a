package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/ashureev/supportsync/internal/domain"
)

// Outcome describes what reconciliation did with an inbound confirmed message.
type Outcome int

const (
	// OutcomePromoted: a local pending entry was confirmed in place.
	OutcomePromoted Outcome = iota
	// OutcomeDuplicate: the server id was already in the log; nothing changed.
	OutcomeDuplicate
	// OutcomeInserted: a new entry was inserted in sentAt order.
	OutcomeInserted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePromoted:
		return "promoted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInserted:
		return "inserted"
	}
	return "unknown"
}

// Result reports the entry a reconciliation touched.
type Result struct {
	Outcome Outcome
	Message domain.Message
	Index   int
}

// Reconciler merges optimistic and confirmed message facts into each
// session log. Correlation is by local id only, never by content.
type Reconciler struct {
	registry *Registry
	pending  map[string]*domain.PendingSend
}

// NewReconciler creates a reconciler over registry.
func NewReconciler(registry *Registry) *Reconciler {
	return &Reconciler{
		registry: registry,
		pending:  make(map[string]*domain.PendingSend),
	}
}

// Registry returns the registry this reconciler mutates.
func (rc *Reconciler) Registry() *Registry {
	return rc.registry
}

// AddPending appends an optimistic Pending entry and records its PendingSend.
func (rc *Reconciler) AddPending(sessionID, localID, body string, role domain.Role, at time.Time) (*domain.PendingSend, domain.Message, error) {
	if _, dup := rc.pending[localID]; dup {
		return nil, domain.Message{}, fmt.Errorf("local id %s already pending", localID)
	}
	s, _ := rc.registry.GetOrCreate(sessionID)
	if findLocal(s, localID) >= 0 {
		return nil, domain.Message{}, fmt.Errorf("local id %s already in session %s", localID, sessionID)
	}
	msg := domain.Message{
		LocalID:       localID,
		SessionID:     sessionID,
		SenderRole:    role,
		Body:          body,
		SentAt:        at,
		DeliveryState: domain.DeliveryPending,
	}
	s.Messages = append(s.Messages, msg)
	s.Touch(at)

	p := &domain.PendingSend{
		LocalID:    localID,
		SessionID:  sessionID,
		Body:       body,
		EnqueuedAt: at,
	}
	rc.pending[localID] = p
	return p, msg, nil
}

// Pending returns the outstanding send for localID.
func (rc *Reconciler) Pending(localID string) (*domain.PendingSend, bool) {
	p, ok := rc.pending[localID]
	return p, ok
}

// PendingSends returns all outstanding sends in enqueue order.
func (rc *Reconciler) PendingSends() []*domain.PendingSend {
	out := make([]*domain.PendingSend, 0, len(rc.pending))
	for _, p := range rc.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// ApplyConfirmed applies one confirmed message:
//  1. matching local id of an unconfirmed entry: promote in place;
//  2. server id already present: discard as duplicate;
//  3. otherwise insert ordered by sentAt, ties by server id.
//
// Unknown sessions are created.
func (rc *Reconciler) ApplyConfirmed(msg domain.Message) Result {
	s, _ := rc.registry.GetOrCreate(msg.SessionID)
	msg.DeliveryState = domain.DeliveryConfirmed

	if msg.LocalID != "" {
		if i := findLocal(s, msg.LocalID); i >= 0 {
			entry := &s.Messages[i]
			if entry.DeliveryState == domain.DeliveryConfirmed {
				return Result{Outcome: OutcomeDuplicate, Message: *entry, Index: i}
			}
			if j := findID(s, msg.ID); j >= 0 && j != i {
				// Same id already delivered without a local id; keep the
				// optimistic slot and drop the stray copy.
				s.Messages = append(s.Messages[:j], s.Messages[j+1:]...)
				if j < i {
					i--
				}
			}
			rc.promote(s, i, msg.ID, msg.SentAt)
			return Result{Outcome: OutcomePromoted, Message: s.Messages[i], Index: i}
		}
	}

	if i := findID(s, msg.ID); i >= 0 {
		return Result{Outcome: OutcomeDuplicate, Message: s.Messages[i], Index: i}
	}

	i := insertionIndex(s.Messages, msg)
	s.Messages = append(s.Messages, domain.Message{})
	copy(s.Messages[i+1:], s.Messages[i:])
	s.Messages[i] = msg
	s.Touch(msg.SentAt)
	return Result{Outcome: OutcomeInserted, Message: msg, Index: i}
}

// ApplyAck promotes the entry for localID using a bare acknowledgement.
// It returns false when localID is unknown or already confirmed.
func (rc *Reconciler) ApplyAck(localID, serverID string) (Result, bool) {
	p, ok := rc.pending[localID]
	var s *domain.Session
	if ok {
		s, ok = rc.registry.lookup(p.SessionID)
	} else {
		s, ok = rc.findSessionByLocal(localID)
	}
	if !ok {
		return Result{}, false
	}
	i := findLocal(s, localID)
	if i < 0 || s.Messages[i].DeliveryState == domain.DeliveryConfirmed {
		return Result{}, false
	}
	if j := findID(s, serverID); j >= 0 {
		// The full message already arrived via another path; collapse into
		// the local slot so the id stays unique.
		s.Messages = append(s.Messages[:j], s.Messages[j+1:]...)
		if j < i {
			i--
		}
	}
	rc.promote(s, i, serverID, time.Time{})
	return Result{Outcome: OutcomePromoted, Message: s.Messages[i], Index: i}, true
}

func (rc *Reconciler) promote(s *domain.Session, i int, serverID string, sentAt time.Time) {
	entry := &s.Messages[i]
	entry.ID = serverID
	entry.DeliveryState = domain.DeliveryConfirmed
	if !sentAt.IsZero() {
		entry.SentAt = sentAt
	}
	s.Touch(entry.SentAt)
	delete(rc.pending, entry.LocalID)
}

// MarkFailed flags an unconfirmed send as Failed and drops its PendingSend.
func (rc *Reconciler) MarkFailed(localID string) (domain.Message, bool) {
	p, ok := rc.pending[localID]
	if !ok {
		return domain.Message{}, false
	}
	delete(rc.pending, localID)
	s, ok := rc.registry.lookup(p.SessionID)
	if !ok {
		return domain.Message{}, false
	}
	i := findLocal(s, localID)
	if i < 0 {
		return domain.Message{}, false
	}
	s.Messages[i].DeliveryState = domain.DeliveryFailed
	return s.Messages[i], true
}

// Requeue turns a Failed entry back into a Pending one for manual retry.
// The same local id is reused so a late server echo still correlates.
func (rc *Reconciler) Requeue(localID string, at time.Time) (*domain.PendingSend, domain.Message, error) {
	s, ok := rc.findSessionByLocal(localID)
	if !ok {
		return nil, domain.Message{}, fmt.Errorf("%w: %s", domain.ErrUnknownMessage, localID)
	}
	i := findLocal(s, localID)
	entry := &s.Messages[i]
	if entry.DeliveryState != domain.DeliveryFailed {
		return nil, domain.Message{}, fmt.Errorf("message %s is %s, not failed", localID, entry.DeliveryState)
	}
	entry.DeliveryState = domain.DeliveryPending
	p := &domain.PendingSend{
		LocalID:    localID,
		SessionID:  s.ID,
		Body:       entry.Body,
		EnqueuedAt: at,
		Attempts:   1,
	}
	rc.pending[localID] = p
	return p, *entry, nil
}

// Discard removes a Failed entry the user abandoned.
func (rc *Reconciler) Discard(localID string) (domain.Message, error) {
	s, ok := rc.findSessionByLocal(localID)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %s", domain.ErrUnknownMessage, localID)
	}
	i := findLocal(s, localID)
	entry := s.Messages[i]
	if entry.DeliveryState != domain.DeliveryFailed {
		return domain.Message{}, fmt.Errorf("message %s is %s, only failed messages can be discarded", localID, entry.DeliveryState)
	}
	s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
	return entry, nil
}

// Restore loads a previously persisted session log and its outstanding sends.
func (rc *Reconciler) Restore(s domain.Session, pending []domain.PendingSend) {
	live, _ := rc.registry.Upsert(s)
	for _, m := range s.Messages {
		switch {
		case m.ID != "":
			m.SessionID = s.ID
			rc.ApplyConfirmed(m)
		case m.LocalID != "" && findLocal(live, m.LocalID) < 0:
			m.SessionID = s.ID
			live.Messages = append(live.Messages, m)
		}
	}
	for i := range pending {
		p := pending[i]
		if findLocal(live, p.LocalID) >= 0 {
			rc.pending[p.LocalID] = &p
		}
	}
}

// ForgetSession drops outstanding sends for a session being evicted.
func (rc *Reconciler) ForgetSession(sessionID string) {
	for id, p := range rc.pending {
		if p.SessionID == sessionID {
			delete(rc.pending, id)
		}
	}
}

// Reset drops all outstanding sends.
func (rc *Reconciler) Reset() {
	rc.pending = make(map[string]*domain.PendingSend)
}

func (rc *Reconciler) findSessionByLocal(localID string) (*domain.Session, bool) {
	if p, ok := rc.pending[localID]; ok {
		return rc.registry.lookup(p.SessionID)
	}
	for _, s := range rc.registry.sessions {
		if findLocal(s, localID) >= 0 {
			return s, true
		}
	}
	return nil, false
}

func findLocal(s *domain.Session, localID string) int {
	if localID == "" {
		return -1
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func findID(s *domain.Session, id string) int {
	if id == "" {
		return -1
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insertionIndex scans from the tail since late arrivals are the common case.
func insertionIndex(log []domain.Message, msg domain.Message) int {
	i := len(log)
	for i > 0 && msg.Before(log[i-1]) {
		i--
	}
	return i
}
