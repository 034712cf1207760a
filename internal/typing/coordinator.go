// Package typing debounces local typing broadcasts and expires remote
// typing signals that are never explicitly stopped.
package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/supportsync/internal/clock"
	"github.com/ashureev/supportsync/internal/domain"
)

// Change is the payload of typing_changed events.
type Change struct {
	SessionID string      `json:"session_id"`
	Role      domain.Role `json:"role"`
	IsTyping  bool        `json:"is_typing"`
}

// EmitFunc sends a local typing frame. Failures are the caller's concern;
// typing is never queued.
type EmitFunc func(sessionID string, isTyping bool)

// NotifyFunc reports a change in a remote participant's typing state.
type NotifyFunc func(Change)

type broadcast struct {
	timer clock.Timer
	gen   uint64
}

type remoteKey struct {
	sessionID string
	role      domain.Role
}

type remoteSignal struct {
	signal domain.TypingSignal
	timer  clock.Timer
	gen    uint64
}

// Coordinator owns all typing timers. It has its own lock and never calls
// emit or notify while holding it.
type Coordinator struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	emit   EmitFunc
	notify NotifyFunc
	logger *slog.Logger

	gen    uint64
	local  map[string]*broadcast
	remote map[remoteKey]*remoteSignal
}

// Config holds coordinator dependencies.
type Config struct {
	Clock  clock.Clock
	Window time.Duration
	Emit   EmitFunc
	Notify NotifyFunc
	Logger *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Second
	}
	if cfg.Emit == nil {
		cfg.Emit = func(string, bool) {}
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Change) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		clock:  cfg.Clock,
		window: cfg.Window,
		emit:   cfg.Emit,
		notify: cfg.Notify,
		logger: cfg.Logger,
		local:  make(map[string]*broadcast),
		remote: make(map[remoteKey]*remoteSignal),
	}
}

// NotifyTyping starts or refreshes the local broadcast for sessionID.
// Only the first call of a burst emits typing=true.
func (c *Coordinator) NotifyTyping(sessionID string) {
	c.mu.Lock()
	b, active := c.local[sessionID]
	if active {
		b.timer.Stop()
	} else {
		b = &broadcast{}
		c.local[sessionID] = b
	}
	c.gen++
	gen := c.gen
	b.gen = gen
	b.timer = c.clock.AfterFunc(c.window, func() { c.expireLocal(sessionID, gen) })
	c.mu.Unlock()

	if !active {
		c.emit(sessionID, true)
	}
}

// StopTyping ends the local broadcast early, emitting typing=false if one
// was active.
func (c *Coordinator) StopTyping(sessionID string) {
	c.mu.Lock()
	b, ok := c.local[sessionID]
	if ok {
		b.timer.Stop()
		delete(c.local, sessionID)
	}
	c.mu.Unlock()

	if ok {
		c.emit(sessionID, false)
	}
}

// Broadcasting reports whether a local typing broadcast is active.
func (c *Coordinator) Broadcasting(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[sessionID]
	return ok
}

func (c *Coordinator) expireLocal(sessionID string, gen uint64) {
	c.mu.Lock()
	b, ok := c.local[sessionID]
	if !ok || b.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.local, sessionID)
	c.mu.Unlock()

	c.emit(sessionID, false)
}

// Observe applies an inbound typing frame from another participant.
func (c *Coordinator) Observe(sessionID string, role domain.Role, isTyping bool) {
	key := remoteKey{sessionID: sessionID, role: role}

	c.mu.Lock()
	r, existed := c.remote[key]
	if !isTyping {
		if existed {
			r.timer.Stop()
			delete(c.remote, key)
		}
		c.mu.Unlock()
		if existed {
			c.notify(Change{SessionID: sessionID, Role: role})
		}
		return
	}

	if existed {
		r.timer.Stop()
	} else {
		r = &remoteSignal{}
		c.remote[key] = r
	}
	c.gen++
	gen := c.gen
	r.gen = gen
	r.signal = domain.TypingSignal{
		SessionID: sessionID,
		Role:      role,
		ExpiresAt: c.clock.Now().Add(c.window),
	}
	r.timer = c.clock.AfterFunc(c.window, func() { c.expireRemote(key, gen) })
	c.mu.Unlock()

	if !existed {
		c.notify(Change{SessionID: sessionID, Role: role, IsTyping: true})
	}
}

func (c *Coordinator) expireRemote(key remoteKey, gen uint64) {
	c.mu.Lock()
	r, ok := c.remote[key]
	if !ok || r.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.remote, key)
	c.mu.Unlock()

	c.logger.Debug("remote typing expired", "session_id", key.sessionID, "role", key.role)
	c.notify(Change{SessionID: key.sessionID, Role: key.role})
}

// IsTyping reports whether role is typing in sessionID. Expired signals are
// false even if their timer has not fired yet.
func (c *Coordinator) IsTyping(sessionID string, role domain.Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remote[remoteKey{sessionID: sessionID, role: role}]
	return ok && !r.signal.Expired(c.clock.Now())
}

// Signals returns the live remote signals for sessionID.
func (c *Coordinator) Signals(sessionID string) []domain.TypingSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	var out []domain.TypingSignal
	for key, r := range c.remote {
		if key.sessionID == sessionID && !r.signal.Expired(now) {
			out = append(out, r.signal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// CancelAll stops every timer. Local broadcasts end silently since there is
// no connection to carry typing=false; remote signals are reported stopped.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	for id, b := range c.local {
		b.timer.Stop()
		delete(c.local, id)
	}
	var cleared []Change
	for key, r := range c.remote {
		r.timer.Stop()
		delete(c.remote, key)
		cleared = append(cleared, Change{SessionID: key.sessionID, Role: key.role})
	}
	c.mu.Unlock()

	for _, ch := range cleared {
		c.notify(ch)
	}
}

// ForgetSession drops all typing state for sessionID without notifying.
func (c *Coordinator) ForgetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.local[sessionID]; ok {
		b.timer.Stop()
		delete(c.local, sessionID)
	}
	for key, r := range c.remote {
		if key.sessionID == sessionID {
			r.timer.Stop()
			delete(c.remote, key)
		}
	}
}
