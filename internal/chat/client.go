// Package chat is the synchronization engine: one Client per authenticated
// identity keeps local session logs consistent with the server across
// reconnects while allowing optimistic sends.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/supportsync/internal/clock"
	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/metrics"
	"github.com/ashureev/supportsync/internal/outbox"
	"github.com/ashureev/supportsync/internal/protocol"
	"github.com/ashureev/supportsync/internal/session"
	"github.com/ashureev/supportsync/internal/store"
	"github.com/ashureev/supportsync/internal/subscription"
	"github.com/ashureev/supportsync/internal/typing"
)

// Transport is the connection the client drives. transport.Manager
// implements it.
type Transport interface {
	Connect(ctx context.Context, credential string, role domain.Role) error
	Reconnect(ctx context.Context) error
	Disconnect()
	Close()
	Send(ctx context.Context, kind protocol.Kind, payload any) (uint64, error)
	Status() domain.ConnectionStatus
}

// Fallback is the request/response API used while the realtime channel is
// unavailable. restapi.Client implements it.
type Fallback interface {
	StartSession(ctx context.Context, req protocol.StartSessionPayload) (protocol.WireSession, error)
	SendMessage(ctx context.Context, req protocol.SendMessagePayload) (protocol.WireMessage, error)
	CloseSession(ctx context.Context, req protocol.CloseSessionPayload) (protocol.WireSession, error)
	ListSessions(ctx context.Context) ([]protocol.WireSession, error)
}

// Config configures a Client.
type Config struct {
	Credential string
	Role       domain.Role
	// OwnerID keys the local cache; defaults to "default".
	OwnerID string

	SendAckTimeout  time.Duration
	TypingWindow    time.Duration
	ClosedRetention time.Duration
	SweepInterval   time.Duration
	// CheckpointInterval enables periodic snapshots when Store is set.
	CheckpointInterval time.Duration
	OutboxLimit        int

	Store    store.Repository
	Fallback Fallback
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.Role == "" {
		c.Role = domain.RoleEndUser
	}
	if c.OwnerID == "" {
		c.OwnerID = "default"
	}
	if c.SendAckTimeout <= 0 {
		c.SendAckTimeout = 15 * time.Second
	}
	if c.TypingWindow <= 0 {
		c.TypingWindow = 3 * time.Second
	}
	if c.ClosedRetention <= 0 {
		c.ClosedRetention = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type ackTimer struct {
	timer clock.Timer
	gen   uint64
}

// Client is the engine instance. All session, queue and subscription state
// is guarded by mu; events are collected under the lock and published after
// it is released so handlers may call back into the client.
type Client struct {
	cfg       Config
	events    *events.Dispatcher
	transport Transport
	typing    *typing.Coordinator
	clock     clock.Clock
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tokens []events.Token
	wg     sync.WaitGroup

	mu         sync.Mutex
	registry   *session.Registry
	reconciler *session.Reconciler
	subs       *subscription.Manager
	outbox     *outbox.Queue
	ackTimers  map[string]*ackTimer
	ackGen     uint64
	epoch      uint64
	connected  bool
	closed     bool

	// delivering is the local id of the queue head while it is in flight
	// over the fallback API. The realtime flush does not pass it.
	deliverMu  sync.Mutex
	delivering string
}

// New creates a client over tr and subscribes it to d. The client must be
// subscribed before the transport connects, so construct it first.
func New(cfg Config, tr Transport, d *events.Dispatcher) *Client {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())

	registry := session.NewRegistry(cfg.Clock.Now)
	c := &Client{
		cfg:        cfg,
		events:     d,
		transport:  tr,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		registry:   registry,
		reconciler: session.NewReconciler(registry),
		subs:       subscription.NewManager(),
		outbox:     outbox.New(cfg.OutboxLimit),
		ackTimers:  make(map[string]*ackTimer),
	}
	c.typing = typing.NewCoordinator(typing.Config{
		Clock:  cfg.Clock,
		Window: cfg.TypingWindow,
		Emit:   c.emitTyping,
		Notify: func(ch typing.Change) { d.Publish(events.KindTypingChanged, ch) },
		Logger: cfg.Logger,
	})

	c.tokens = append(c.tokens,
		events.On(d, events.KindConnectionStatus, c.onStatus),
		events.On(d, events.KindInboundFrame, c.onFrame),
	)
	return c
}

// Connect opens the realtime channel with the configured credential.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx, c.cfg.Credential, c.cfg.Role)
}

// Reconnect retries a Failed or Disconnected channel.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.transport.Reconnect(ctx)
}

// Disconnect closes the channel. Sessions and queued sends are kept.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
}

// Status returns the transport status.
func (c *Client) Status() domain.ConnectionStatus {
	return c.transport.Status()
}

// Role returns the role this client authenticates as.
func (c *Client) Role() domain.Role {
	return c.cfg.Role
}

// Close detaches from the dispatcher and stops every timer and goroutine.
// It must not be called from an event handler.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopAckTimersLocked()
	c.mu.Unlock()

	for _, tok := range c.tokens {
		c.events.Unsubscribe(tok)
	}
	c.cancel()
	c.typing.CancelAll()
	c.transport.Close()
	c.wg.Wait()
}

// batch collects events while the lock is held.
type batch []events.Event

func (b *batch) add(kind events.Kind, payload any) {
	*b = append(*b, events.Event{Kind: kind, Payload: payload})
}

func (c *Client) publish(b batch) {
	for _, ev := range b {
		c.events.Publish(ev.Kind, ev.Payload)
	}
}

// Send appends an optimistic Pending message to sessionID's log and
// transmits it now, or queues it until the session is joined on a live
// connection. Sending to a session with no subscription joins it.
func (c *Client) Send(ctx context.Context, sessionID, body string) (domain.Message, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Message{}, domain.ErrEmptyBody
	}
	if sessionID == "" {
		return domain.Message{}, errors.New("session id is required")
	}

	var b batch
	c.mu.Lock()
	if s, ok := c.registry.Get(sessionID); ok && s.IsClosed() {
		c.mu.Unlock()
		return domain.Message{}, fmt.Errorf("send to %s: %w", sessionID, domain.ErrSessionClosed)
	}
	if !c.subs.IsDesired(sessionID) {
		c.joinLocked(ctx, sessionID, &b)
	}

	p, msg, err := c.reconciler.AddPending(sessionID, uuid.NewString(), body, c.cfg.Role, c.clock.Now())
	if err != nil {
		c.mu.Unlock()
		c.publish(b)
		return domain.Message{}, err
	}
	b.add(events.KindMessageUpserted, MessageEvent{SessionID: sessionID, Message: msg, Outcome: OutcomeOptimistic})

	sent := false
	if c.canTransmitLocked(sessionID) {
		if err := c.transmitLocked(ctx, p); err != nil {
			c.logger.Warn("[OUTBOX] direct send failed, queueing", "session_id", sessionID, "local_id", p.LocalID, "error", err)
		} else {
			sent = true
		}
	}
	if !sent {
		if err := c.outbox.Enqueue(p); err != nil {
			failed, _ := c.reconciler.MarkFailed(p.LocalID)
			metrics.SendFailuresTotal.Inc()
			b.add(events.KindSendFailed, SendFailure{SessionID: sessionID, LocalID: p.LocalID, Err: err})
			b.add(events.KindMessageUpserted, MessageEvent{SessionID: sessionID, Message: failed, Outcome: OutcomeFailed})
			c.mu.Unlock()
			c.publish(b)
			return failed, fmt.Errorf("queue send: %w", err)
		}
		c.logger.Debug("[OUTBOX] queued", "session_id", sessionID, "local_id", p.LocalID, "depth", c.outbox.Len())
	}
	c.mu.Unlock()

	c.publish(b)
	return msg, nil
}

// Retry re-sends a Failed message under its original local id.
func (c *Client) Retry(ctx context.Context, localID string) (domain.Message, error) {
	var b batch
	c.mu.Lock()
	p, msg, err := c.reconciler.Requeue(localID, c.clock.Now())
	if err != nil {
		c.mu.Unlock()
		return domain.Message{}, err
	}
	if s, ok := c.registry.Get(p.SessionID); ok && s.IsClosed() {
		failed, _ := c.reconciler.MarkFailed(localID)
		c.mu.Unlock()
		return failed, fmt.Errorf("retry %s: %w", localID, domain.ErrSessionClosed)
	}
	b.add(events.KindMessageUpserted, MessageEvent{SessionID: p.SessionID, Message: msg, Outcome: OutcomeOptimistic})
	if !c.subs.IsDesired(p.SessionID) {
		c.joinLocked(ctx, p.SessionID, &b)
	}

	if !c.canTransmitLocked(p.SessionID) || c.transmitLocked(ctx, p) != nil {
		if err := c.outbox.Enqueue(p); err != nil {
			failed, _ := c.reconciler.MarkFailed(localID)
			c.mu.Unlock()
			c.publish(b)
			return failed, fmt.Errorf("queue retry: %w", err)
		}
	}
	c.mu.Unlock()

	c.publish(b)
	return msg, nil
}

// Discard removes a Failed message the user has given up on.
func (c *Client) Discard(localID string) error {
	c.mu.Lock()
	msg, err := c.reconciler.Discard(localID)
	var snap domain.Session
	if err == nil {
		snap, _ = c.registry.Get(msg.SessionID)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.events.Publish(events.KindSessionUpdated, snap)
	return nil
}

// Join subscribes to sessionID. The join frame is sent now when connected
// and replayed on every reconnect until Leave.
func (c *Client) Join(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	var b batch
	c.mu.Lock()
	if s, ok := c.registry.Get(sessionID); ok && s.IsClosed() {
		c.mu.Unlock()
		return fmt.Errorf("join %s: %w", sessionID, domain.ErrSessionClosed)
	}
	c.joinLocked(ctx, sessionID, &b)
	c.mu.Unlock()
	c.publish(b)
	return nil
}

func (c *Client) joinLocked(ctx context.Context, sessionID string, b *batch) {
	if s, created := c.registry.GetOrCreate(sessionID); created {
		b.add(events.KindSessionUpdated, s.Clone())
	}
	c.subs.Join(sessionID)
	if !c.connectedLocked() {
		return
	}
	c.writeJoinLocked(ctx, sessionID)
}

func (c *Client) writeJoinLocked(ctx context.Context, sessionID string) bool {
	epoch, err := c.transport.Send(ctx, protocol.KindJoinSession, protocol.SessionRefPayload{SessionID: sessionID})
	if err != nil {
		c.logger.Warn("join deferred", "session_id", sessionID, "error", err)
		return false
	}
	c.subs.MarkJoined(sessionID, epoch, c.clock.Now())
	return true
}

// Leave unsubscribes from sessionID. The leave frame is best effort.
func (c *Client) Leave(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	wasDesired := c.subs.Leave(sessionID)
	if wasDesired && c.connectedLocked() {
		if _, err := c.transport.Send(ctx, protocol.KindLeaveSession, protocol.SessionRefPayload{SessionID: sessionID}); err != nil {
			c.logger.Debug("leave not sent", "session_id", sessionID, "error", err)
		}
	}
	c.mu.Unlock()
	c.typing.StopTyping(sessionID)
	return nil
}

// NotifyTyping signals local typing in sessionID. Nothing is sent or
// queued while disconnected.
func (c *Client) NotifyTyping(sessionID string) {
	c.mu.Lock()
	ok := c.connectedLocked() && c.subs.JoinedOn(sessionID, c.epoch)
	c.mu.Unlock()
	if ok {
		c.typing.NotifyTyping(sessionID)
	}
}

// StopTyping ends a local typing broadcast early.
func (c *Client) StopTyping(sessionID string) {
	c.typing.StopTyping(sessionID)
}

func (c *Client) emitTyping(sessionID string, isTyping bool) {
	_, err := c.transport.Send(c.ctx, protocol.KindTyping, protocol.TypingPayload{
		SessionID: sessionID,
		Role:      c.cfg.Role,
		IsTyping:  isTyping,
	})
	if err != nil {
		c.logger.Debug("typing not sent", "session_id", sessionID, "error", err)
	}
}

// StartSession asks the server to open a session. Over the realtime channel
// the result arrives as session_started and "" is returned; offline with a
// fallback API configured the new session id is returned.
func (c *Client) StartSession(ctx context.Context, body, category, priority string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", domain.ErrEmptyBody
	}
	req := protocol.StartSessionPayload{Body: body, Category: category, Priority: priority}

	c.mu.Lock()
	online := c.connectedLocked()
	var err error
	if online {
		_, err = c.transport.Send(ctx, protocol.KindStartSession, req)
	}
	c.mu.Unlock()
	if online {
		return "", err
	}
	return c.startViaFallback(ctx, req)
}

// CloseSession resolves sessionID.
func (c *Client) CloseSession(ctx context.Context, sessionID, resolution string) error {
	req := protocol.CloseSessionPayload{SessionID: sessionID, Resolution: resolution}

	c.mu.Lock()
	online := c.connectedLocked()
	var err error
	if online {
		_, err = c.transport.Send(ctx, protocol.KindCloseSession, req)
	}
	c.mu.Unlock()
	if online {
		return err
	}
	return c.closeViaFallback(ctx, req)
}

// ListActiveSessions requests the server's session list. Offline it falls
// back to Refresh.
func (c *Client) ListActiveSessions(ctx context.Context) error {
	c.mu.Lock()
	online := c.connectedLocked()
	var err error
	if online {
		_, err = c.transport.Send(ctx, protocol.KindListActiveSessions, nil)
	}
	c.mu.Unlock()
	if online {
		return err
	}
	if c.cfg.Fallback == nil {
		return fmt.Errorf("list sessions: %w", domain.ErrNotConnected)
	}
	return c.Refresh(ctx)
}

// Sessions returns the non-closed sessions, most recent activity first.
func (c *Client) Sessions() []domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.ListActive()
}

// AllSessions includes closed sessions still within retention.
func (c *Client) AllSessions() []domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.ListAll()
}

// Session returns a copy of one session.
func (c *Client) Session(sessionID string) (domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Get(sessionID)
}

// Subscriptions returns membership in first-join order.
func (c *Client) Subscriptions() []domain.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.All()
}

// QueueDepth returns the number of sends waiting for a connection.
func (c *Client) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbox.Len()
}

// PendingSends returns copies of all unconfirmed sends.
func (c *Client) PendingSends() []domain.PendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.reconciler.PendingSends()
	out := make([]domain.PendingSend, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}

// Typing returns the live remote typing signals for sessionID.
func (c *Client) Typing(sessionID string) []domain.TypingSignal {
	return c.typing.Signals(sessionID)
}

// connectedLocked reports whether the transport is on the epoch this
// client has finished replaying joins for.
func (c *Client) connectedLocked() bool {
	if !c.connected {
		return false
	}
	st := c.transport.Status()
	return st.State == domain.StateConnected && st.Epoch == c.epoch
}

// canTransmitLocked: connected, joined on this connection, and nothing for
// the session still queued ahead.
func (c *Client) canTransmitLocked(sessionID string) bool {
	return c.connectedLocked() &&
		c.subs.JoinedOn(sessionID, c.epoch) &&
		!c.outbox.HasSession(sessionID)
}

func (c *Client) transmitLocked(ctx context.Context, p *domain.PendingSend) error {
	_, err := c.transport.Send(ctx, protocol.KindSendMessage, protocol.SendMessagePayload{
		SessionID: p.SessionID,
		LocalID:   p.LocalID,
		Body:      p.Body,
	})
	if err != nil {
		return err
	}
	p.Attempts++
	p.TransmittedAt = c.clock.Now()
	c.armAckTimerLocked(p.LocalID)
	return nil
}

func (c *Client) armAckTimerLocked(localID string) {
	if t, ok := c.ackTimers[localID]; ok {
		t.timer.Stop()
	}
	c.ackGen++
	gen := c.ackGen
	c.ackTimers[localID] = &ackTimer{
		gen:   gen,
		timer: c.clock.AfterFunc(c.cfg.SendAckTimeout, func() { c.onAckTimeout(localID, gen) }),
	}
}

func (c *Client) clearAckTimerLocked(localID string) {
	if t, ok := c.ackTimers[localID]; ok {
		t.timer.Stop()
		delete(c.ackTimers, localID)
	}
}

func (c *Client) stopAckTimersLocked() {
	for id, t := range c.ackTimers {
		t.timer.Stop()
		delete(c.ackTimers, id)
	}
}

func (c *Client) onAckTimeout(localID string, gen uint64) {
	var b batch
	c.mu.Lock()
	t, ok := c.ackTimers[localID]
	if !ok || t.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.ackTimers, localID)
	msg, ok := c.reconciler.MarkFailed(localID)
	if ok {
		metrics.SendFailuresTotal.Inc()
		err := fmt.Errorf("%w: no confirmation within %s", domain.ErrSendTimeout, c.cfg.SendAckTimeout)
		b.add(events.KindSendFailed, SendFailure{SessionID: msg.SessionID, LocalID: localID, Err: err})
		b.add(events.KindMessageUpserted, MessageEvent{SessionID: msg.SessionID, Message: msg, Outcome: OutcomeFailed})
		c.logger.Warn("[OUTBOX] send unconfirmed, marked failed", "session_id", msg.SessionID, "local_id", localID)
	}
	c.mu.Unlock()
	c.publish(b)
}

// onStatus replays joins then flushes the queue on every new connection,
// and pauses ack deadlines while disconnected.
func (c *Client) onStatus(st domain.ConnectionStatus) {
	var b batch
	lost := false

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if st.State == domain.StateConnected {
		cur := c.transport.Status()
		if cur.State != domain.StateConnected || cur.Epoch != st.Epoch || (c.connected && c.epoch == st.Epoch) {
			c.mu.Unlock()
			return
		}
		c.epoch = st.Epoch
		c.connected = true
		c.replayJoinsLocked()
		c.flushLocked(&b)
		c.rearmAckTimersLocked()
	} else if c.connected {
		c.connected = false
		c.stopAckTimersLocked()
		lost = true
	}
	c.mu.Unlock()

	if lost {
		c.typing.CancelAll()
	}
	c.publish(b)
}

func (c *Client) replayJoinsLocked() {
	desired := c.subs.Desired()
	for _, id := range desired {
		if s, ok := c.registry.Get(id); ok && s.IsClosed() {
			c.subs.Leave(id)
			continue
		}
		if !c.writeJoinLocked(c.ctx, id) {
			return
		}
	}
	c.logger.Info("joins replayed", "epoch", c.epoch, "sessions", len(desired))
}

// flushLocked transmits queued sends in order. An item leaves the queue
// only after its frame was written.
func (c *Client) flushLocked(b *batch) {
	flushed := 0
	for {
		p, ok := c.outbox.Peek()
		if !ok {
			break
		}
		if p.LocalID == c.delivering {
			c.logger.Debug("[OUTBOX] head in flight over fallback, flush deferred", "local_id", p.LocalID)
			break
		}
		if s, ok := c.registry.Get(p.SessionID); ok && s.IsClosed() {
			c.outbox.Pop()
			c.failSendLocked(p.LocalID, fmt.Errorf("%w: %s", domain.ErrSessionClosed, p.SessionID), b)
			continue
		}
		if !c.subs.JoinedOn(p.SessionID, c.epoch) {
			c.subs.Join(p.SessionID)
			if !c.writeJoinLocked(c.ctx, p.SessionID) {
				break
			}
		}
		if err := c.transmitLocked(c.ctx, p); err != nil {
			c.logger.Warn("[OUTBOX] flush interrupted", "local_id", p.LocalID, "error", err)
			break
		}
		c.outbox.Pop()
		flushed++
	}
	if flushed > 0 {
		c.logger.Info("[OUTBOX] flushed", "count", flushed, "remaining", c.outbox.Len())
	}
}

func (c *Client) rearmAckTimersLocked() {
	for _, p := range c.reconciler.PendingSends() {
		if p.Transmitted() && !c.outbox.Contains(p.LocalID) {
			if _, armed := c.ackTimers[p.LocalID]; !armed {
				c.armAckTimerLocked(p.LocalID)
			}
		}
	}
}

func (c *Client) failSendLocked(localID string, err error, b *batch) {
	c.clearAckTimerLocked(localID)
	msg, ok := c.reconciler.MarkFailed(localID)
	if !ok {
		return
	}
	metrics.SendFailuresTotal.Inc()
	b.add(events.KindSendFailed, SendFailure{SessionID: msg.SessionID, LocalID: localID, Err: err})
	b.add(events.KindMessageUpserted, MessageEvent{SessionID: msg.SessionID, Message: msg, Outcome: OutcomeFailed})
}
