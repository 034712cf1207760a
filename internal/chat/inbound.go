package chat

import (
	"fmt"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/metrics"
	"github.com/ashureev/supportsync/internal/protocol"
	"github.com/ashureev/supportsync/internal/session"
)

func (c *Client) onFrame(f protocol.Frame) {
	var err error
	switch f.Type {
	case protocol.KindSessionList:
		err = c.handleSessionList(f)
	case protocol.KindSessionStarted:
		err = c.handleSessionStarted(f)
	case protocol.KindMessageReceived:
		err = c.handleMessage(f)
	case protocol.KindMessageAck:
		err = c.handleAck(f)
	case protocol.KindTyping:
		err = c.handleTyping(f)
	case protocol.KindSessionStatusChanged, protocol.KindSessionClosed:
		err = c.handleStatus(f)
	case protocol.KindError:
		err = c.handleError(f)
	}
	if err != nil {
		c.logger.Warn("inbound frame rejected", "type", f.Type, "error", err)
		c.events.Publish(events.KindProtocolError, err)
	}
}

func (c *Client) handleSessionList(f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.SessionListPayload](f)
	if err != nil {
		return err
	}
	var b batch
	c.mu.Lock()
	for _, ws := range p.Sessions {
		if err := ws.Validate(); err != nil {
			c.logger.Warn("skipping invalid session", "error", err)
			continue
		}
		c.mergeSessionLocked(ws, &b)
	}
	c.mu.Unlock()
	c.publish(b)
	return nil
}

func (c *Client) handleSessionStarted(f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.SessionStartedPayload](f)
	if err != nil {
		return err
	}
	if err := p.Session.Validate(); err != nil {
		return err
	}
	var b batch
	c.mu.Lock()
	c.mergeSessionLocked(p.Session, &b)
	if p.Session.Status != domain.SessionClosed {
		c.joinLocked(c.ctx, p.Session.ID, &b)
	}
	c.mu.Unlock()
	c.publish(b)
	return nil
}

// mergeSessionLocked upserts metadata and reconciles every message in a
// server snapshot.
func (c *Client) mergeSessionLocked(ws protocol.WireSession, b *batch) {
	wasClosed := false
	if prev, ok := c.registry.Get(ws.ID); ok {
		wasClosed = prev.IsClosed()
	}
	c.registry.Upsert(ws.Meta())
	for _, wm := range ws.ConfirmedMessages() {
		if err := wm.Validate(); err != nil {
			c.logger.Warn("skipping invalid message", "session_id", ws.ID, "error", err)
			continue
		}
		c.applyConfirmedLocked(wm.ToDomain(), b)
	}
	if ws.Status == domain.SessionClosed && !wasClosed {
		c.applyClosedLocked(ws.ID, b)
	}
	if s, ok := c.registry.Get(ws.ID); ok {
		b.add(events.KindSessionUpdated, s)
	}
}

func (c *Client) applyConfirmedLocked(msg domain.Message, b *batch) session.Result {
	res := c.reconciler.ApplyConfirmed(msg)
	metrics.ReconcileTotal.WithLabelValues(res.Outcome.String()).Inc()
	if res.Outcome == session.OutcomeDuplicate {
		return res
	}
	if res.Message.LocalID != "" {
		c.clearAckTimerLocked(res.Message.LocalID)
		c.outbox.Remove(res.Message.LocalID)
	}
	outcome := OutcomeInserted
	if res.Outcome == session.OutcomePromoted {
		outcome = OutcomePromoted
	}
	b.add(events.KindMessageUpserted, MessageEvent{
		SessionID: msg.SessionID,
		Message:   res.Message,
		Outcome:   outcome,
		Index:     res.Index,
	})
	return res
}

func (c *Client) handleMessage(f protocol.Frame) error {
	wm, err := protocol.DecodePayload[protocol.WireMessage](f)
	if err != nil {
		return err
	}
	if err := wm.Validate(); err != nil {
		return err
	}
	var b batch
	c.mu.Lock()
	_, known := c.registry.Get(wm.SessionID)
	c.applyConfirmedLocked(wm.ToDomain(), &b)
	if !known {
		if s, ok := c.registry.Get(wm.SessionID); ok {
			b.add(events.KindSessionUpdated, s)
		}
	}
	c.mu.Unlock()

	c.publish(b)
	if wm.SenderRole != c.cfg.Role {
		// A message ends that sender's typing indicator.
		c.typing.Observe(wm.SessionID, wm.SenderRole, false)
	}
	return nil
}

func (c *Client) handleAck(f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.MessageAckPayload](f)
	if err != nil {
		return err
	}
	if p.LocalID == "" || p.ID == "" {
		return fmt.Errorf("%w: message_ack needs local_id and id", domain.ErrProtocol)
	}
	var b batch
	c.mu.Lock()
	c.clearAckTimerLocked(p.LocalID)
	c.outbox.Remove(p.LocalID)
	res, ok := c.reconciler.ApplyAck(p.LocalID, p.ID)
	if ok {
		metrics.ReconcileTotal.WithLabelValues(res.Outcome.String()).Inc()
		b.add(events.KindMessageUpserted, MessageEvent{
			SessionID: res.Message.SessionID,
			Message:   res.Message,
			Outcome:   OutcomePromoted,
			Index:     res.Index,
		})
	}
	c.mu.Unlock()
	c.publish(b)
	return nil
}

func (c *Client) handleTyping(f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.TypingPayload](f)
	if err != nil {
		return err
	}
	if p.SessionID == "" {
		return fmt.Errorf("%w: typing without session_id", domain.ErrProtocol)
	}
	if p.Role == "" || p.Role == c.cfg.Role {
		return nil
	}
	c.mu.Lock()
	desired := c.subs.IsDesired(p.SessionID)
	c.mu.Unlock()
	if desired {
		c.typing.Observe(p.SessionID, p.Role, p.IsTyping)
	}
	return nil
}

func (c *Client) handleStatus(f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.SessionStatusPayload](f)
	if err != nil {
		return err
	}
	if f.Type == protocol.KindSessionClosed && p.Status == "" {
		p.Status = domain.SessionClosed
	}
	if p.SessionID == "" || !p.Status.Valid() {
		return fmt.Errorf("%w: bad %s payload", domain.ErrProtocol, f.Type)
	}

	var b batch
	c.mu.Lock()
	wasClosed := false
	if prev, ok := c.registry.Get(p.SessionID); ok {
		wasClosed = prev.IsClosed()
	}
	c.registry.Upsert(domain.Session{ID: p.SessionID, Status: p.Status, LastActivityAt: c.clock.Now()})
	if p.Status == domain.SessionClosed && !wasClosed {
		c.applyClosedLocked(p.SessionID, &b)
	}
	s, _ := c.registry.Get(p.SessionID)
	b.add(events.KindSessionUpdated, s)
	c.mu.Unlock()

	if p.Status == domain.SessionClosed {
		c.typing.ForgetSession(p.SessionID)
	}
	c.publish(b)
	return nil
}

// applyClosedLocked retains the closed session read-only: its
// subscription is dropped and its unconfirmed sends fail.
func (c *Client) applyClosedLocked(sessionID string, b *batch) {
	c.subs.Leave(sessionID)
	c.outbox.RemoveSession(sessionID)
	for _, p := range c.reconciler.PendingSends() {
		if p.SessionID == sessionID {
			c.failSendLocked(p.LocalID, fmt.Errorf("%w: %s", domain.ErrSessionClosed, sessionID), b)
		}
	}
	c.logger.Info("session closed", "session_id", sessionID)
}

func (c *Client) handleError(f protocol.Frame) error {
	p, err := protocol.DecodePayload[protocol.ErrorPayload](f)
	if err != nil {
		return err
	}
	c.logger.Warn("server error", "code", p.Code, "message", p.Message, "request_id", f.RequestID)
	c.events.Publish(events.KindServerError, p)
	return nil
}
