package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/protocol"
)

// ErrNoFallback is returned by offline operations when no request/response
// API is configured.
var ErrNoFallback = errors.New("no fallback api configured")

// Refresh pulls the full session list over the fallback API and merges it
// through the same reconciliation rules as realtime frames.
func (c *Client) Refresh(ctx context.Context) error {
	if c.cfg.Fallback == nil {
		return fmt.Errorf("refresh: %w", ErrNoFallback)
	}
	sessions, err := c.cfg.Fallback.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	var b batch
	c.mu.Lock()
	for _, ws := range sessions {
		if err := ws.Validate(); err != nil {
			c.logger.Warn("skipping invalid session from fallback api", "session_id", ws.ID, "error", err)
			continue
		}
		c.mergeSessionLocked(ws, &b)
	}
	c.mu.Unlock()
	c.publish(b)

	c.logger.Info("sessions refreshed over fallback api", "count", len(sessions))
	return nil
}

// DeliverQueued sends queued messages over the fallback API while the
// realtime channel is down. Delivery is in queue order and stops at the
// first error so later sends never overtake earlier ones. Returns the
// number delivered.
//
// The head stays queued while its request is in flight and is marked so a
// reconnect flush waits for it instead of writing it a second time.
func (c *Client) DeliverQueued(ctx context.Context) (int, error) {
	if c.cfg.Fallback == nil {
		return 0, ErrNoFallback
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	delivered := 0
	for {
		c.mu.Lock()
		if c.connectedLocked() {
			c.mu.Unlock()
			return delivered, nil
		}
		p, ok := c.outbox.Peek()
		if !ok {
			c.mu.Unlock()
			return delivered, nil
		}
		req := protocol.SendMessagePayload{SessionID: p.SessionID, LocalID: p.LocalID, Body: p.Body}
		p.Attempts++
		p.TransmittedAt = c.clock.Now()
		c.delivering = p.LocalID
		c.mu.Unlock()

		wm, err := c.cfg.Fallback.SendMessage(ctx, req)

		var b batch
		c.mu.Lock()
		c.delivering = ""
		if err != nil {
			if p, ok := c.reconciler.Pending(req.LocalID); ok && c.outbox.Contains(req.LocalID) {
				p.TransmittedAt = time.Time{}
			}
			c.resumeFlushLocked(&b)
			c.mu.Unlock()
			c.publish(b)
			return delivered, fmt.Errorf("deliver %s: %w", req.LocalID, err)
		}
		if wm.LocalID == "" {
			wm.LocalID = req.LocalID
		}
		if wm.SessionID == "" {
			wm.SessionID = req.SessionID
		}
		c.outbox.Remove(req.LocalID)
		if err := wm.Validate(); err != nil {
			// Accepted by the server but unusable here; the confirmation
			// will arrive with the next refresh.
			c.logger.Warn("fallback send returned invalid message", "local_id", req.LocalID, "error", err)
			if c.connectedLocked() {
				c.armAckTimerLocked(req.LocalID)
			}
		} else {
			c.applyConfirmedLocked(wm.ToDomain(), &b)
		}
		c.resumeFlushLocked(&b)
		c.mu.Unlock()
		c.publish(b)
		delivered++
	}
}

// resumeFlushLocked hands the rest of the queue to the realtime channel if
// it came back while a fallback request was in flight.
func (c *Client) resumeFlushLocked(b *batch) {
	if c.connectedLocked() {
		c.flushLocked(b)
	}
}

func (c *Client) startViaFallback(ctx context.Context, req protocol.StartSessionPayload) (string, error) {
	if c.cfg.Fallback == nil {
		return "", fmt.Errorf("start session: %w", domain.ErrNotConnected)
	}
	ws, err := c.cfg.Fallback.StartSession(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	if err := ws.Validate(); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	var b batch
	c.mu.Lock()
	c.mergeSessionLocked(ws, &b)
	c.joinLocked(ctx, ws.ID, &b)
	c.mu.Unlock()
	c.publish(b)
	return ws.ID, nil
}

func (c *Client) closeViaFallback(ctx context.Context, req protocol.CloseSessionPayload) error {
	if c.cfg.Fallback == nil {
		return fmt.Errorf("close session: %w", domain.ErrNotConnected)
	}
	ws, err := c.cfg.Fallback.CloseSession(ctx, req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if ws.ID == "" {
		ws.ID = req.SessionID
	}
	ws.Status = domain.SessionClosed

	var b batch
	c.mu.Lock()
	c.mergeSessionLocked(ws, &b)
	c.mu.Unlock()

	c.typing.ForgetSession(ws.ID)
	c.publish(b)
	return nil
}
