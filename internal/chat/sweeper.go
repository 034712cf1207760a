package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/store"
)

// Sweep evicts closed sessions whose last activity is older than the
// retention window and returns their ids.
func (c *Client) Sweep() []string {
	c.mu.Lock()
	cutoff := c.clock.Now().Add(-c.cfg.ClosedRetention)
	evicted := c.registry.EvictClosed(cutoff)
	for _, id := range evicted {
		c.reconciler.ForgetSession(id)
		c.subs.Leave(id)
	}
	c.mu.Unlock()

	for _, id := range evicted {
		c.typing.ForgetSession(id)
	}
	if len(evicted) > 0 {
		c.logger.Info("sweeper evicted closed sessions", "count", len(evicted), "retention", c.cfg.ClosedRetention)
	}
	return evicted
}

// StartSweeper runs a background goroutine that evicts expired closed
// sessions and, with a store configured, checkpoints periodically. It stops
// when ctx is cancelled or the client is closed.
func (c *Client) StartSweeper(ctx context.Context) {
	sweep := time.NewTicker(c.cfg.SweepInterval)
	var checkpoint <-chan time.Time
	var cpTicker *time.Ticker
	if c.cfg.Store != nil && c.cfg.CheckpointInterval > 0 {
		cpTicker = time.NewTicker(c.cfg.CheckpointInterval)
		checkpoint = cpTicker.C
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sweep.Stop()
		if cpTicker != nil {
			defer cpTicker.Stop()
		}
		c.logger.Info("sweeper started", "interval", c.cfg.SweepInterval, "retention", c.cfg.ClosedRetention)

		for {
			select {
			case <-sweep.C:
				c.Sweep()
			case <-checkpoint:
				if err := c.Checkpoint(ctx); err != nil {
					c.logger.Error("sweeper checkpoint failed", "error", err)
				}
			case <-ctx.Done():
				c.logger.Info("sweeper shutting down", "reason", ctx.Err())
				return
			case <-c.ctx.Done():
				c.logger.Info("sweeper shutting down", "reason", "client closed")
				return
			}
		}
	}()
}

// Checkpoint saves sessions, unconfirmed sends and queue order to the store.
// It is a no-op without a store.
func (c *Client) Checkpoint(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}
	c.mu.Lock()
	snap := store.Snapshot{
		OwnerID:  c.cfg.OwnerID,
		Sessions: c.registry.ListAll(),
		SavedAt:  c.clock.Now(),
	}
	for _, p := range c.reconciler.PendingSends() {
		snap.Pending = append(snap.Pending, *p)
	}
	for _, p := range c.outbox.Snapshot() {
		snap.Queued = append(snap.Queued, p.LocalID)
	}
	c.mu.Unlock()

	if err := c.cfg.Store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	c.logger.Debug("checkpoint saved", "sessions", len(snap.Sessions), "pending", len(snap.Pending), "queued", len(snap.Queued))
	return nil
}

// Restore loads the stored snapshot. Queued sends are put back in order;
// sends that were already transmitted keep waiting for confirmation and get
// a fresh deadline on the next connection. Returns false when there was
// nothing to restore.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	if c.cfg.Store == nil {
		return false, nil
	}
	snap, err := c.cfg.Store.LoadSnapshot(ctx, c.cfg.OwnerID)
	if err != nil {
		return false, fmt.Errorf("restore: %w", err)
	}
	if snap == nil {
		return false, nil
	}

	pending := make(map[string][]domain.PendingSend)
	for _, p := range snap.Pending {
		pending[p.SessionID] = append(pending[p.SessionID], p)
	}

	var b batch
	c.mu.Lock()
	for _, s := range snap.Sessions {
		c.reconciler.Restore(s, pending[s.ID])
		if !s.IsClosed() {
			c.subs.Join(s.ID)
		}
		if live, ok := c.registry.Get(s.ID); ok {
			b.add(events.KindSessionUpdated, live)
		}
	}

	queued := make(map[string]bool, len(snap.Queued))
	requeue := func(localID string) {
		p, ok := c.reconciler.Pending(localID)
		if !ok || queued[localID] {
			return
		}
		queued[localID] = true
		if err := c.outbox.Enqueue(p); err != nil {
			c.failSendLocked(localID, err, &b)
		}
	}
	for _, id := range snap.Queued {
		requeue(id)
	}
	for _, p := range c.reconciler.PendingSends() {
		if !p.Transmitted() {
			requeue(p.LocalID)
		}
	}
	depth := c.outbox.Len()
	c.mu.Unlock()

	c.publish(b)
	c.logger.Info("restored local cache",
		"owner_id", c.cfg.OwnerID,
		"sessions", len(snap.Sessions),
		"pending", len(snap.Pending),
		"queued", depth,
		"saved_at", snap.SavedAt)
	return true, nil
}

// Reset drops every session, queued send, subscription and typing signal,
// closes the channel and purges the local cache. Used on logout.
func (c *Client) Reset(ctx context.Context) error {
	c.transport.Disconnect()

	c.mu.Lock()
	c.stopAckTimersLocked()
	c.registry.Clear()
	c.reconciler.Reset()
	c.subs.Reset()
	c.outbox.Clear()
	c.connected = false
	c.mu.Unlock()

	c.typing.CancelAll()

	if c.cfg.Store == nil {
		return nil
	}
	n, err := c.cfg.Store.Purge(ctx, c.cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.logger.Info("local cache purged", "owner_id", c.cfg.OwnerID, "sessions", n)
	return nil
}
