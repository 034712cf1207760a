package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/protocol"
	"github.com/ashureev/supportsync/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSendConfirmsOptimisticEntryInPlace(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	ctx := context.Background()

	msg, err := h.client.Send(ctx, "S1", "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, msg.DeliveryState)
	assert.NotEmpty(t, msg.LocalID)
	assert.Empty(t, msg.ID)

	assert.Equal(t, []string{"join_session:S1", "send_message:S1/hello"}, h.tr.trace())

	h.inject(t, protocol.KindMessageReceived, protocol.WireMessage{
		SessionID:  "S1",
		ID:         "M1",
		LocalID:    msg.LocalID,
		SenderRole: domain.RoleEndUser,
		Body:       "hello",
		SentAt:     start.Add(time.Second),
	})

	log := h.log(t, "S1")
	require.Len(t, log, 1)
	assert.Equal(t, "M1", log[0].ID)
	assert.Equal(t, msg.LocalID, log[0].LocalID)
	assert.Equal(t, domain.DeliveryConfirmed, log[0].DeliveryState)
	assert.Empty(t, h.client.PendingSends())

	ups := h.rec.upserted()
	require.Len(t, ups, 2)
	assert.Equal(t, OutcomeOptimistic, ups[0].Outcome)
	assert.Equal(t, OutcomePromoted, ups[1].Outcome)
}

func TestAckPromotesWithoutFullMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	msg, err := h.client.Send(context.Background(), "S1", "hi")
	require.NoError(t, err)

	h.inject(t, protocol.KindMessageAck, protocol.MessageAckPayload{LocalID: msg.LocalID, ID: "M7"})
	log := h.log(t, "S1")
	require.Len(t, log, 1)
	assert.Equal(t, "M7", log[0].ID)
	assert.Equal(t, domain.DeliveryConfirmed, log[0].DeliveryState)

	// The echo that follows is a duplicate.
	h.inject(t, protocol.KindMessageReceived, wire("S1", "M7", msg.LocalID, "hi", start))
	assert.Len(t, h.log(t, "S1"), 1)

	// Nothing times out after confirmation.
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.rec.failed())
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.client.Join(context.Background(), "S1"))

	m := wire("S1", "M1", "", "from agent", start.Add(time.Second))
	h.inject(t, protocol.KindMessageReceived, m)
	h.inject(t, protocol.KindMessageReceived, m)

	assert.Len(t, h.log(t, "S1"), 1)
	assert.Len(t, h.rec.upserted(), 1)
}

func TestInboundOrderedBySentAt(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.inject(t, protocol.KindMessageReceived, wire("S1", "M2", "", "second", start.Add(2*time.Second)))
	h.inject(t, protocol.KindMessageReceived, wire("S1", "M1", "", "first", start.Add(time.Second)))

	log := h.log(t, "S1")
	require.Len(t, log, 2)
	assert.Equal(t, "M1", log[0].ID)
	assert.Equal(t, "M2", log[1].ID)
}

func TestOfflineSendsFlushInOrderExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		msg, err := h.client.Send(ctx, "S1", body)
		require.NoError(t, err)
		assert.Equal(t, domain.DeliveryPending, msg.DeliveryState)
	}
	assert.Equal(t, 3, h.client.QueueDepth())
	assert.Empty(t, h.tr.sent())
	assert.Len(t, h.log(t, "S1"), 3)

	h.connect(t)
	assert.Equal(t, []string{
		"join_session:S1",
		"send_message:S1/a",
		"send_message:S1/b",
		"send_message:S1/c",
	}, h.tr.trace())
	assert.Zero(t, h.client.QueueDepth())

	// Transmitted but unconfirmed sends are not written again on reconnect.
	h.tr.drop()
	h.tr.up()
	assert.Equal(t, []string{"a", "b", "c"}, h.tr.sentBodies())
	assert.Len(t, h.client.PendingSends(), 3)
}

func TestRepeatedDropsRejoinBeforeFlush(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)
	require.NoError(t, h.client.Join(ctx, "S1"))
	require.NoError(t, h.client.Join(ctx, "S2"))

	for i := 0; i < 3; i++ {
		h.tr.drop()
		_, err := h.client.Send(ctx, "S2", "queued")
		require.NoError(t, err)
		h.tr.reset()
		h.tr.up()

		assert.Equal(t, []string{
			"join_session:S1",
			"join_session:S2",
			"send_message:S2/queued",
		}, h.tr.trace(), "drop %d", i+1)
	}

	assert.Equal(t, uint64(4), h.client.Status().Epoch)
	for _, fr := range h.tr.sent() {
		assert.Equal(t, uint64(4), fr.Epoch)
	}
}

func TestSendBehindQueuedItemsWaits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)
	require.NoError(t, h.client.Join(ctx, "S1"))

	h.tr.mu.Lock()
	h.tr.failSends = true
	h.tr.mu.Unlock()
	_, err := h.client.Send(ctx, "S1", "first")
	require.NoError(t, err)
	assert.Equal(t, 1, h.client.QueueDepth())

	h.tr.mu.Lock()
	h.tr.failSends = false
	h.tr.mu.Unlock()
	_, err = h.client.Send(ctx, "S1", "second")
	require.NoError(t, err)

	// "second" may not overtake "first" on the same session.
	assert.Empty(t, h.tr.sentBodies())
	assert.Equal(t, 2, h.client.QueueDepth())

	h.tr.drop()
	h.tr.up()
	assert.Equal(t, []string{"first", "second"}, h.tr.sentBodies())
}

func TestAckTimeoutMarksFailedThenRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)

	msg, err := h.client.Send(ctx, "S1", "lost")
	require.NoError(t, err)

	h.clock.Advance(14 * time.Second)
	assert.Empty(t, h.rec.failed())

	h.clock.Advance(time.Second)
	failures := h.rec.failed()
	require.Len(t, failures, 1)
	assert.Equal(t, msg.LocalID, failures[0].LocalID)
	assert.ErrorIs(t, failures[0], domain.ErrSendTimeout)
	assert.Equal(t, domain.DeliveryFailed, h.log(t, "S1")[0].DeliveryState)
	assert.Empty(t, h.client.PendingSends())

	retried, err := h.client.Retry(ctx, msg.LocalID)
	require.NoError(t, err)
	assert.Equal(t, msg.LocalID, retried.LocalID)
	assert.Equal(t, domain.DeliveryPending, retried.DeliveryState)
	assert.Equal(t, []string{"lost", "lost"}, h.tr.sentBodies())

	// A late confirmation of the retried send still lands in the same slot.
	h.inject(t, protocol.KindMessageAck, protocol.MessageAckPayload{LocalID: msg.LocalID, ID: "M1"})
	log := h.log(t, "S1")
	require.Len(t, log, 1)
	assert.Equal(t, domain.DeliveryConfirmed, log[0].DeliveryState)
}

func TestAckDeadlineOnlyCountsConnectedTime(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)

	_, err := h.client.Send(ctx, "S1", "slow")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	h.tr.drop()
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.rec.failed())

	h.tr.up()
	h.clock.Advance(14 * time.Second)
	assert.Empty(t, h.rec.failed())
	h.clock.Advance(time.Second)
	assert.Len(t, h.rec.failed(), 1)
}

func TestDiscardRemovesFailedEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)

	msg, err := h.client.Send(ctx, "S1", "oops")
	require.NoError(t, err)
	assert.Error(t, h.client.Discard(msg.LocalID), "pending entries cannot be discarded")

	h.clock.Advance(15 * time.Second)
	require.NoError(t, h.client.Discard(msg.LocalID))
	assert.Empty(t, h.log(t, "S1"))

	err = h.client.Discard("nope")
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)
}

func TestEmptyBodyRejected(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.client.Send(context.Background(), "S1", "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyBody)
	_, ok := h.client.Session("S1")
	assert.False(t, ok)
}

func TestOutboxLimitFailsSend(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OutboxLimit = 1 })
	ctx := context.Background()

	_, err := h.client.Send(ctx, "S1", "one")
	require.NoError(t, err)
	msg, err := h.client.Send(ctx, "S1", "two")
	require.Error(t, err)
	assert.Equal(t, domain.DeliveryFailed, msg.DeliveryState)
	require.Len(t, h.rec.failed(), 1)
}

func TestClosedSessionIsReadOnlyThenSwept(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ClosedRetention = time.Hour })
	ctx := context.Background()
	h.connect(t)

	msg, err := h.client.Send(ctx, "S1", "are you there?")
	require.NoError(t, err)

	h.inject(t, protocol.KindSessionClosed, protocol.SessionStatusPayload{SessionID: "S1"})

	s, ok := h.client.Session("S1")
	require.True(t, ok)
	assert.True(t, s.IsClosed())
	assert.Equal(t, domain.DeliveryFailed, s.Messages[0].DeliveryState)
	failures := h.rec.failed()
	require.Len(t, failures, 1)
	assert.Equal(t, msg.LocalID, failures[0].LocalID)
	assert.ErrorIs(t, failures[0], domain.ErrSessionClosed)

	_, err = h.client.Send(ctx, "S1", "hello?")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.ErrorIs(t, h.client.Join(ctx, "S1"), domain.ErrSessionClosed)

	assert.Empty(t, h.client.Sessions())
	assert.Len(t, h.client.AllSessions(), 1)
	for _, sub := range h.client.Subscriptions() {
		assert.False(t, sub.Desired)
	}

	h.clock.Advance(30 * time.Minute)
	assert.Empty(t, h.client.Sweep())
	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, []string{"S1"}, h.client.Sweep())
	assert.Empty(t, h.client.AllSessions())
}

func TestStatusChangeUpdatesMetadata(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.client.Join(context.Background(), "S1"))

	h.inject(t, protocol.KindSessionStatusChanged, protocol.SessionStatusPayload{
		SessionID: "S1",
		Status:    domain.SessionWaitingForUser,
	})
	s, ok := h.client.Session("S1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionWaitingForUser, s.Status)

	h.inject(t, protocol.KindSessionStatusChanged, protocol.SessionStatusPayload{SessionID: "S1", Status: "bogus"})
	assert.Len(t, h.rec.errs, 1)
}

func TestSessionListMergesSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	msg, err := h.client.Send(context.Background(), "S1", "mine")
	require.NoError(t, err)

	h.inject(t, protocol.KindSessionList, protocol.SessionListPayload{Sessions: []protocol.WireSession{
		{
			ID:     "S1",
			Status: domain.SessionInProgress,
			Messages: []protocol.WireMessage{
				wire("", "M1", "", "welcome", start.Add(-time.Minute)),
				{ID: "M2", LocalID: msg.LocalID, SenderRole: domain.RoleEndUser, Body: "mine", SentAt: start},
			},
		},
		{ID: "S2", Status: domain.SessionOpen, LastActivityAt: start.Add(-time.Hour)},
		{ID: ""},
	}})

	log := h.log(t, "S1")
	require.Len(t, log, 2)
	assert.Equal(t, []string{"M1", "M2"}, []string{log[0].ID, log[1].ID})
	assert.Equal(t, msg.LocalID, log[1].LocalID)

	sessions := h.client.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "S1", sessions[0].ID)
}

func TestSessionStartedJoins(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	id, err := h.client.StartSession(context.Background(), "my printer is on fire", "hardware", "high")
	require.NoError(t, err)
	assert.Empty(t, id)
	require.Len(t, h.tr.sentOf(protocol.KindStartSession), 1)

	h.inject(t, protocol.KindSessionStarted, protocol.SessionStartedPayload{Session: protocol.WireSession{
		ID:       "S9",
		Status:   domain.SessionOpen,
		Category: "hardware",
		Messages: []protocol.WireMessage{
			{ID: "1", SenderRole: domain.RoleEndUser, Body: "my printer is on fire", SentAt: start},
		},
	}})

	s, ok := h.client.Session("S9")
	require.True(t, ok)
	assert.Equal(t, "hardware", s.Category)
	assert.Len(t, s.Messages, 1)
	assert.Equal(t, []string{"start_session:", "join_session:S9"}, h.tr.trace())
}

func TestRemoteTypingExpires(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.client.Join(context.Background(), "S1"))

	h.inject(t, protocol.KindTyping, protocol.TypingPayload{SessionID: "S1", Role: domain.RoleAgent, IsTyping: true})
	h.inject(t, protocol.KindTyping, protocol.TypingPayload{SessionID: "S1", Role: domain.RoleEndUser, IsTyping: true})
	require.Len(t, h.client.Typing("S1"), 1)

	h.clock.Advance(3 * time.Second)
	assert.Empty(t, h.client.Typing("S1"))
	assert.Equal(t, []string{"S1:agent:start", "S1:agent:stop"}, h.rec.typingChanges())
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.client.Join(context.Background(), "S1"))

	h.inject(t, protocol.KindTyping, protocol.TypingPayload{SessionID: "S1", Role: domain.RoleAgent, IsTyping: true})
	h.tr.drop()
	assert.Empty(t, h.client.Typing("S1"))
	assert.Equal(t, []string{"S1:agent:start", "S1:agent:stop"}, h.rec.typingChanges())
}

func TestLocalTyping(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.client.NotifyTyping("S1")
	assert.Empty(t, h.tr.sent(), "typing is never queued")

	h.connect(t)
	require.NoError(t, h.client.Join(ctx, "S1"))
	h.tr.reset()

	h.client.NotifyTyping("S1")
	h.client.NotifyTyping("S1")
	require.Len(t, h.tr.sentOf(protocol.KindTyping), 1)

	h.clock.Advance(3 * time.Second)
	typing := h.tr.sentOf(protocol.KindTyping)
	require.Len(t, typing, 2)
	assert.False(t, typing[1].Payload.(protocol.TypingPayload).IsTyping)
}

func TestLeaveStopsReplay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)
	require.NoError(t, h.client.Join(ctx, "S1"))
	require.NoError(t, h.client.Join(ctx, "S2"))
	require.NoError(t, h.client.Leave(ctx, "S1"))

	h.tr.drop()
	h.tr.reset()
	h.tr.up()
	assert.Equal(t, []string{"join_session:S2"}, h.tr.trace())
}

func TestServerErrorPublished(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	var got []protocol.ErrorPayload
	events.On(h.d, events.KindServerError, func(p protocol.ErrorPayload) { got = append(got, p) })
	h.inject(t, protocol.KindError, protocol.ErrorPayload{Code: protocol.CodeRateLimited, Message: "slow down"})
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CodeRateLimited, got[0].Code)
}

func TestOfflineOperationsUseFallback(t *testing.T) {
	fb := &fakeFallback{}
	h := newHarness(t, func(c *Config) { c.Fallback = fb })
	ctx := context.Background()

	id, err := h.client.StartSession(ctx, "need help", "", "")
	require.NoError(t, err)
	assert.Equal(t, "S-new", id)
	assert.Len(t, h.log(t, "S-new"), 1)

	_, err = h.client.Send(ctx, "S-new", "one")
	require.NoError(t, err)
	_, err = h.client.Send(ctx, "S-new", "two")
	require.NoError(t, err)

	n, err := h.client.DeliverQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, h.client.QueueDepth())
	assert.Empty(t, h.client.PendingSends())
	require.Len(t, fb.sent, 2)
	assert.Equal(t, "one", fb.sent[0].Body)

	for _, m := range h.log(t, "S-new") {
		assert.Equal(t, domain.DeliveryConfirmed, m.DeliveryState)
	}

	require.NoError(t, h.client.CloseSession(ctx, "S-new", "solved"))
	s, _ := h.client.Session("S-new")
	assert.True(t, s.IsClosed())
}

func TestDeliverQueuedStopsAtFirstError(t *testing.T) {
	fb := &fakeFallback{sendErr: errors.New("503")}
	h := newHarness(t, func(c *Config) { c.Fallback = fb })
	ctx := context.Background()

	_, err := h.client.Send(ctx, "S1", "one")
	require.NoError(t, err)
	n, err := h.client.DeliverQueued(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.client.QueueDepth())

	// Once online the queue flushes normally.
	h.connect(t)
	assert.Equal(t, []string{"one"}, h.tr.sentBodies())
}

func TestRefreshOverFallback(t *testing.T) {
	fb := &fakeFallback{sessions: []protocol.WireSession{
		{ID: "S1", Status: domain.SessionOpen, Messages: []protocol.WireMessage{wire("S1", "M1", "", "hi", start)}},
		{ID: "S2", Status: domain.SessionClosed},
	}}
	h := newHarness(t, func(c *Config) { c.Fallback = fb })

	require.NoError(t, h.client.ListActiveSessions(context.Background()))
	assert.Len(t, h.client.Sessions(), 1)
	assert.Len(t, h.client.AllSessions(), 2)
	assert.Len(t, h.log(t, "S1"), 1)
}

func TestOfflineWithoutFallback(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.client.StartSession(ctx, "help", "", "")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.ErrorIs(t, h.client.ListActiveSessions(ctx), domain.ErrNotConnected)
	assert.ErrorIs(t, h.client.Refresh(ctx), ErrNoFallback)
}

func TestCheckpointAndRestore(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	first := newHarness(t, func(c *Config) { c.Store = repo; c.OwnerID = "u1" })
	first.connect(t)
	sent, err := first.client.Send(ctx, "S1", "transmitted")
	require.NoError(t, err)
	first.inject(t, protocol.KindMessageReceived, wire("S1", "M1", "", "agent reply", start.Add(time.Second)))
	first.tr.drop()
	queued, err := first.client.Send(ctx, "S1", "queued")
	require.NoError(t, err)
	require.NoError(t, first.client.Checkpoint(ctx))

	second := newHarness(t, func(c *Config) { c.Store = repo; c.OwnerID = "u1" })
	ok, err := second.client.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	log := second.log(t, "S1")
	require.Len(t, log, 3)
	assert.Equal(t, 1, second.client.QueueDepth())
	assert.Len(t, second.client.PendingSends(), 2)

	second.connect(t)
	assert.Equal(t, []string{"join_session:S1", "send_message:S1/queued"}, second.tr.trace())

	second.inject(t, protocol.KindMessageAck, protocol.MessageAckPayload{LocalID: sent.LocalID, ID: "M0"})
	second.inject(t, protocol.KindMessageAck, protocol.MessageAckPayload{LocalID: queued.LocalID, ID: "M2"})
	assert.Empty(t, second.client.PendingSends())

	require.NoError(t, second.client.Reset(ctx))
	assert.Empty(t, second.client.AllSessions())
	snap, err := repo.LoadSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	h := newHarness(t, func(c *Config) { c.Store = repo })
	ok, err := h.client.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweeperStopsOnClose(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SweepInterval = time.Millisecond })
	h.client.StartSweeper(context.Background())
	time.Sleep(5 * time.Millisecond)
	h.client.Close()
}
