package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/supportsync/internal/clock"
	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/protocol"
	"github.com/ashureev/supportsync/internal/typing"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type sentFrame struct {
	Kind    protocol.Kind
	Payload any
	Epoch   uint64
}

// fakeTransport publishes status changes on the dispatcher the way
// transport.Manager does, without a network.
type fakeTransport struct {
	d *events.Dispatcher

	mu        sync.Mutex
	status    domain.ConnectionStatus
	frames    []sentFrame
	failSends bool
}

func (f *fakeTransport) Connect(context.Context, string, domain.Role) error {
	f.up()
	return nil
}

func (f *fakeTransport) Reconnect(context.Context) error {
	f.up()
	return nil
}

func (f *fakeTransport) up() {
	f.mu.Lock()
	f.status = domain.ConnectionStatus{State: domain.StateConnected, Epoch: f.status.Epoch + 1}
	st := f.status
	f.mu.Unlock()
	f.d.Publish(events.KindConnectionStatus, st)
}

func (f *fakeTransport) set(state domain.ConnectionState) {
	f.mu.Lock()
	f.status.State = state
	st := f.status
	f.mu.Unlock()
	f.d.Publish(events.KindConnectionStatus, st)
}

// drop simulates a lost connection that the transport is retrying.
func (f *fakeTransport) drop() {
	f.set(domain.StateReconnecting)
}

func (f *fakeTransport) Disconnect() {
	f.set(domain.StateDisconnected)
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.status.State = domain.StateDisconnected
	f.mu.Unlock()
}

func (f *fakeTransport) Send(_ context.Context, kind protocol.Kind, payload any) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.State != domain.StateConnected {
		return 0, domain.ErrNotConnected
	}
	if f.failSends {
		return 0, errors.New("write: broken pipe")
	}
	f.frames = append(f.frames, sentFrame{Kind: kind, Payload: payload, Epoch: f.status.Epoch})
	return f.status.Epoch, nil
}

func (f *fakeTransport) Status() domain.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

func (f *fakeTransport) sentOf(kind protocol.Kind) []sentFrame {
	var out []sentFrame
	for _, fr := range f.sent() {
		if fr.Kind == kind {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

// sentBodies returns the bodies of send_message frames in write order.
func (f *fakeTransport) sentBodies() []string {
	var out []string
	for _, fr := range f.sentOf(protocol.KindSendMessage) {
		out = append(out, fr.Payload.(protocol.SendMessagePayload).Body)
	}
	return out
}

// trace renders frames as "kind:session" for order assertions.
func (f *fakeTransport) trace() []string {
	var out []string
	for _, fr := range f.sent() {
		id := ""
		switch p := fr.Payload.(type) {
		case protocol.SessionRefPayload:
			id = p.SessionID
		case protocol.SendMessagePayload:
			id = p.SessionID + "/" + p.Body
		case protocol.TypingPayload:
			id = p.SessionID
		}
		out = append(out, string(fr.Kind)+":"+id)
	}
	return out
}

type fakeFallback struct {
	mu       sync.Mutex
	sessions []protocol.WireSession
	sendErr  error
	sent     []protocol.SendMessagePayload
	started  []protocol.StartSessionPayload
	closed   []protocol.CloseSessionPayload
	nextID   int

	// onSend runs inside SendMessage before it returns, outside f.mu.
	onSend func()
}

func (f *fakeFallback) sentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, req := range f.sent {
		out = append(out, req.Body)
	}
	return out
}

func (f *fakeFallback) StartSession(_ context.Context, req protocol.StartSessionPayload) (protocol.WireSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return protocol.WireSession{
		ID:        "S-new",
		Status:    domain.SessionOpen,
		CreatedAt: start,
		Messages: []protocol.WireMessage{
			{ID: "1", SenderRole: domain.RoleEndUser, Body: req.Body, SentAt: start},
		},
	}, nil
}

func (f *fakeFallback) SendMessage(_ context.Context, req protocol.SendMessagePayload) (protocol.WireMessage, error) {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return protocol.WireMessage{}, f.sendErr
	}
	f.sent = append(f.sent, req)
	f.nextID++
	return protocol.WireMessage{
		SessionID:  req.SessionID,
		ID:         "F" + string(rune('0'+f.nextID)),
		LocalID:    req.LocalID,
		SenderRole: domain.RoleEndUser,
		Body:       req.Body,
		SentAt:     start.Add(time.Duration(f.nextID) * time.Second),
	}, nil
}

func (f *fakeFallback) CloseSession(_ context.Context, req protocol.CloseSessionPayload) (protocol.WireSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, req)
	return protocol.WireSession{ID: req.SessionID, Status: domain.SessionClosed}, nil
}

func (f *fakeFallback) ListSessions(context.Context) ([]protocol.WireSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.WireSession(nil), f.sessions...), nil
}

// recorder collects engine events for assertions.
type recorder struct {
	mu       sync.Mutex
	upserts  []MessageEvent
	failures []SendFailure
	typing   []string
	errs     []error
}

func (r *recorder) upserted() []MessageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MessageEvent(nil), r.upserts...)
}

func (r *recorder) failed() []SendFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SendFailure(nil), r.failures...)
}

func (r *recorder) typingChanges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.typing...)
}

type harness struct {
	client *Client
	tr     *fakeTransport
	clock  *clock.Manual
	d      *events.Dispatcher
	rec    *recorder
}

func newHarness(t *testing.T, tune func(*Config)) *harness {
	t.Helper()
	d := events.NewDispatcher(nil)
	tr := &fakeTransport{d: d}
	clk := clock.NewManual(start)

	cfg := Config{
		Credential:     "token",
		Role:           domain.RoleEndUser,
		SendAckTimeout: 15 * time.Second,
		TypingWindow:   3 * time.Second,
		Clock:          clk,
	}
	if tune != nil {
		tune(&cfg)
	}

	rec := &recorder{}
	events.On(d, events.KindMessageUpserted, func(ev MessageEvent) {
		rec.mu.Lock()
		rec.upserts = append(rec.upserts, ev)
		rec.mu.Unlock()
	})
	events.On(d, events.KindSendFailed, func(f SendFailure) {
		rec.mu.Lock()
		rec.failures = append(rec.failures, f)
		rec.mu.Unlock()
	})
	events.On(d, events.KindTypingChanged, func(ch typing.Change) {
		state := "stop"
		if ch.IsTyping {
			state = "start"
		}
		rec.mu.Lock()
		rec.typing = append(rec.typing, ch.SessionID+":"+string(ch.Role)+":"+state)
		rec.mu.Unlock()
	})
	events.On(d, events.KindProtocolError, func(err error) {
		rec.mu.Lock()
		rec.errs = append(rec.errs, err)
		rec.mu.Unlock()
	})

	c := New(cfg, tr, d)
	t.Cleanup(c.Close)
	return &harness{client: c, tr: tr, clock: clk, d: d, rec: rec}
}

// inject delivers an inbound frame through the wire codec.
func (h *harness) inject(t *testing.T, kind protocol.Kind, payload any) {
	t.Helper()
	data, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	h.d.Publish(events.KindInboundFrame, f)
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
}

func (h *harness) log(t *testing.T, sessionID string) []domain.Message {
	t.Helper()
	s, ok := h.client.Session(sessionID)
	require.True(t, ok, "session %s missing", sessionID)
	return s.Messages
}

func wire(sessionID, id, localID, body string, at time.Time) protocol.WireMessage {
	return protocol.WireMessage{
		SessionID:  sessionID,
		ID:         id,
		LocalID:    localID,
		SenderRole: domain.RoleAgent,
		Body:       body,
		SentAt:     at,
	}
}
