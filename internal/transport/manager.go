// Package transport owns the physical connection: dial, handshake,
// heartbeat and reconnection. It knows nothing about sessions; inbound
// frames and state transitions are published on the event dispatcher.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashureev/supportsync/internal/clock"
	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/metrics"
	"github.com/ashureev/supportsync/internal/protocol"
)

// Config configures a Manager. Zero durations take defaults.
type Config struct {
	URL    string
	Dialer Dialer

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many consecutive unacknowledged heartbeats
	// force a reconnect.
	HeartbeatMisses int

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxAttempts bounds consecutive connection attempts, the failed one
	// that started reconnection included; zero means unbounded.
	MaxAttempts int

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// link is one live connection and the goroutines serving it.
type link struct {
	conn   Conn
	cancel context.CancelFunc
	misses atomic.Int32
}

// Manager runs the connection state machine.
type Manager struct {
	cfg    Config
	events *events.Dispatcher
	logger *slog.Logger

	mu           sync.Mutex
	status       domain.ConnectionStatus
	credential   string
	role         domain.Role
	identity     domain.Identity
	link         *link
	life         context.Context
	lifeCancel   context.CancelFunc
	reconnecting bool
	backoff      *backoff.ExponentialBackOff

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewManager creates a disconnected manager publishing on d.
func NewManager(cfg Config, d *events.Dispatcher) *Manager {
	cfg.defaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()

	return &Manager{
		cfg:     cfg,
		events:  d,
		logger:  cfg.Logger,
		backoff: b,
	}
}

// Status returns a snapshot of the connection status.
func (m *Manager) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Identity returns what the server reported on the last successful handshake.
func (m *Manager) Identity() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connect performs the first connection attempt and returns its outcome.
// A transport failure leaves the manager Reconnecting in the background;
// an authentication failure leaves it Failed.
func (m *Manager) Connect(ctx context.Context, credential string, role domain.Role) error {
	if credential == "" {
		return fmt.Errorf("%w: empty credential", domain.ErrAuthentication)
	}
	m.mu.Lock()
	m.credential = credential
	m.role = role
	m.mu.Unlock()
	return m.start(ctx)
}

// Reconnect resets the attempt counter and retries. From Failed or
// Disconnected it behaves like Connect with the last credential.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.credential == "" {
		m.mu.Unlock()
		return errors.New("reconnect called before connect")
	}
	if m.status.State == domain.StateReconnecting {
		m.status.Attempt = 0
		m.backoff.Reset()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.start(ctx)
}

func (m *Manager) start(ctx context.Context) error {
	m.mu.Lock()
	switch m.status.State {
	case domain.StateConnected, domain.StateConnecting, domain.StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	if m.lifeCancel != nil {
		m.lifeCancel()
	}
	m.life, m.lifeCancel = context.WithCancel(context.Background())
	life := m.life
	m.status.Attempt = 1
	m.status.LastError = nil
	m.backoff.Reset()
	st := m.setStateLocked(domain.StateConnecting)
	m.mu.Unlock()
	m.publishStatus(st)

	err := m.attempt(ctx, life)
	if err == nil || life.Err() != nil || errors.Is(err, domain.ErrAuthentication) {
		return err
	}

	m.mu.Lock()
	st = m.setStateLocked(domain.StateReconnecting)
	m.mu.Unlock()
	m.publishStatus(st)
	m.startReconnect(life)
	return err
}

// attempt dials and authenticates once. On success the connection becomes
// current, a new epoch begins and the read and heartbeat loops start.
func (m *Manager) attempt(ctx context.Context, life context.Context) error {
	m.mu.Lock()
	credential, role := m.credential, m.role
	m.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	conn, err := m.cfg.Dialer.Dial(hctx, m.cfg.URL, credential)
	if err != nil {
		return m.fail("dial", fmt.Errorf("%w: dial: %v", domain.ErrTransport, err))
	}

	ident, err := m.handshake(hctx, conn, credential, role)
	if err != nil {
		_ = conn.Close("handshake failed")
		return m.fail("handshake", err)
	}

	m.mu.Lock()
	if life.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close("client disconnect")
		return fmt.Errorf("%w: disconnected during handshake", domain.ErrTransport)
	}
	connCtx, connCancel := context.WithCancel(life)
	l := &link{conn: conn, cancel: connCancel}
	m.link = l
	m.identity = domain.Identity{UserID: ident.UserID, Role: ident.Role}
	m.reconnecting = false
	m.status.Epoch++
	m.status.Attempt = 0
	m.status.LastError = nil
	m.status.LastHeartbeat = m.cfg.Clock.Now()
	m.backoff.Reset()
	st := m.setStateLocked(domain.StateConnected)
	m.wg.Add(2)
	m.mu.Unlock()

	m.logger.Info("[TRANSPORT] connected", "epoch", st.Epoch, "user_id", ident.UserID, "role", ident.Role)
	// Subscribers replay joins before any inbound frame is read.
	m.publishStatus(st)

	go m.readLoop(connCtx, l)
	go m.heartbeatLoop(connCtx, l)
	return nil
}

func (m *Manager) handshake(ctx context.Context, conn Conn, credential string, role domain.Role) (protocol.AuthenticatedPayload, error) {
	var ident protocol.AuthenticatedPayload

	data, err := protocol.Encode(protocol.KindAuthenticate, protocol.AuthenticatePayload{
		Credential: credential,
		Role:       role,
	})
	if err != nil {
		return ident, err
	}
	if err := conn.Write(ctx, data); err != nil {
		return ident, fmt.Errorf("%w: write authenticate: %v", domain.ErrTransport, err)
	}
	metrics.IncFrame("out", string(protocol.KindAuthenticate))

	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ident, fmt.Errorf("%w: handshake timed out", domain.ErrTransport)
			}
			return ident, fmt.Errorf("%w: read during handshake: %v", domain.ErrTransport, err)
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			m.logger.Debug("[TRANSPORT] ignoring frame during handshake", "error", err)
			continue
		}
		metrics.IncFrame("in", string(f.Type))

		switch f.Type {
		case protocol.KindAuthenticated:
			if len(f.Payload) == 0 {
				return ident, nil
			}
			ident, err = protocol.DecodePayload[protocol.AuthenticatedPayload](f)
			if err != nil {
				return ident, fmt.Errorf("%w: %w", domain.ErrTransport, err)
			}
			return ident, nil
		case protocol.KindError:
			p, _ := protocol.DecodePayload[protocol.ErrorPayload](f)
			if isAuthCode(p.Code) {
				return ident, fmt.Errorf("%w: %s", domain.ErrAuthentication, p.Message)
			}
			return ident, fmt.Errorf("%w: server rejected handshake: %s", domain.ErrTransport, p.Error())
		default:
			m.logger.Debug("[TRANSPORT] frame before authenticated", "type", f.Type)
		}
	}
}

func isAuthCode(code string) bool {
	return code == protocol.CodeUnauthorized || code == protocol.CodeForbidden
}

func (m *Manager) readLoop(ctx context.Context, l *link) {
	defer m.wg.Done()
	for {
		raw, err := l.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.drop(l, "read", fmt.Errorf("%w: read: %v", domain.ErrTransport, err))
			return
		}

		f, err := protocol.Decode(raw)
		if err != nil {
			metrics.IncFrame("in", "invalid")
			m.logger.Warn("[TRANSPORT] discarding inbound frame", "error", err)
			m.events.Publish(events.KindProtocolError, err)
			continue
		}
		metrics.IncFrame("in", string(f.Type))

		switch f.Type {
		case protocol.KindHeartbeatAck:
			l.misses.Store(0)
			m.mu.Lock()
			if m.link == l {
				m.status.LastHeartbeat = m.cfg.Clock.Now()
			}
			m.mu.Unlock()
			continue
		case protocol.KindError:
			if p, err := protocol.DecodePayload[protocol.ErrorPayload](f); err == nil && isAuthCode(p.Code) {
				m.drop(l, "auth", fmt.Errorf("%w: %s", domain.ErrAuthentication, p.Message))
				return
			}
		}
		m.events.Publish(events.KindInboundFrame, f)
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, l *link) {
	defer m.wg.Done()

	data, err := protocol.Encode(protocol.KindHeartbeat, nil)
	if err != nil {
		m.logger.Error("[TRANSPORT] encode heartbeat", "error", err)
		return
	}

	for {
		if !m.sleep(ctx, m.cfg.HeartbeatInterval) {
			return
		}

		if n := int(l.misses.Load()); n >= m.cfg.HeartbeatMisses {
			m.drop(l, "heartbeat", fmt.Errorf("%w: %d heartbeats unacknowledged", domain.ErrTransport, n))
			return
		}
		if err := m.write(ctx, l, protocol.KindHeartbeat, data); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.drop(l, "heartbeat", err)
			return
		}
		l.misses.Add(1)
	}
}

// drop tears down l if it is still current and moves to Reconnecting, or to
// Failed for authentication errors.
func (m *Manager) drop(l *link, op string, err error) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	l.cancel()
	life := m.life
	m.mu.Unlock()

	_ = l.conn.Close(op + " failed")
	m.logger.Warn("[TRANSPORT] connection lost", "op", op, "error", err)

	if terminal := m.fail(op, err); errors.Is(terminal, domain.ErrAuthentication) {
		return
	}

	m.mu.Lock()
	if life.Err() != nil {
		m.mu.Unlock()
		return
	}
	st := m.setStateLocked(domain.StateReconnecting)
	m.mu.Unlock()
	m.publishStatus(st)
	m.startReconnect(life)
}

// fail records a connection error and publishes it. Authentication and
// capacity errors move the manager to Failed.
func (m *Manager) fail(op string, err error) error {
	metrics.IncConnectionError(op)

	terminal := errors.Is(err, domain.ErrAuthentication) || errors.Is(err, domain.ErrCapacity)
	var failed *domain.ConnectionStatus

	m.mu.Lock()
	cerr := &domain.ConnectionError{Op: op, Attempt: m.status.Attempt, Err: err}
	m.status.LastError = cerr
	if terminal && m.status.State != domain.StateDisconnected {
		st := m.setStateLocked(domain.StateFailed)
		failed = &st
	}
	m.mu.Unlock()

	if terminal {
		m.logger.Error("[TRANSPORT] connection failed", "op", op, "error", err)
	} else {
		m.logger.Warn("[TRANSPORT] connection error", "op", op, "error", err)
	}
	m.events.Publish(events.KindConnectionError, cerr)
	if failed != nil {
		m.publishStatus(*failed)
	}
	return cerr
}

func (m *Manager) startReconnect(life context.Context) {
	m.mu.Lock()
	if m.reconnecting || life.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.reconnectLoop(life)
}

func (m *Manager) reconnectLoop(life context.Context) {
	defer m.wg.Done()

	// attempt clears m.reconnecting itself on success, before publishing
	// Connected, so a drop seen by the next read loop can start a new loop.
	stopLoop := func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}

	for {
		m.mu.Lock()
		if life.Err() != nil {
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		if m.cfg.MaxAttempts > 0 && m.status.Attempt >= m.cfg.MaxAttempts {
			m.reconnecting = false
			m.mu.Unlock()
			m.fail("reconnect", fmt.Errorf("%w after %d attempts", domain.ErrCapacity, m.cfg.MaxAttempts))
			return
		}
		m.status.Attempt++
		delay := m.backoff.NextBackOff()
		st := m.setStateLocked(domain.StateReconnecting)
		m.mu.Unlock()

		metrics.ReconnectAttemptsTotal.Inc()
		m.logger.Info("[TRANSPORT] reconnecting", "attempt", st.Attempt, "delay", delay)
		m.publishStatus(st)

		if !m.sleep(life, delay) {
			stopLoop()
			return
		}

		err := m.attempt(life, life)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrAuthentication) || life.Err() != nil {
			stopLoop()
			return
		}
	}
}

// sleep waits d on the configured clock. It reports false if ctx ends first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := m.cfg.Clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-fired:
		return true
	}
}

// Send writes one frame on the current connection and returns the epoch it
// was written on. Writes are serialized across goroutines.
func (m *Manager) Send(ctx context.Context, kind protocol.Kind, payload any) (uint64, error) {
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	l := m.link
	epoch := m.status.Epoch
	m.mu.Unlock()
	if l == nil {
		return 0, domain.ErrNotConnected
	}

	if err := m.write(ctx, l, kind, data); err != nil {
		// The read loop observes the closed socket and reconnects.
		_ = l.conn.Close("write failed")
		return 0, err
	}
	return epoch, nil
}

func (m *Manager) write(ctx context.Context, l *link, kind protocol.Kind, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := l.conn.Write(wctx, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrTransport, kind, err)
	}
	metrics.IncFrame("out", string(kind))
	return nil
}

// Disconnect cancels reconnection and heartbeats and closes the socket.
// Session state held by callers is untouched. It does not wait for
// goroutines, so it is safe to call from an event handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.lifeCancel != nil {
		m.lifeCancel()
		m.lifeCancel = nil
	}
	l := m.link
	m.link = nil
	if l != nil {
		l.cancel()
	}
	prev := m.status.State
	m.status.Attempt = 0
	st := m.setStateLocked(domain.StateDisconnected)
	m.mu.Unlock()

	if l != nil {
		_ = l.conn.Close("client disconnect")
	}
	if prev != domain.StateDisconnected {
		m.logger.Info("[TRANSPORT] disconnected")
		m.publishStatus(st)
	}
}

// Close disconnects and waits for every transport goroutine to exit.
// It must not be called from an event handler.
func (m *Manager) Close() {
	m.Disconnect()
	m.wg.Wait()
}

func (m *Manager) setStateLocked(state domain.ConnectionState) domain.ConnectionStatus {
	m.status.State = state
	metrics.ConnectionState.Set(float64(state))
	return m.status
}

func (m *Manager) publishStatus(st domain.ConnectionStatus) {
	m.events.Publish(events.KindConnectionStatus, st)
}
