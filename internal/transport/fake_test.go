package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/protocol"
)

var errClosed = errors.New("fake conn closed")

// fakeConn is an in-memory Conn; both ends share the closed channel.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-c.in:
		return b, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeServer is a Dialer that answers the handshake and heartbeats.
type fakeServer struct {
	mu         sync.Mutex
	dials      int
	dialErr    error
	authCode   string
	muteAcks   bool
	silentAuth bool
	conns      []*fakeConn
	received   []protocol.Frame
	beats      int
	wg         sync.WaitGroup
}

func (s *fakeServer) Dial(_ context.Context, _ string, _ string) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := newFakeConn()
	s.conns = append(s.conns, c)
	s.wg.Add(1)
	go s.serve(c)
	return c, nil
}

func (s *fakeServer) serve(c *fakeConn) {
	defer s.wg.Done()
	for {
		var raw []byte
		select {
		case <-c.closed:
			return
		case raw = <-c.out:
		}
		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}

		s.mu.Lock()
		authCode, muteAcks, silent := s.authCode, s.muteAcks, s.silentAuth
		if f.Type == protocol.KindHeartbeat {
			s.beats++
		} else {
			s.received = append(s.received, f)
		}
		s.mu.Unlock()

		switch f.Type {
		case protocol.KindAuthenticate:
			switch {
			case silent:
			case authCode != "":
				s.push(c, protocol.KindError, protocol.ErrorPayload{Code: authCode, Message: "bad credential"})
			default:
				s.push(c, protocol.KindAuthenticated, protocol.AuthenticatedPayload{UserID: "u1", Role: domain.RoleEndUser})
			}
		case protocol.KindHeartbeat:
			if !muteAcks {
				s.push(c, protocol.KindHeartbeatAck, nil)
			}
		}
	}
}

func (s *fakeServer) push(c *fakeConn, kind protocol.Kind, payload any) {
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		panic(err)
	}
	s.pushRaw(c, data)
}

func (s *fakeServer) pushRaw(c *fakeConn, data []byte) {
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) latest() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *fakeServer) framesOf(kind protocol.Kind) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.received {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeServer) heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beats
}

func (s *fakeServer) shutdown() {
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close("")
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// recorder collects published events.
type recorder struct {
	mu       sync.Mutex
	statuses []domain.ConnectionStatus
	errs     []*domain.ConnectionError
	frames   []protocol.Frame
	protoErr []error
}

func record(d *events.Dispatcher) *recorder {
	r := &recorder{}
	events.On(d, events.KindConnectionStatus, func(st domain.ConnectionStatus) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, st)
	})
	events.On(d, events.KindConnectionError, func(e *domain.ConnectionError) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, e)
	})
	events.On(d, events.KindInboundFrame, func(f protocol.Frame) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.frames = append(r.frames, f)
	})
	events.On(d, events.KindProtocolError, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.protoErr = append(r.protoErr, err)
	})
	return r
}

func (r *recorder) states() []domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ConnectionState, len(r.statuses))
	for i, st := range r.statuses {
		out[i] = st.State
	}
	return out
}

func (r *recorder) errorOps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.errs))
	for i, e := range r.errs {
		out[i] = e.Op
	}
	return out
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) protocolErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.protoErr)
}
