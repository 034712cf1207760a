// Package events is the in-process publish/subscribe hub that decouples
// transport callbacks from engine and UI consumers.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/supportsync/internal/metrics"
)

// Kind names an event stream.
type Kind string

const (
	// Transport-originated.
	KindConnectionStatus Kind = "connection_status"
	KindConnectionError  Kind = "connection_error"
	KindInboundFrame     Kind = "inbound_frame"

	// Engine-originated.
	KindSessionUpdated  Kind = "session_updated"
	KindMessageUpserted Kind = "message_upserted"
	KindSendFailed      Kind = "send_failed"
	KindTypingChanged   Kind = "typing_changed"
	KindProtocolError   Kind = "protocol_error"
	KindServerError     Kind = "server_error"
)

// Event is one published fact.
type Event struct {
	Kind    Kind
	Payload any
}

// Handler consumes events. Handlers run on the publishing goroutine.
type Handler func(Event)

// Token identifies a subscription for Unsubscribe. The zero Token is never issued.
type Token uint64

type subscriber struct {
	token   Token
	handler Handler
}

// Dispatcher fans events out to subscribers in subscription order.
type Dispatcher struct {
	mu     sync.RWMutex
	next   Token
	subs   map[Kind][]subscriber
	kinds  map[Token]Kind
	logger *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subs:   make(map[Kind][]subscriber),
		kinds:  make(map[Token]Kind),
		logger: logger,
	}
}

// Subscribe registers h for kind and returns its unsubscribe token.
func (d *Dispatcher) Subscribe(kind Kind, h Handler) Token {
	if h == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	tok := d.next
	d.subs[kind] = append(d.subs[kind], subscriber{token: tok, handler: h})
	d.kinds[tok] = kind
	return tok
}

// Unsubscribe removes the subscription for tok. It reports whether one existed.
func (d *Dispatcher) Unsubscribe(tok Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	kind, ok := d.kinds[tok]
	if !ok {
		return false
	}
	delete(d.kinds, tok)

	lst := d.subs[kind]
	out := make([]subscriber, 0, len(lst))
	for _, s := range lst {
		if s.token != tok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		delete(d.subs, kind)
	} else {
		d.subs[kind] = out
	}
	return true
}

// Publish delivers payload to the subscribers of kind as of this call.
// Subscriptions added or removed by a handler take effect on the next Publish.
func (d *Dispatcher) Publish(kind Kind, payload any) {
	d.mu.RLock()
	subs := append([]subscriber(nil), d.subs[kind]...)
	d.mu.RUnlock()

	ev := Event{Kind: kind, Payload: payload}
	for _, s := range subs {
		d.deliver(s, ev)
	}
}

// SubscriberCount returns the number of handlers registered for kind.
func (d *Dispatcher) SubscriberCount(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[kind])
}

func (d *Dispatcher) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanicsTotal.WithLabelValues(string(ev.Kind)).Inc()
			d.logger.Error("event handler panicked",
				"kind", ev.Kind,
				"token", s.token,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handler(ev)
}

// On subscribes a typed handler. Events whose payload is not a T are logged
// and skipped rather than delivered.
func On[T any](d *Dispatcher, kind Kind, fn func(T)) Token {
	return d.Subscribe(kind, func(ev Event) {
		p, ok := ev.Payload.(T)
		if !ok {
			d.logger.Warn("event payload type mismatch",
				"kind", ev.Kind,
				"payload_type", fmt.Sprintf("%T", ev.Payload),
			)
			return
		}
		fn(p)
	})
}
