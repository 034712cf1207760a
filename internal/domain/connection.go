package domain

import (
	"time"
)

// ConnectionState is the transport state machine position.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed is terminal until an explicit reconnect.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// MarshalText lets the state render as its name in JSON and logs.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionStatus is the observable snapshot of the transport.
type ConnectionStatus struct {
	State         ConnectionState `json:"state"`
	Attempt       int             `json:"attempt"`
	LastError     error           `json:"-"`
	LastHeartbeat time.Time       `json:"last_heartbeat,omitempty"`
	// Epoch increments on every successful handshake.
	Epoch uint64 `json:"epoch"`
}

// ErrorText returns LastError as a string, empty when nil.
func (s ConnectionStatus) ErrorText() string {
	if s.LastError == nil {
		return ""
	}
	return s.LastError.Error()
}
