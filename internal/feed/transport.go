package feed

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("feed: transport not connected")
	ErrOutboxFull   = errors.New("feed: outbox full")
)

// EventKind classifies transport events.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// TransportEvent is a single event observed on the connection.
type TransportEvent struct {
	Kind EventKind
	Data []byte // EventMessage only
	Err  error  // EventError only
}

// Transport is a persistent, message-oriented connection. Events yields
// EventOpen, then any number of EventMessage, an optional EventError and
// exactly one EventClose, after which the channel is closed.
type Transport interface {
	Events() <-chan TransportEvent
	Send(data []byte) error
	Close()
}

// Dialer opens transports. Open must not block: the connection is
// established in the background and reported through Events.
type Dialer interface {
	Open(ctx context.Context) Transport
}
