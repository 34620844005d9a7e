// Package client defines the transport used by the chat session and its
// STOMP-over-WebSocket implementation.
package client

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Subscribe and Publish without a live session.
	ErrNotConnected = errors.New("not connected to server")
	// ErrAlreadyActive is returned by a second Activate call.
	ErrAlreadyActive = errors.New("transport already activated")
	// ErrDeactivated is returned once Deactivate has run.
	ErrDeactivated = errors.New("transport deactivated")
)

// EventType identifies a transport lifecycle event or an inbound frame.
type EventType int

const (
	// EventConnecting is emitted before every connection attempt.
	EventConnecting EventType = iota
	// EventConnected is emitted once per successful (re)connection.
	// Subscriptions from a previous connection are gone by then.
	EventConnected
	// EventFrame carries the body of a frame received on a subscription.
	EventFrame
	// EventStompError reports an ERROR frame from the broker.
	EventStompError
	// EventSocketClosed reports a closed or failed WebSocket.
	EventSocketClosed
)

// String returns the string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "CONNECTING"
	case EventConnected:
		return "CONNECTED"
	case EventFrame:
		return "FRAME"
	case EventStompError:
		return "STOMP_ERROR"
	case EventSocketClosed:
		return "SOCKET_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered in order on Transport.Events.
type Event struct {
	Type        EventType
	Destination string
	Body        []byte
	Err         error
}

// Subscription is a handle on a topic subscription. Unsubscribe is
// idempotent and safe after the connection is gone.
type Subscription interface {
	Unsubscribe() error
}

// Transport is a single logical broker connection that reconnects on its own.
type Transport interface {
	// Activate starts connecting in the background. It may be called once.
	Activate(ctx context.Context) error
	// Deactivate tears the connection down and closes Events. It is safe to
	// call at any time, including before Activate.
	Deactivate() error
	// Connected reports whether a STOMP session is currently established.
	Connected() bool
	// Subscribe registers for frames on destination; they arrive as EventFrame.
	Subscribe(destination string) (Subscription, error)
	// Publish sends body to destination. It fails with ErrNotConnected
	// rather than dropping the frame silently.
	Publish(destination string, body []byte) error
	// Events returns the channel of lifecycle events and inbound frames.
	Events() <-chan Event
}
