// Package broker defines the capability the ingestion pipeline consumes from
// a message broker: connect, subscribe to one topic, and poll a stream of
// events.
//
// A Conn belongs to exactly one pipeline. Implementations may use goroutines
// internally but callers never share a Conn.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrClosed is returned by Poll after Close.
var ErrClosed = errors.New("broker connection closed")

// EventKind classifies an Event.
type EventKind int

const (
	// EventAck is a control acknowledgment from the broker, such as a
	// connection acknowledgment after (re)connect.
	EventAck EventKind = iota

	// EventMessage carries a data message.
	EventMessage

	// EventOutgoing reports traffic sent by the client. Pipelines ignore it.
	EventOutgoing
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventMessage:
		return "message"
	case EventOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Event is one item from Conn.Poll.
type Event struct {
	Kind    EventKind
	Topic   string // message topic, for EventMessage
	Payload []byte // message body, for EventMessage
	Detail  string // human-readable description, for EventAck and EventOutgoing
}

// DialOptions describes how to reach a broker.
type DialOptions struct {
	// Host is the broker host name. Kafka accepts a comma-separated list;
	// entries without a port get Port.
	Host string
	Port uint16

	// ClientID identifies the client to the broker.
	ClientID string

	// KeepAlive is the MQTT keepalive interval. Zero means 5s.
	KeepAlive time.Duration

	// QoS is the MQTT subscription quality of service (0, 1 or 2).
	QoS byte

	// Group is the Kafka consumer group. Empty consumes without a group.
	Group string

	// ConnectTimeout bounds Dial. Zero means 10s.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// Conn is an established broker connection.
type Conn interface {
	// Subscribe subscribes to topic. The connection then delivers the topic's
	// messages through Poll.
	Subscribe(ctx context.Context, topic string) error

	// Poll blocks until the next event, an error, or ctx ends. Errors are
	// per-poll: the caller may keep polling.
	Poll(ctx context.Context) (Event, error)

	// Close releases the connection. Poll then returns ErrClosed.
	Close() error
}

// Dialer establishes connections.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// DialerFunc is an adapter to allow ordinary functions to be used as Dialer.
type DialerFunc func(ctx context.Context, opts DialOptions) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	return f(ctx, opts)
}
