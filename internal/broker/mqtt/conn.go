// Package mqtt implements broker.Conn for MQTT 3.1.1 brokers using the
// Eclipse Paho client.
//
// Paho delivers messages and connection state changes on its own goroutines.
// The connection turns them into broker events on a bounded channel, so a
// slow consumer slows message acknowledgment instead of growing memory.
// Paho reconnects automatically; every successful (re)connect yields an ack
// event and restores the subscriptions.
package mqtt

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"mqttlog/internal/broker"
	"mqttlog/internal/logging"
)

const (
	defaultKeepAlive      = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	maxReconnectInterval  = 30 * time.Second
	disconnectQuiesceMS   = 250

	// eventBuffer is the number of events held for Poll.
	eventBuffer = 100

	subackFailure = 0x80
)

// ErrSubscriptionRefused is returned when the broker rejects a subscription.
var ErrSubscriptionRefused = errors.New("subscription refused by broker")

// newClient is swapped in tests.
var newClient = paho.NewClient

// Dialer connects to MQTT brokers.
type Dialer struct{}

var _ broker.Dialer = Dialer{}

// Dial connects and waits for the broker's connection acknowledgment.
func (Dialer) Dial(ctx context.Context, opts broker.DialOptions) (broker.Conn, error) {
	c := newConn(opts)

	po := paho.NewClientOptions().
		AddBroker(BrokerURL(opts.Host, opts.Port)).
		SetClientID(opts.ClientID).
		SetKeepAlive(cmp.Or(opts.KeepAlive, defaultKeepAlive)).
		SetConnectTimeout(cmp.Or(opts.ConnectTimeout, defaultConnectTimeout)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			c.logger.Warn("reconnecting to broker")
		}).
		SetDefaultPublishHandler(c.onMessage)

	c.client = newClient(po)
	if err := wait(ctx, c.client.Connect()); err != nil {
		// Stop the client's own connect and reconnect attempts.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", BrokerURL(opts.Host, opts.Port), err)
	}
	c.logger.Info("connected to broker")
	return c, nil
}

// BrokerURL returns the tcp:// URL for host and port.
func BrokerURL(host string, port uint16) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(int(port)))
}

type conn struct {
	client paho.Client
	qos    byte
	logger *slog.Logger

	events chan broker.Event
	errs   chan error

	mu     sync.Mutex
	topics []string // subscribed, restored on reconnect

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(opts broker.DialOptions) *conn {
	return &conn{
		qos: opts.QoS,
		logger: logging.Default(opts.Logger).With(
			"component", "broker", "type", "mqtt", "client_id", opts.ClientID,
		),
		events: make(chan broker.Event, eventBuffer),
		errs:   make(chan error, eventBuffer),
		closed: make(chan struct{}),
	}
}

func (c *conn) Subscribe(ctx context.Context, topic string) error {
	tok := c.client.Subscribe(topic, c.qos, nil)
	if err := wait(ctx, tok); err != nil {
		return fmt.Errorf("mqtt subscribe %q: %w", topic, err)
	}
	if st, ok := tok.(*paho.SubscribeToken); ok {
		if code, ok := st.Result()[topic]; ok && code == subackFailure {
			return fmt.Errorf("mqtt subscribe %q: %w", topic, ErrSubscriptionRefused)
		}
	}
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()
	c.logger.Info("subscribed", "topic", topic, "qos", c.qos)
	return nil
}

func (c *conn) Poll(ctx context.Context) (broker.Event, error) {
	// Drain queued events before reporting closure.
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.errs:
		return broker.Event{}, err
	case <-c.closed:
		return broker.Event{}, broker.ErrClosed
	case <-ctx.Done():
		return broker.Event{}, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.client != nil {
			c.client.Disconnect(disconnectQuiesceMS)
		}
	})
	return nil
}

func (c *conn) onConnect(client paho.Client) {
	c.emit(broker.Event{Kind: broker.EventAck, Detail: "connack"})

	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()

	// A clean session loses subscriptions across reconnects.
	for _, topic := range topics {
		tok := client.Subscribe(topic, c.qos, nil)
		go func() {
			if err := wait(context.Background(), tok); err != nil {
				c.report(fmt.Errorf("mqtt resubscribe %q: %w", topic, err))
				return
			}
			c.logger.Info("resubscribed", "topic", topic)
		}()
	}
}

func (c *conn) onConnectionLost(_ paho.Client, err error) {
	c.report(fmt.Errorf("mqtt connection lost: %w", err))
}

func (c *conn) onMessage(_ paho.Client, msg paho.Message) {
	c.emit(broker.Event{
		Kind:    broker.EventMessage,
		Topic:   msg.Topic(),
		Payload: msg.Payload(),
	})
}

// emit blocks until the event is queued or the connection is closed.
func (c *conn) emit(ev broker.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// report queues an error without blocking; errors beyond the buffer are
// logged instead.
func (c *conn) report(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("broker error dropped, queue full", "error", err)
	}
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
