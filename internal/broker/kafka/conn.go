// Package kafka implements broker.Conn on top of franz-go, so a topic can be
// logged from a Kafka cluster through the same pipeline as MQTT.
package kafka

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"mqttlog/internal/broker"
	"mqttlog/internal/logging"
)

// Dialer connects to Kafka clusters.
type Dialer struct{}

var _ broker.Dialer = Dialer{}

// Dial creates a client and pings the cluster. Consumption starts at
// Subscribe.
func (Dialer) Dial(ctx context.Context, opts broker.DialOptions) (broker.Conn, error) {
	seeds := SeedBrokers(opts.Host, opts.Port)
	if len(seeds) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}

	c := &conn{
		seeds: seeds,
		opts:  opts,
		logger: logging.Default(opts.Logger).With(
			"component", "broker", "type", "kafka", "client_id", opts.ClientID,
		),
	}

	client, err := kgo.NewClient(c.baseOpts()...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping %v: %w", seeds, err)
	}
	c.client = client
	c.pending = append(c.pending, broker.Event{Kind: broker.EventAck, Detail: "connected"})
	c.logger.Info("connected to broker", "brokers", seeds)
	return c, nil
}

// SeedBrokers splits a comma-separated host list, adding port to entries
// that have none.
func SeedBrokers(hosts string, port uint16) []string {
	var seeds []string
	for h := range strings.SplitSeq(hosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(h); err != nil {
			h = net.JoinHostPort(h, strconv.Itoa(int(port)))
		}
		seeds = append(seeds, h)
	}
	return seeds
}

// conn is used from a single goroutine, the owning pipeline.
type conn struct {
	seeds  []string
	opts   broker.DialOptions
	client *kgo.Client
	logger *slog.Logger

	pending []broker.Event
	closed  bool
}

func (c *conn) baseOpts() []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(c.seeds...),
		kgo.ClientID(cmp.Or(c.opts.ClientID, "mqttlog")),
	}
}

// consumeOpts configures a consumer for topic. Without a group there are no
// committed offsets, so consumption starts at the end of the topic, like a
// fresh MQTT subscription.
func (c *conn) consumeOpts(topic string) []kgo.Opt {
	opts := append(c.baseOpts(), kgo.ConsumeTopics(topic))
	if c.opts.Group != "" {
		return append(opts, kgo.ConsumerGroup(c.opts.Group))
	}
	return append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
}

// Subscribe replaces the ping client with a consuming one.
func (c *conn) Subscribe(ctx context.Context, topic string) error {
	if c.closed {
		return broker.ErrClosed
	}
	client, err := kgo.NewClient(c.consumeOpts(topic)...)
	if err != nil {
		return fmt.Errorf("kafka subscribe %q: %w", topic, err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("kafka subscribe %q: %w", topic, err)
	}
	c.client.Close()
	c.client = client
	c.logger.Info("subscribed", "topic", topic, "group", c.opts.Group)
	return nil
}

func (c *conn) Poll(ctx context.Context) (broker.Event, error) {
	for {
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			return ev, nil
		}
		if c.closed {
			return broker.Event{}, broker.ErrClosed
		}

		fetches := c.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return broker.Event{}, err
		}
		if fetches.IsClientClosed() {
			return broker.Event{}, broker.ErrClosed
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			c.pending = append(c.pending, broker.Event{
				Kind:    broker.EventMessage,
				Topic:   rec.Topic,
				Payload: rec.Value,
			})
		})

		// Records fetched alongside errors are delivered on later polls.
		if errs := fetches.Errors(); len(errs) > 0 {
			joined := make([]error, 0, len(errs))
			for _, e := range errs {
				joined = append(joined, fmt.Errorf("kafka fetch %s/%d: %w", e.Topic, e.Partition, e.Err))
			}
			return broker.Event{}, errors.Join(joined...)
		}
	}
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.opts.Group != "" {
		_ = c.client.CommitUncommittedOffsets(context.Background())
	}
	c.client.Close()
	return nil
}
