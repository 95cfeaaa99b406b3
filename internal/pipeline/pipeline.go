// Package pipeline connects one broker topic to one rotation engine.
//
// A pipeline owns its broker connection, its engine and its normalizer
// workers; nothing is shared between pipelines. The poll loop only receives
// events and hands message payloads to a bounded inbound channel. Normalizer
// workers turn payloads into lines and submit them to the engine, so a slow
// disk applies backpressure through the engine queue and the inbound channel
// back to the broker instead of stalling event reception unboundedly.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mqttlog/internal/broker"
	"mqttlog/internal/logging"
	"mqttlog/internal/normalize"
	"mqttlog/internal/rotate"
)

// InboundCapacity is the number of received payloads waiting for a
// normalizer worker.
const InboundCapacity = 100

const (
	defaultPollBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
)

var (
	// ErrSubscribe marks a failed subscription. The pipeline cannot run.
	ErrSubscribe = errors.New("subscribe failed")

	errNotSubscribed = errors.New("pipeline is not subscribed")
)

// Config configures a pipeline.
type Config struct {
	Topic string

	// Dialer and Dial establish the broker connection.
	Dialer broker.Dialer
	Dial   broker.DialOptions

	// Engine configures the rotation engine. Topic and Logger are filled in
	// from the pipeline.
	Engine rotate.Options

	// Compress compresses closed files with zstd.
	Compress bool

	// Workers is the number of normalizer goroutines. Zero means 1, which
	// keeps file order equal to broker delivery order.
	Workers int

	// PollBackoff is the first delay after a poll error. It doubles up to
	// MaxBackoff and resets after a successful poll. Zero means 100ms and 10s.
	PollBackoff time.Duration
	MaxBackoff  time.Duration

	// Normalizer converts payloads. The zero value uses local time.
	Normalizer normalize.Normalizer

	Logger *slog.Logger
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Received   uint64 // data messages received
	Acks       uint64 // control acknowledgments received
	PollErrors uint64
	Dropped    uint64 // normalized lines the engine refused
	Engine     rotate.Stats
}

// Pipeline is the ingestion client for one topic.
type Pipeline struct {
	id     uuid.UUID
	cfg    Config
	logger *slog.Logger

	conn       broker.Conn
	engine     *rotate.Engine
	compressor *rotate.Compressor

	state     atomic.Int32
	closeOnce sync.Once

	received   atomic.Uint64
	acks       atomic.Uint64
	pollErrors atomic.Uint64
	dropped    atomic.Uint64

	errLog  rate.Sometimes
	dropLog rate.Sometimes
}

// New connects to the broker and creates the topic's rotation engine. On
// success the pipeline is Connected.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Topic == "" {
		return nil, errors.New("pipeline: topic is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("pipeline: dialer is required")
	}
	cfg.Workers = max(cfg.Workers, 1)
	cfg.PollBackoff = cmp.Or(cfg.PollBackoff, defaultPollBackoff)
	cfg.MaxBackoff = cmp.Or(cfg.MaxBackoff, defaultMaxBackoff)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("pipeline id: %w", err)
	}
	logger := logging.Default(cfg.Logger)
	p := &Pipeline{
		id:     id,
		cfg:    cfg,
		logger: logger.With("component", "pipeline", "topic", cfg.Topic, "pipeline", id.String()),
		errLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	dial := cfg.Dial
	dial.Logger = logger
	conn, err := cfg.Dialer.Dial(ctx, dial)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	p.conn = conn

	if cfg.Compress {
		p.compressor, err = rotate.NewCompressor(logger)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	eo := cfg.Engine
	eo.Topic = cfg.Topic
	eo.Compressor = p.compressor
	eo.Logger = logger
	p.engine = rotate.NewEngine(eo)

	p.state.Store(int32(Connected))
	p.logger.Info("pipeline connected", "client_id", cfg.Dial.ClientID)
	return p, nil
}

// ID returns the pipeline's run identifier.
func (p *Pipeline) ID() uuid.UUID { return p.id }

// State returns the current ingestion state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Subscribe subscribes to the topic. A failure wraps ErrSubscribe and leaves
// the pipeline unusable; the caller should Close it.
func (p *Pipeline) Subscribe(ctx context.Context) error {
	if p.State() != Connected {
		return fmt.Errorf("%w: pipeline is %s", ErrSubscribe, p.State())
	}
	if err := p.conn.Subscribe(ctx, p.cfg.Topic); err != nil {
		p.logger.Error("subscribe failed", "error", err)
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	p.state.Store(int32(Subscribed))
	return nil
}

// Run streams events until ctx is cancelled or the engine fails. On
// cancellation, payloads already received are normalized and written before
// Run returns nil. An engine failure is returned as the pipeline's fatal
// error. Run closes the pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Subscribed), int32(Streaming)) {
		return errNotSubscribed
	}
	defer p.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The engine outlives the poll loop so in-flight payloads can be written.
	engineCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()
	engineErr := make(chan error, 1)
	go func() {
		err := p.engine.Run(engineCtx)
		if err != nil {
			p.logger.Error("rotation engine failed", "error", err)
			cancel()
		}
		engineErr <- err
	}()

	inbound := make(chan []byte, InboundCapacity)
	var workers sync.WaitGroup
	for range p.cfg.Workers {
		workers.Go(func() { p.normalizeLoop(engineCtx, inbound) })
	}

	p.logger.Info("pipeline streaming", "workers", p.cfg.Workers)
	p.pollLoop(runCtx, inbound)

	close(inbound)
	workers.Wait()
	stopEngine()
	err := <-engineErr

	if p.compressor != nil {
		if cerr := p.compressor.Close(); cerr != nil {
			p.logger.Warn("close compressor", "error", cerr)
		}
	}

	p.logger.Info("pipeline stopped",
		"received", p.received.Load(),
		"poll_errors", p.pollErrors.Load(),
		"dropped", p.dropped.Load(),
	)
	return err
}

// Close releases the broker connection. It is safe to call more than once.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
		p.state.Store(int32(Disconnected))
	})
	return err
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:   p.received.Load(),
		Acks:       p.acks.Load(),
		PollErrors: p.pollErrors.Load(),
		Dropped:    p.dropped.Load(),
		Engine:     p.engine.Stats(),
	}
}

func (p *Pipeline) pollLoop(ctx context.Context, inbound chan<- []byte) {
	var backoff time.Duration
	for {
		ev, err := p.conn.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			backoff = min(max(backoff*2, p.cfg.PollBackoff), p.cfg.MaxBackoff)
			n := p.pollErrors.Add(1)
			p.errLog.Do(func() {
				p.logger.Warn("poll failed", "error", err, "errors", n, "backoff", backoff)
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		switch ev.Kind {
		case broker.EventAck:
			p.acks.Add(1)
			p.logger.Info("broker acknowledged", "detail", ev.Detail)
		case broker.EventMessage:
			p.received.Add(1)
			select {
			case inbound <- ev.Payload:
			case <-ctx.Done():
				return
			}
		case broker.EventOutgoing:
		}
	}
}

func (p *Pipeline) normalizeLoop(ctx context.Context, inbound <-chan []byte) {
	for payload := range inbound {
		line := p.cfg.Normalizer.Line(payload)
		if err := p.engine.Submit(ctx, line); err != nil {
			n := p.dropped.Add(1)
			p.dropLog.Do(func() {
				p.logger.Error("line dropped", "error", err, "dropped", n)
			})
		}
	}
}
