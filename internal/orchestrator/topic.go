package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"mqttlog/internal/pipeline"
)

// topicRun tracks the goroutine serving one topic.
type topicRun struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}

	pipeline atomic.Pointer[pipeline.Pipeline]

	mu  sync.Mutex
	err error
}

func (t *topicRun) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *topicRun) status() TopicStatus {
	t.mu.Lock()
	err := t.err
	t.mu.Unlock()

	st := TopicStatus{Topic: t.topic, State: pipeline.Disconnected, Err: err}
	if p := t.pipeline.Load(); p != nil {
		st.State = p.State()
		st.Stats = p.Stats()
	}
	return st
}

// startTopic launches the goroutine for topic. Must be called with o.mu held
// while running.
func (o *Orchestrator) startTopic(ctx context.Context, topic string) {
	ctx, cancel := context.WithCancel(ctx)
	tr := &topicRun{
		topic:  topic,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.topics[topic] = tr
	o.logger.Info("starting topic", "topic", topic)
	o.wg.Go(func() {
		defer close(tr.done)
		o.runTopic(ctx, tr)
	})
}

// runTopic connects with capped exponential backoff, subscribes and streams
// until ctx is cancelled. A subscribe failure or a pipeline error is fatal for
// this topic only.
func (o *Orchestrator) runTopic(ctx context.Context, tr *topicRun) {
	logger := o.logger.With("topic", tr.topic)
	cfg := o.pipelineConfig(tr.topic)

	var (
		p       *pipeline.Pipeline
		backoff time.Duration
	)
	for {
		var err error
		p, err = pipeline.New(ctx, cfg)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		backoff = min(max(backoff*2, o.dialBackoff), o.maxDialBackoff)
		logger.Warn("connect failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
	tr.pipeline.Store(p)

	if err := p.Subscribe(ctx); err != nil {
		_ = p.Close()
		tr.setErr(err)
		logger.Error("topic stopped", "error", err)
		return
	}

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		tr.setErr(err)
		logger.Error("topic stopped", "error", err)
		return
	}
	logger.Info("topic stopped")
}
