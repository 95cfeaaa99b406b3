// Package orchestrator runs one ingestion pipeline per configured topic and
// the retention sweeps for the log directory.
//
// Pipelines share nothing: each topic has its own broker connection,
// rotation engine and file sequence. A topic whose pipeline fails is logged
// and stays down while the other topics keep running. Retention runs on the
// shared scheduler, one job per log directory.
//
// Concurrency model:
//   - mu guards the topic map, the settings and the running flag.
//   - Each topic runs in its own goroutine with its own cancel func, so a
//     topic can be removed without touching the others.
//   - Stop cancels every topic and waits for all of them before shutting
//     down the scheduler.
package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mqttlog/internal/broker"
	"mqttlog/internal/config"
	"mqttlog/internal/logging"
	"mqttlog/internal/pipeline"
	"mqttlog/internal/rotate"
)

var (
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("orchestrator already running")
	// ErrNotRunning is returned when the orchestrator is not running.
	ErrNotRunning = errors.New("orchestrator not running")
	// ErrDuplicateTopic is returned when a topic, or a topic that maps to the
	// same file name, is already running.
	ErrDuplicateTopic = errors.New("topic already running")
	// ErrTopicNotFound is returned when removing a topic that is not running.
	ErrTopicNotFound = errors.New("topic not found")
)

const (
	defaultDialBackoff    = time.Second
	defaultMaxDialBackoff = 30 * time.Second
)

// Config configures an Orchestrator.
type Config struct {
	// Settings is the loaded configuration file.
	Settings config.Config

	// Dialer connects pipelines to the broker selected by Settings.Broker.
	Dialer broker.Dialer

	// DialBackoff is the first delay after a failed connect. It doubles up
	// to MaxDialBackoff. Zero means 1s and 30s.
	DialBackoff    time.Duration
	MaxDialBackoff time.Duration

	// Now returns the current time for file names and retention. Nil means
	// time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// TopicStatus describes one topic's pipeline.
type TopicStatus struct {
	Topic string
	State pipeline.State
	Err   error // fatal error that stopped the topic, if any
	Stats pipeline.Stats
}

// Orchestrator supervises the pipelines.
type Orchestrator struct {
	dialer         broker.Dialer
	dialBackoff    time.Duration
	maxDialBackoff time.Duration
	now            func() time.Time
	logger         *slog.Logger
	baseLogger     *slog.Logger // unscoped, handed to pipelines and sweepers

	mu        sync.Mutex
	running   bool
	ctx       context.Context // run context, set by Start
	cancel    func()
	base      config.Config // settings pipelines were started with
	settings  config.Config // latest applied settings
	topics    map[string]*topicRun
	scheduler *Scheduler
	wg        sync.WaitGroup
}

// New creates an Orchestrator. Settings must be valid.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("orchestrator: dialer is required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Default(cfg.Logger)
	return &Orchestrator{
		dialer:         cfg.Dialer,
		dialBackoff:    cmp.Or(cfg.DialBackoff, defaultDialBackoff),
		maxDialBackoff: cmp.Or(cfg.MaxDialBackoff, defaultMaxDialBackoff),
		now:            cfg.Now,
		logger:         logger.With("component", "orchestrator"),
		baseLogger:     logger,
		base:           cfg.Settings,
		settings:       cfg.Settings,
		topics:         make(map[string]*topicRun),
	}, nil
}

// pipelineConfig builds the pipeline configuration for topic from the
// startup settings.
func (o *Orchestrator) pipelineConfig(topic string) pipeline.Config {
	s := o.base
	return pipeline.Config{
		Topic:  topic,
		Dialer: o.dialer,
		Dial: broker.DialOptions{
			Host:      s.Host,
			Port:      s.Port,
			ClientID:  s.ClientID(topic),
			KeepAlive: s.KeepAlive(),
			QoS:       s.QoS,
			Group:     s.KafkaGroup,
		},
		Engine: rotate.Options{
			Dir:             s.LogDir,
			Policy:          s.RotationPolicy(),
			MaxOpenAttempts: s.MaxOpenAttempts,
			Now:             o.now,
		},
		Compress: s.CompressRotated,
		Workers:  s.NormalizeWorkers,
		Logger:   o.baseLogger,
	}
}

// Settings returns the latest applied settings.
func (o *Orchestrator) Settings() config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}
