package orchestrator

import (
	"fmt"
	"maps"
	"slices"

	"mqttlog/internal/config"
	"mqttlog/internal/rotate"
)

// AddTopic starts a pipeline for topic using the startup settings.
func (o *Orchestrator) AddTopic(topic string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return ErrNotRunning
	}
	name := rotate.SanitizeTopic(topic)
	for existing := range o.topics {
		if existing == topic || rotate.SanitizeTopic(existing) == name {
			return fmt.Errorf("%w: %q", ErrDuplicateTopic, existing)
		}
	}
	o.startTopic(o.ctx, topic)
	return nil
}

// RemoveTopic stops the topic's pipeline and waits until its accepted lines
// are written and its file is closed.
func (o *Orchestrator) RemoveTopic(topic string) error {
	o.mu.Lock()
	tr, ok := o.topics[topic]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTopicNotFound, topic)
	}
	delete(o.topics, topic)
	o.mu.Unlock()

	o.logger.Info("stopping topic", "topic", topic)
	tr.cancel()
	<-tr.done
	return nil
}

// Apply reconciles the running orchestrator with cfg. New topics are started
// and removed topics are stopped; retention settings take effect at once.
// Connection and rotation settings only apply to pipelines started after a
// restart, and a change to them is logged. If the orchestrator is not
// running, cfg simply replaces the settings used by the next Start.
func (o *Orchestrator) Apply(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if !o.running {
		o.base = cfg
		o.settings = cfg
		o.mu.Unlock()
		return nil
	}

	prev := o.settings
	o.settings = cfg
	for _, key := range restartKeys(o.base, cfg) {
		o.logger.Warn("setting changed, restart required", "key", key)
	}

	var retentionErr error
	if retentionChanged(prev, cfg) {
		retentionErr = o.scheduleRetention(o.ctx, o.base.LogDir, cfg)
	}

	want := make(map[string]bool, len(cfg.Topics))
	for _, t := range cfg.Topics {
		want[t] = true
	}
	var removed []string
	for t := range o.topics {
		if !want[t] {
			removed = append(removed, t)
		}
	}
	o.mu.Unlock()

	// Stop removed topics first so a renamed topic that sanitizes to the same
	// file name can start cleanly.
	for _, t := range removed {
		if err := o.RemoveTopic(t); err != nil {
			o.logger.Warn("remove topic", "topic", t, "error", err)
		}
	}
	for _, t := range cfg.Topics {
		if o.hasTopic(t) {
			continue
		}
		if err := o.AddTopic(t); err != nil {
			o.logger.Warn("add topic", "topic", t, "error", err)
		}
	}

	o.logger.Info("configuration applied", "topics", len(cfg.Topics))
	return retentionErr
}

// Topics returns the running topics, sorted.
func (o *Orchestrator) Topics() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Sorted(maps.Keys(o.topics))
}

// Status reports every running topic, sorted by topic.
func (o *Orchestrator) Status() []TopicStatus {
	o.mu.Lock()
	runs := make([]*topicRun, 0, len(o.topics))
	for _, t := range slices.Sorted(maps.Keys(o.topics)) {
		runs = append(runs, o.topics[t])
	}
	o.mu.Unlock()

	out := make([]TopicStatus, 0, len(runs))
	for _, tr := range runs {
		out = append(out, tr.status())
	}
	return out
}

// Jobs lists the scheduled jobs. Nil when not running.
func (o *Orchestrator) Jobs() []JobInfo {
	o.mu.Lock()
	sched := o.scheduler
	running := o.running
	o.mu.Unlock()
	if !running {
		return nil
	}
	return sched.ListJobs()
}

func (o *Orchestrator) hasTopic(topic string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.topics[topic]
	return ok
}

func retentionChanged(a, b config.Config) bool {
	return a.LogRetentionHours != b.LogRetentionHours ||
		a.SweepInterval != b.SweepInterval ||
		a.SweepCron != b.SweepCron
}

// restartKeys lists the settings that differ between a and b and only take
// effect for pipelines created at startup.
func restartKeys(a, b config.Config) []string {
	var keys []string
	check := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}
	check("log_dir", a.LogDir != b.LogDir)
	check("max_file_size_mb", a.MaxFileSizeMB != b.MaxFileSizeMB)
	check("timeout_secs", a.TimeoutSecs != b.TimeoutSecs)
	check("host", a.Host != b.Host)
	check("port", a.Port != b.Port)
	check("broker", a.Broker != b.Broker)
	check("qos", a.QoS != b.QoS)
	check("keep_alive_secs", a.KeepAliveSecs != b.KeepAliveSecs)
	check("client_id_prefix", a.ClientIDPrefix != b.ClientIDPrefix)
	check("kafka_group", a.KafkaGroup != b.KafkaGroup)
	check("normalize_workers", a.NormalizeWorkers != b.NormalizeWorkers)
	check("compress_rotated", a.CompressRotated != b.CompressRotated)
	check("max_open_attempts", a.MaxOpenAttempts != b.MaxOpenAttempts)
	return keys
}
