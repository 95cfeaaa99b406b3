package orchestrator

import (
	"context"
	"fmt"

	"mqttlog/internal/home"
)

// Start creates the log directory, launches one pipeline per topic, registers
// the retention sweep and starts the scheduler. It returns immediately; use
// Stop to shut down. Connect failures do not fail Start: each topic retries
// in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrAlreadyRunning
	}

	dir := home.New(o.base.LogDir)
	if err := dir.EnsureExists(); err != nil {
		return err
	}
	instance, err := dir.InstanceID()
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}

	sched, err := newScheduler(o.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.scheduler = sched
	o.ctx = ctx
	o.cancel = cancel

	o.logger.Info("starting orchestrator",
		"instance", instance,
		"dir", dir.Abs(),
		"broker", o.base.Broker,
		"topics", len(o.settings.Topics))

	if err := o.scheduleRetention(ctx, o.base.LogDir, o.settings); err != nil {
		cancel()
		_ = sched.Stop()
		return err
	}

	for _, topic := range o.settings.Topics {
		o.startTopic(ctx, topic)
	}

	o.scheduler.Start()
	o.running = true
	return nil
}

// Stop cancels every topic, waits for their pipelines to drain and close
// their files, then stops the scheduler.
//
// Ordered shutdown:
//  1. Cancel the shared context (every topic context derives from it).
//  2. wg.Wait() for every topic goroutine, including removed ones.
//  3. Stop the scheduler, waiting for a running sweep.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	cancel := o.cancel
	sched := o.scheduler
	o.running = false
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	err := sched.Stop()

	o.mu.Lock()
	o.ctx = nil
	o.cancel = nil
	o.topics = make(map[string]*topicRun)
	o.mu.Unlock()

	o.logger.Info("orchestrator stopped")
	return err
}

// Run starts the orchestrator, blocks until ctx is cancelled and stops it.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return o.Stop()
}
