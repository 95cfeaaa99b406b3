// Package rotate writes JSON lines for one topic into a sequence of rotating
// files.
//
// All file IO happens on a single worker goroutine that consumes a bounded
// FIFO queue. Producers call Submit from any goroutine; the worker alone owns
// the open file, so lines reach disk in the order the queue accepted them.
//
// A file is opened lazily on the first line after start or rotation. It is
// closed when appending the next line would reach the size limit (the index
// advances, wrapping 99 to 00) or when the next line arrives after the idle
// timeout (the index restarts at 00). Every line is flushed and synced before
// the next one is taken from the queue.
package rotate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"mqttlog/internal/logging"
)

// QueueCapacity is the number of lines that may wait for the worker before
// Submit blocks.
const QueueCapacity = 100

const (
	defaultMaxOpenAttempts = 5
	defaultOpenBackoff     = 100 * time.Millisecond
	maxOpenBackoff         = 5 * time.Second
)

var (
	// ErrEngineStopped is returned by Submit after the worker has exited.
	ErrEngineStopped = errors.New("rotation engine stopped")

	// ErrOpenExhausted is returned by Run when a log file could not be opened
	// after the configured number of consecutive attempts.
	ErrOpenExhausted = errors.New("log file open attempts exhausted")
)

// Options configures an Engine.
type Options struct {
	// Dir is the directory files are written to. It is created on demand.
	Dir string

	// Topic names the stream. It is sanitized into file names.
	Topic string

	Policy Policy

	// MaxOpenAttempts bounds consecutive open failures before Run gives up.
	// Zero means 5.
	MaxOpenAttempts int

	// OpenBackoff is the first delay between open attempts. It doubles up to
	// 5s. Zero means 100ms.
	OpenBackoff time.Duration

	// Compressor, if set, receives every closed non-empty file.
	Compressor *Compressor

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Lines         uint64 // lines written
	Bytes         uint64 // bytes written, newlines included
	SizeRotations uint64
	IdleRotations uint64
	WriteErrors   uint64
	CurrentFile   string // empty when no file is open
}

// Engine is the rotating writer for one topic. Create with NewEngine, start
// the worker with Run, feed it with Submit.
type Engine struct {
	opts   Options
	now    func() time.Time
	logger *slog.Logger

	queue   chan string
	done    chan struct{}
	started atomic.Bool

	// Worker-owned.
	file   *os.File
	active ActiveFile
	index  int
	// retired is a path left holding a partial line. It is never reopened.
	retired string

	statsMu sync.Mutex
	stats   Stats
}

// NewEngine creates an engine. No file is touched until the first line.
func NewEngine(opts Options) *Engine {
	opts.MaxOpenAttempts = cmp.Or(opts.MaxOpenAttempts, defaultMaxOpenAttempts)
	opts.OpenBackoff = cmp.Or(opts.OpenBackoff, defaultOpenBackoff)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		opts:   opts,
		now:    now,
		logger: logging.Default(opts.Logger).With("component", "rotate", "topic", opts.Topic),
		queue:  make(chan string, QueueCapacity),
		done:   make(chan struct{}),
	}
}

// Submit enqueues line for writing. It blocks while the queue is full and
// returns ctx.Err() if ctx ends first. After the worker has exited it returns
// ErrEngineStopped. line must not contain a newline.
func (e *Engine) Submit(ctx context.Context, line string) error {
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}
	select {
	case e.queue <- line:
		return nil
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the worker. It writes queued lines until ctx is cancelled, then
// writes the lines already queued and closes the file. The compressor, if
// any, belongs to the caller and should be closed after Run returns. It
// returns an error wrapping ErrOpenExhausted if a file could
// not be opened; other IO failures are logged and the worker continues.
// Once ctx is cancelled a failed open is not retried.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("rotation engine already started")
	}
	defer close(e.done)
	defer e.closeFile("shutdown")

	for {
		select {
		case <-ctx.Done():
			return e.drain(ctx)
		case line := <-e.queue:
			if err := e.write(ctx, line); err != nil {
				return err
			}
		}
	}
}

// Done is closed when the worker has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) drain(ctx context.Context) error {
	for {
		select {
		case line := <-e.queue:
			if err := e.write(ctx, line); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// write performs the per-line steps: directory, idle check, lazy open, size
// check, append.
func (e *Engine) write(ctx context.Context, line string) error {
	now := e.now()

	if err := os.MkdirAll(e.opts.Dir, 0o750); err != nil {
		// The open below retries if the directory is still missing.
		e.logger.Error("create log directory", "dir", e.opts.Dir, "error", err)
	}

	if e.file != nil && e.opts.Policy.Idle(e.active, now) {
		e.closeFile("idle")
		e.index = 0
		e.count(func(s *Stats) { s.IdleRotations++ })
	}

	if e.file == nil {
		if err := e.open(ctx, now); err != nil {
			return err
		}
	}

	size := uint64(len(line)) + 1
	if e.opts.Policy.Full(e.active, size) {
		e.closeFile("size")
		e.index = (e.index + 1) % MaxIndex
		e.count(func(s *Stats) { s.SizeRotations++ })
		if err := e.open(ctx, e.now()); err != nil {
			return err
		}
	}

	prev := e.active.Bytes
	n, err := e.file.WriteString(line + "\n")
	e.active.Bytes += uint64(n)
	if err == nil {
		err = e.file.Sync()
	}
	if err != nil {
		e.logger.Error("write log line", "path", e.active.Path, "error", err)
		e.count(func(s *Stats) { s.WriteErrors++ })
		e.discardPartial(prev)
		// Reopen on the next line.
		e.closeFile("write error")
		return nil
	}

	e.active.LastWriteAt = now
	e.count(func(s *Stats) {
		s.Lines++
		s.Bytes += uint64(n)
	})
	return nil
}

// discardPartial cuts the open file back to size after a failed write, so
// the next line does not land on the end of a fragment. If the file cannot
// be cut, its name is retired.
func (e *Engine) discardPartial(size uint64) {
	if e.active.Bytes == size {
		return
	}
	if err := e.file.Truncate(int64(size)); err != nil {
		e.logger.Error("truncate partial line, retiring file", "path", e.active.Path, "error", err)
		e.retired = e.active.Path
		return
	}
	e.active.Bytes = size
}

// open opens the file for the current index, retrying with capped
// exponential backoff.
func (e *Engine) open(ctx context.Context, now time.Time) error {
	backoff := e.opts.OpenBackoff
	for attempt := 1; ; attempt++ {
		err := e.tryOpen(now)
		if err == nil {
			return nil
		}
		if attempt >= e.opts.MaxOpenAttempts {
			e.logger.Error("log file open failed, giving up", "attempts", attempt, "error", err)
			return fmt.Errorf("%w: %d attempts: %w", ErrOpenExhausted, attempt, err)
		}
		e.logger.Warn("log file open failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			e.logger.Error("log file open failed, shutting down", "attempts", attempt, "error", err)
			return fmt.Errorf("%w: %d attempts, interrupted: %w", ErrOpenExhausted, attempt, err)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxOpenBackoff)
		now = e.now()
		// The directory may have been the problem.
		_ = os.MkdirAll(e.opts.Dir, 0o750)
	}
}

func (e *Engine) tryOpen(now time.Time) error {
	path := filepath.Join(e.opts.Dir, FileName(now.In(time.Local), e.opts.Topic, e.index))
	if path == e.retired {
		e.index = (e.index + 1) % MaxIndex
		path = filepath.Join(e.opts.Dir, FileName(now.In(time.Local), e.opts.Topic, e.index))
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}

	e.file = f
	e.active = ActiveFile{
		Path:        path,
		Index:       e.index,
		Bytes:       uint64(info.Size()),
		OpenedAt:    now,
		LastWriteAt: now,
	}
	e.count(func(s *Stats) { s.CurrentFile = path })
	e.logger.Info("log file opened", "path", path, "index", e.index, "size", info.Size())
	return nil
}

// closeFile syncs and closes the open file, if any, and hands it to the
// compressor.
func (e *Engine) closeFile(reason string) {
	if e.file == nil {
		return
	}
	if err := e.file.Sync(); err != nil {
		e.logger.Warn("sync log file", "path", e.active.Path, "error", err)
	}
	if err := e.file.Close(); err != nil {
		e.logger.Warn("close log file", "path", e.active.Path, "error", err)
	}
	e.logger.Info("log file closed", "path", e.active.Path, "reason", reason, "bytes", e.active.Bytes)

	if e.opts.Compressor != nil && e.active.Bytes > 0 {
		e.opts.Compressor.Submit(e.active.Path)
	}

	e.file = nil
	e.active = ActiveFile{}
	e.count(func(s *Stats) { s.CurrentFile = "" })
}

func (e *Engine) count(fn func(*Stats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}
