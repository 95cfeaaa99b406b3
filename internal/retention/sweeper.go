// Package retention deletes log files whose name stamp is older than the
// retention window.
//
// The sweeper only looks at directory entries and file names. Names that do
// not parse are never deleted. A failed delete is logged and the sweep moves
// on to the next file.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mqttlog/internal/logging"
	"mqttlog/internal/rotate"
)

// Config configures a Sweeper.
type Config struct {
	// Dir is the directory to scan. Subdirectories are ignored.
	Dir string

	// Policy selects the files to delete. Typically NewTTLPolicy(window).
	Policy Policy

	// Topic restricts the sweep to one topic's files. Empty sweeps every
	// topic in Dir.
	Topic string

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Result summarizes one sweep.
type Result struct {
	Deleted int   // files removed
	Bytes   int64 // bytes reclaimed
	Skipped int   // log-extension files whose name could not be dated
	Failed  int   // files that could not be removed
}

// MB returns the reclaimed size in mebibytes.
func (r Result) MB() float64 {
	return float64(r.Bytes) / (1 << 20)
}

// Sweeper applies a retention policy to a log directory.
type Sweeper struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a sweeper.
func New(cfg Config) *Sweeper {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Policy == nil {
		cfg.Policy = PolicyFunc(func(DirState) []FileMeta { return nil })
	}
	logger := logging.Default(cfg.Logger).With("component", "retention", "dir", cfg.Dir)
	if cfg.Topic != "" {
		logger = logger.With("topic", cfg.Topic)
	}
	return &Sweeper{cfg: cfg, now: now, logger: logger}
}

// Sweep scans the directory once and deletes the files selected by the
// policy. A missing directory is not an error. The returned error is non-nil
// only when the directory could not be listed or ctx ended.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result

	state, skipped, err := s.snapshot()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, nil
		}
		s.logger.Error("retention: failed to list log files", "error", err)
		return res, fmt.Errorf("list %s: %w", s.cfg.Dir, err)
	}
	res.Skipped = skipped

	for _, f := range s.cfg.Policy.Apply(state) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		path := filepath.Join(s.cfg.Dir, f.Name)
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			res.Failed++
			s.logger.Error("retention: failed to delete log file", "path", path, "error", err)
			continue
		}
		res.Deleted++
		res.Bytes += f.Size
		s.logger.Debug("retention: deleted log file", "path", path, "stamp", f.Stamp)
	}

	if res.Deleted > 0 || res.Failed > 0 {
		s.logger.Info("retention sweep finished",
			"deleted", res.Deleted,
			"reclaimed_mb", fmt.Sprintf("%.2f", res.MB()),
			"failed", res.Failed,
			"skipped", res.Skipped,
		)
	}
	return res, nil
}

// snapshot lists dated log files. It returns how many log-extension files had
// names that could not be parsed.
func (s *Sweeper) snapshot() (DirState, int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return DirState{}, 0, err
	}

	topic := rotate.SanitizeTopic(s.cfg.Topic)
	state := DirState{Now: s.now()}
	skipped := 0

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, err := rotate.ParseName(e.Name(), time.Local)
		if err != nil {
			if hasLogExt(e.Name()) {
				skipped++
			}
			continue
		}
		if s.cfg.Topic != "" && name.Topic != topic {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed since ReadDir.
			continue
		}
		state.Files = append(state.Files, FileMeta{
			Name:  e.Name(),
			Size:  info.Size(),
			Stamp: name.Stamp,
		})
	}
	return state, skipped, nil
}

func hasLogExt(name string) bool {
	return strings.HasSuffix(name, rotate.Ext) || strings.HasSuffix(name, rotate.CompressedExt)
}
