package rotate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"

	"mqttlog/internal/logging"
)

// frameSize is the uncompressed size of each seekable zstd frame. Readers can
// decompress any frame independently.
const frameSize = 256 << 10

// Compressor compresses closed log files in the background, one at a time.
// foo.jsonl becomes foo.jsonl.zst; the name stamp is preserved so retention
// treats both forms alike.
type Compressor struct {
	enc    *zstd.Encoder
	logger *slog.Logger

	mu sync.Mutex // serializes compressions
	wg sync.WaitGroup
}

// NewCompressor creates a compressor with its own encoder.
func NewCompressor(logger *slog.Logger) (*Compressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Compressor{
		enc:    enc,
		logger: logging.Default(logger).With("component", "compressor"),
	}, nil
}

// Submit schedules path for compression. Failures are logged; the
// uncompressed file is left in place.
func (c *Compressor) Submit(path string) {
	c.wg.Go(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		dst, err := CompressFile(path, c.enc)
		if err != nil {
			c.logger.Warn("compress log file", "path", path, "error", err)
			return
		}
		c.logger.Debug("log file compressed", "path", dst)
	})
}

// Close waits for pending compressions and releases the encoder.
func (c *Compressor) Close() error {
	c.wg.Wait()
	return c.enc.Close()
}

// CompressFile writes path as seekable zstd to path+".zst" via a temp file and
// rename, then removes path. An existing destination is never overwritten.
func CompressFile(path string, enc *zstd.Encoder) (string, error) {
	if !strings.HasSuffix(path, Ext) {
		return "", fmt.Errorf("compress %s: not a %s file", path, Ext)
	}
	dst := path + ".zst"
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("compress %s: %w", path, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	src, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".compress-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	sw, err := seekable.NewWriter(tmp, enc)
	if err != nil {
		cleanup()
		return "", err
	}
	buf := make([]byte, frameSize)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := sw.Write(buf[:n]); werr != nil {
				cleanup()
				return "", werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			cleanup()
			return "", err
		}
	}
	if err := sw.Close(); err != nil {
		cleanup()
		return "", err
	}

	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return dst, os.Remove(path)
}
