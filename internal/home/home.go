// Package home manages the log directory layout.
//
// Layout:
//
//	<log_dir>/
//	  .instance                                (persistent instance id)
//	  2024-03-01_12-00-00-<topic>-00.jsonl     (active or rotated log file)
//	  2024-03-01_11-00-00-<topic>-03.jsonl.zst (compressed rotated log file)
//
// All topics share the directory; file names keep them apart.
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a log directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Root returns the directory path as configured.
func (d Dir) Root() string {
	return d.root
}

// Abs returns the absolute, cleaned directory path. Two configurations that
// name the same directory differently resolve to the same Abs.
func (d Dir) Abs() string {
	abs, err := filepath.Abs(d.root)
	if err != nil {
		return filepath.Clean(d.root)
	}
	return abs
}

// EnsureExists creates the directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create log directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID reads the persistent instance identity from <root>/.instance.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) InstanceID() (string, error) {
	return d.readOrCreate(".instance", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(filepath.Clean(p))
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
