package rotate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Ext is the extension of active and rotated log files.
	Ext = ".jsonl"

	// CompressedExt is the extension of rotated files after zstd compression.
	CompressedExt = Ext + ".zst"

	// StampLayout is the creation-time prefix of every log file name.
	StampLayout = "2006-01-02_15-04-05"

	// MaxIndex bounds the rotation index. Indices run 00..99 and wrap.
	MaxIndex = 100
)

// ErrBadName is returned by ParseName for names that are not log files.
var ErrBadName = errors.New("not a log file name")

// SanitizeTopic replaces path separators in a topic so it can be embedded in
// a file name.
func SanitizeTopic(topic string) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(topic)
}

// FileName builds <stamp>-<topic>-<NN>.jsonl for a file created at t.
// t is rendered in its own location; callers pass local time.
func FileName(t time.Time, topic string, index int) string {
	return fmt.Sprintf("%s-%s-%02d%s", t.Format(StampLayout), SanitizeTopic(topic), index%MaxIndex, Ext)
}

// Name is a parsed log file name.
type Name struct {
	Stamp      time.Time
	Topic      string // sanitized form
	Index      int
	Compressed bool
}

// ParseName parses a file name produced by FileName, optionally carrying the
// compressed extension. The stamp is interpreted in loc (nil means
// time.Local).
func ParseName(name string, loc *time.Location) (Name, error) {
	if loc == nil {
		loc = time.Local
	}

	var n Name
	base, ok := strings.CutSuffix(name, CompressedExt)
	if ok {
		n.Compressed = true
	} else if base, ok = strings.CutSuffix(name, Ext); !ok {
		return Name{}, fmt.Errorf("%w: %q: missing %s extension", ErrBadName, name, Ext)
	}

	// <stamp>-<topic>-NN, topic non-empty.
	if len(base) < len(StampLayout)+5 || base[len(StampLayout)] != '-' {
		return Name{}, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	stamp, err := time.ParseInLocation(StampLayout, base[:len(StampLayout)], loc)
	if err != nil {
		return Name{}, fmt.Errorf("%w: %q: %w", ErrBadName, name, err)
	}

	rest := base[len(StampLayout)+1:]
	cut := strings.LastIndexByte(rest, '-')
	if cut <= 0 || len(rest)-cut-1 != 2 {
		return Name{}, fmt.Errorf("%w: %q: missing rotation index", ErrBadName, name)
	}
	idx, err := strconv.Atoi(rest[cut+1:])
	if err != nil || idx < 0 {
		return Name{}, fmt.Errorf("%w: %q: bad rotation index", ErrBadName, name)
	}

	n.Stamp = stamp
	n.Topic = rest[:cut]
	n.Index = idx
	return n, nil
}
