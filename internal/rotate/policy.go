package rotate

import "time"

// ActiveFile is an immutable snapshot of the open log file. Policies decide
// from it alone, without IO.
type ActiveFile struct {
	// Path is the full path of the open file.
	Path string

	// Index is the rotation index embedded in the name.
	Index int

	// Bytes is the file size: the size found at open plus everything written
	// since.
	Bytes uint64

	// OpenedAt is when the file was opened.
	OpenedAt time.Time

	// LastWriteAt is the time of the most recent write, or OpenedAt if the
	// file has not been written yet.
	LastWriteAt time.Time
}

// Policy holds the rotation limits of one engine. It is immutable for the
// lifetime of the engine.
type Policy struct {
	// MaxBytes is the size limit of a file. Zero disables size rotation.
	MaxBytes uint64

	// IdleTimeout closes a file that has not been written for longer than
	// this. Zero disables idle rotation.
	IdleTimeout time.Duration
}

// Idle reports whether the file has been idle for longer than the timeout.
// The next file then restarts numbering at 00.
func (p Policy) Idle(state ActiveFile, now time.Time) bool {
	if p.IdleTimeout <= 0 || state.LastWriteAt.IsZero() {
		return false
	}
	return now.Sub(state.LastWriteAt) > p.IdleTimeout
}

// Full reports whether appending lineSize bytes reaches the size limit. This
// includes an empty file: a line at or above the limit moves to the next
// index, leaving the empty file behind.
func (p Policy) Full(state ActiveFile, lineSize uint64) bool {
	if p.MaxBytes == 0 {
		return false
	}
	return state.Bytes+lineSize >= p.MaxBytes
}
