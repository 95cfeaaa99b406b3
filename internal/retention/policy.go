package retention

import "time"

// FileMeta describes one dated log file.
type FileMeta struct {
	Name  string
	Size  int64
	Stamp time.Time // creation time embedded in the name
}

// DirState is an immutable snapshot of the dated log files in a directory.
type DirState struct {
	Files []FileMeta
	Now   time.Time
}

// Policy decides which files should be deleted.
// Policies are pure functions: no IO, no locks, no mutation.
type Policy interface {
	Apply(state DirState) []FileMeta
}

// PolicyFunc is an adapter to allow ordinary functions to be used as Policy.
type PolicyFunc func(state DirState) []FileMeta

func (f PolicyFunc) Apply(state DirState) []FileMeta {
	return f(state)
}

// TTLPolicy deletes files whose name stamp is older than maxAge.
type TTLPolicy struct {
	maxAge time.Duration
}

// NewTTLPolicy creates a policy that deletes files older than maxAge.
// A non-positive maxAge deletes nothing.
func NewTTLPolicy(maxAge time.Duration) *TTLPolicy {
	return &TTLPolicy{maxAge: maxAge}
}

func (p *TTLPolicy) Apply(state DirState) []FileMeta {
	if p.maxAge <= 0 {
		return nil
	}

	var result []FileMeta
	cutoff := state.Now.Add(-p.maxAge)

	for _, f := range state.Files {
		if f.Stamp.Before(cutoff) {
			result = append(result, f)
		}
	}

	return result
}
