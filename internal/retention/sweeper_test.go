package retention

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"mqttlog/internal/rotate"
)

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o640); err != nil {
		t.Fatal(err)
	}
}

func names(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	slices.Sort(out)
	return out
}

func TestSweepDeletesOnlyExpired(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.Local)

	keep1 := rotate.FileName(now.Add(-1*time.Hour), "sensors/a", 0)
	keep23 := rotate.FileName(now.Add(-23*time.Hour), "sensors/a", 1)
	old25 := rotate.FileName(now.Add(-25*time.Hour), "sensors/a", 0)
	old48 := rotate.FileName(now.Add(-48*time.Hour), "other", 7) + ".zst"
	for _, n := range []string{keep1, keep23, old25, old48} {
		writeFile(t, dir, n, 1000)
	}
	// Undatable files must never be deleted.
	unparsable := []string{"1999-garbage.jsonl", "notes.txt", "old.jsonl.zst"}
	for _, n := range unparsable {
		writeFile(t, dir, n, 10)
	}
	if err := os.Mkdir(filepath.Join(dir, rotate.FileName(now.Add(-72*time.Hour), "dir", 0)), 0o750); err != nil {
		t.Fatal(err)
	}

	s := New(Config{
		Dir:    dir,
		Policy: NewTTLPolicy(24 * time.Hour),
		Now:    func() time.Time { return now },
	})
	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if res.Deleted != 2 || res.Bytes != 2000 || res.Failed != 0 || res.Skipped != 2 {
		t.Errorf("result = %+v", res)
	}
	got := names(t, dir)
	for _, n := range []string{old25, old48} {
		if slices.Contains(got, n) {
			t.Errorf("%s should have been deleted", n)
		}
	}
	for _, n := range append([]string{keep1, keep23}, unparsable...) {
		if !slices.Contains(got, n) {
			t.Errorf("%s should have been kept", n)
		}
	}
}

func TestSweepTopicFilter(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.Local)
	mine := rotate.FileName(now.Add(-30*time.Hour), "sensors/a", 0)
	theirs := rotate.FileName(now.Add(-30*time.Hour), "sensors/b", 0)
	writeFile(t, dir, mine, 1)
	writeFile(t, dir, theirs, 1)

	s := New(Config{
		Dir:    dir,
		Topic:  "sensors/a",
		Policy: NewTTLPolicy(time.Hour),
		Now:    func() time.Time { return now },
	})
	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := names(t, dir); !slices.Equal(got, []string{theirs}) {
		t.Errorf("files = %v, want only %s", got, theirs)
	}
}

func TestSweepMissingDirectory(t *testing.T) {
	s := New(Config{Dir: filepath.Join(t.TempDir(), "absent"), Policy: NewTTLPolicy(time.Hour)})
	res, err := s.Sweep(context.Background())
	if err != nil || res != (Result{}) {
		t.Errorf("Sweep = %+v, %v", res, err)
	}
}

func TestSweepCancelled(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, dir, rotate.FileName(now.Add(-48*time.Hour), "t", 0), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(Config{Dir: dir, Policy: NewTTLPolicy(time.Hour)})
	if _, err := s.Sweep(ctx); err == nil {
		t.Error("expected context error")
	}
	if len(names(t, dir)) != 1 {
		t.Error("cancelled sweep must not delete")
	}
}

func TestTTLPolicy(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	state := DirState{
		Now: now,
		Files: []FileMeta{
			{Name: "at-cutoff", Stamp: now.Add(-time.Hour)},
			{Name: "older", Stamp: now.Add(-time.Hour - time.Second)},
			{Name: "newer", Stamp: now.Add(-time.Minute)},
		},
	}
	got := NewTTLPolicy(time.Hour).Apply(state)
	if len(got) != 1 || got[0].Name != "older" {
		t.Errorf("Apply = %+v, want only older", got)
	}
	if got := NewTTLPolicy(0).Apply(state); got != nil {
		t.Errorf("zero window must delete nothing, got %+v", got)
	}
}
