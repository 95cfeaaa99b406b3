package rotate

import (
	"errors"
	"testing"
	"time"
)

func TestSanitizeTopic(t *testing.T) {
	tests := map[string]string{
		"sensors/a":       "sensors_a",
		"a/b/c":           "a_b_c",
		`win\path`:        "win_path",
		"plain":           "plain",
		"with-dash/x":     "with-dash_x",
		"/leading/slash/": "_leading_slash_",
	}
	for in, want := range tests {
		if got := SanitizeTopic(in); got != want {
			t.Errorf("SanitizeTopic(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileName(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)
	got := FileName(ts, "sensors/a", 3)
	want := "2024-03-01_09-05-07-sensors_a-03.jsonl"
	if got != want {
		t.Errorf("FileName = %q, want %q", got, want)
	}
	if got := FileName(ts, "t", 100); got != "2024-03-01_09-05-07-t-00.jsonl" {
		t.Errorf("index must wrap, got %q", got)
	}
}

func TestParseNameRoundTrip(t *testing.T) {
	ts := time.Date(2025, 12, 31, 23, 59, 58, 0, time.Local)
	for _, topic := range []string{"subscribe001", "sensors/a", "multi-dash-topic", "x"} {
		for _, idx := range []int{0, 1, 42, 99} {
			name := FileName(ts, topic, idx)
			n, err := ParseName(name, nil)
			if err != nil {
				t.Fatalf("ParseName(%q): %v", name, err)
			}
			if !n.Stamp.Equal(ts) {
				t.Errorf("%q: stamp %v, want %v", name, n.Stamp, ts)
			}
			if n.Topic != SanitizeTopic(topic) || n.Index != idx || n.Compressed {
				t.Errorf("%q: got %+v", name, n)
			}

			z, err := ParseName(name+".zst", nil)
			if err != nil {
				t.Fatalf("ParseName(%q.zst): %v", name, err)
			}
			if !z.Compressed || !z.Stamp.Equal(ts) || z.Index != idx {
				t.Errorf("%q.zst: got %+v", name, z)
			}
		}
	}
}

func TestParseNameRejects(t *testing.T) {
	bad := []string{
		"",
		"notes.txt",
		"2024-03-01_09-05-07-t-00.log",
		"2024-03-01_09-05-07.jsonl",
		"2024-03-01_09-05-07--00.jsonl",
		"2024-03-01_09-05-07-t-0.jsonl",
		"2024-03-01_09-05-07-t-abc.jsonl",
		"2024-13-01_09-05-07-t-00.jsonl",
		"2024-03-01 09-05-07-t-00.jsonl",
		"garbage-garbage-garb-t-00.jsonl",
	}
	for _, name := range bad {
		if _, err := ParseName(name, time.UTC); !errors.Is(err, ErrBadName) {
			t.Errorf("ParseName(%q) err = %v, want ErrBadName", name, err)
		}
	}
}
