package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLineTimestampSeconds(t *testing.T) {
	n := Normalizer{Location: time.UTC}
	got := n.Line([]byte(`{"timestamp": 1700000000, "value": 5}`))
	want := `{"ext":{"timestamp":"2023-11-14 22:13:20"},"raw":{"timestamp":1700000000,"value":5}}`
	if got != want {
		t.Fatalf("Line:\n got %s\nwant %s", got, want)
	}
}

func TestLineTimestampMillis(t *testing.T) {
	n := Normalizer{Location: time.UTC}
	rec := n.Record([]byte(`{"timestamp":1700000000123}`))
	if rec.Ext["timestamp"] != "2023-11-14 22:13:20" {
		t.Errorf("ext.timestamp = %q", rec.Ext["timestamp"])
	}
	if string(rec.Raw) != `{"timestamp":1700000000123}` {
		t.Errorf("raw = %s, integer precision must survive", rec.Raw)
	}
}

func TestLineFractionalTimestamp(t *testing.T) {
	n := Normalizer{Location: time.UTC}
	rec := n.Record([]byte(`{"timestamp":1700000000.9}`))
	if rec.Ext["timestamp"] != "2023-11-14 22:13:20" {
		t.Errorf("ext.timestamp = %q", rec.Ext["timestamp"])
	}
}

func TestLineLocalTime(t *testing.T) {
	got := Normalize([]byte(`{"timestamp":1700000000}`))
	var rec Record
	if err := json.Unmarshal([]byte(got), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	want := time.Unix(1700000000, 0).In(time.Local).Format(TimeLayout)
	if rec.Ext["timestamp"] != want {
		t.Errorf("ext.timestamp = %q, want %q", rec.Ext["timestamp"], want)
	}
	if _, err := time.ParseInLocation(TimeLayout, rec.Ext["timestamp"], time.Local); err != nil {
		t.Errorf("ext.timestamp not parseable: %v", err)
	}
}

func TestLineParseFailure(t *testing.T) {
	want := `{"ext":{},"raw":{"message":"json parse failed"}}`
	for _, in := range []string{"not-json", "", "{", `{"a":1} trailing`, `{"a":1}{"b":2}`} {
		t.Run(in, func(t *testing.T) {
			if got := Normalize([]byte(in)); got != want {
				t.Errorf("Normalize(%q) = %s", in, got)
			}
		})
	}
}

func TestLineWithoutTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"value":5}`, `{"ext":{},"raw":{"value":5}}`},
		{`{"timestamp":"yesterday"}`, `{"ext":{},"raw":{"timestamp":"yesterday"}}`},
		{`[1,2,3]`, `{"ext":{},"raw":[1,2,3]}`},
		{`42`, `{"ext":{},"raw":42}`},
		{`"hello"`, `{"ext":{},"raw":"hello"}`},
		{`null`, `{"ext":{},"raw":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize([]byte(tt.in)); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLineCompactsAndStaysSingleLine(t *testing.T) {
	in := "{\n  \"msg\": \"a\\nb\",\n  \"html\": \"<b>&</b>\"\n}\n"
	got := Normalize([]byte(in))
	if strings.Contains(got, "\n") {
		t.Fatalf("output contains newline: %q", got)
	}
	want := `{"ext":{},"raw":{"html":"<b>&</b>","msg":"a\nb"}}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestLineInvalidUTF8(t *testing.T) {
	got := Normalize([]byte("{\"s\":\"ok\xff\"}"))
	var rec Record
	if err := json.Unmarshal([]byte(got), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(rec.Raw, &raw); err != nil {
		t.Fatalf("raw: %v", err)
	}
	if raw["s"] != "ok\uFFFD" {
		t.Errorf("s = %q, want replacement character", raw["s"])
	}
}

func TestLineOutOfRangeTimestamp(t *testing.T) {
	rec := Normalizer{Location: time.UTC}.Record([]byte(`{"timestamp":1e30}`))
	if ts, ok := rec.Ext["timestamp"]; !ok || ts != "" {
		t.Errorf("ext.timestamp = %q (present %v), want empty", ts, ok)
	}
}
