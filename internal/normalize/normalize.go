// Package normalize turns raw broker payloads into the JSONL records written
// to disk.
//
// Every record has the shape {"ext":{...},"raw":...}. The ext object carries
// fields derived from the payload (currently a formatted timestamp); raw is the
// payload itself, re-serialized in compact form, or a diagnostic object when
// the payload is not valid JSON. Malformed payloads are never an error: they
// are persisted as diagnostic records.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// TimeLayout is the layout of ext.timestamp, rendered in local time.
const TimeLayout = "2006-01-02 15:04:05"

// millisThreshold separates second-resolution from millisecond-resolution
// epoch values. 1e11 seconds is roughly the year 5138.
const millisThreshold = 1e11

// Epoch bounds of years 0001 and 9999.
const (
	minEpoch = -62135596800
	maxEpoch = 253402300799
)

// parseFailed is the raw value recorded for payloads that are not JSON.
var parseFailed = json.RawMessage(`{"message":"json parse failed"}`)

// Record is the envelope persisted for every message.
type Record struct {
	Ext map[string]string `json:"ext"`
	Raw json.RawMessage   `json:"raw"`
}

// Normalizer converts payloads to records. The zero value formats timestamps
// in time.Local.
type Normalizer struct {
	// Location overrides the zone used for ext.timestamp. Nil means time.Local.
	Location *time.Location
}

// Normalize converts a payload using local time. See Normalizer.Line.
func Normalize(payload []byte) string {
	return Normalizer{}.Line(payload)
}

// Line returns the single-line JSON record for payload. The result never
// contains a newline.
func (n Normalizer) Line(payload []byte) string {
	rec := n.Record(payload)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a map[string]string and a validated RawMessage cannot fail.
	_ = enc.Encode(rec)
	return strings.TrimSuffix(buf.String(), "\n")
}

// Record builds the envelope for payload.
func (n Normalizer) Record(payload []byte) Record {
	rec := Record{Ext: map[string]string{}}

	text := string(payload)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}

	value, err := decode(text)
	if err != nil {
		rec.Raw = parseFailed
		return rec
	}

	raw, err := compact(value)
	if err != nil {
		rec.Raw = parseFailed
		return rec
	}
	rec.Raw = raw

	if obj, ok := value.(map[string]any); ok {
		if ts, ok := numeric(obj["timestamp"]); ok {
			rec.Ext["timestamp"] = n.formatEpoch(ts)
		}
	}
	return rec
}

// formatEpoch renders an epoch value in seconds or milliseconds. Values that
// land outside four-digit years render as an empty string.
func (n Normalizer) formatEpoch(ts float64) string {
	secs := ts
	if secs >= millisThreshold || secs <= -millisThreshold {
		secs /= 1000
	}
	if secs < minEpoch || secs > maxEpoch {
		return ""
	}
	loc := n.Location
	if loc == nil {
		loc = time.Local
	}
	t := time.Unix(int64(secs), 0).In(loc)
	if y := t.Year(); y < 0 || y > 9999 {
		return ""
	}
	return t.Format(TimeLayout)
}

func decode(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing data after the first value is a parse failure.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func compact(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func numeric(v any) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}
