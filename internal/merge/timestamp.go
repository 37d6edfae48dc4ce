package merge

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const tombstoneLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp accepts RFC 3339 strings of any precision or epoch milliseconds
// and writes RFC 3339 with millisecond precision in UTC. Unparseable input
// decodes to the zero value.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(tombstoneLayout))
}

// ceilMillis rounds sub-millisecond times up, so a tombstone written at
// millisecond precision stays strictly later than the records it removed.
func ceilMillis(t time.Time) time.Time {
	if truncated := t.Truncate(time.Millisecond); !truncated.Equal(t) {
		return truncated.Add(time.Millisecond)
	}
	return t
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	parsed, ok := parseTimestamp(data)
	if !ok {
		*t = Timestamp{}
		return nil
	}
	*t = Timestamp{Time: parsed}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		return parseTimestampString(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, false
	}
	return parseEpochMillis(n.String())
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), true
		}
	}
	return parseEpochMillis(s)
}

func parseEpochMillis(s string) (time.Time, bool) {
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 {
		return time.Time{}, false
	}
	whole := math.Floor(ms)
	return time.UnixMilli(int64(whole)).Add(time.Duration((ms - whole) * float64(time.Millisecond))).UTC(), true
}
