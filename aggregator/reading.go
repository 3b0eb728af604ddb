package aggregator

import (
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"
)

// TimestampLayout is the canonical rendering of an instant
const TimestampLayout = "2006-01-02T15:04:05.999999999-07:00"

// Accepted input layouts. Layouts without an offset are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it to UTC
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, validationErrorf("timestamp", "%q is not a valid ISO-8601 timestamp", value)
}

// FormatTimestamp renders the instant of t with an explicit UTC offset
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Reading represents a single counter observation of a device
type Reading struct {
	timestamp time.Time
	count     int64
}

// NewReading creates a new Reading
func NewReading(timestamp time.Time, count int64) Reading {
	return Reading{
		timestamp: timestamp.UTC(),
		count:     count,
	}
}

// Timestamp returns the instant of the Reading in UTC
func (r Reading) Timestamp() time.Time {
	return r.timestamp
}

// Count returns the counter value of the Reading
func (r Reading) Count() int64 {
	return r.count
}

// Equal reports whether both Readings denote the same instant and count
func (r Reading) Equal(other Reading) bool {
	return r.timestamp.Equal(other.timestamp) && r.count == other.count
}

func (r Reading) String() string {
	return FormatTimestamp(r.timestamp) + "=" + strconv.FormatInt(r.count, 10)
}

type readingDocument struct {
	Timestamp string `json:"timestamp"`
	Count     int64  `json:"count"`
}

type rawReading struct {
	Timestamp *string         `json:"timestamp"`
	Count     json.RawMessage `json:"count"`
}

// MarshalJSON encodes the Reading as {"timestamp": ..., "count": ...}
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingDocument{
		Timestamp: FormatTimestamp(r.timestamp),
		Count:     r.count,
	})
}

// UnmarshalJSON decodes a Reading document, accepting any timestamp offset
func (r *Reading) UnmarshalJSON(data []byte) error {
	var raw rawReading
	if err := json.Unmarshal(data, &raw); err != nil {
		return validationErrorf("reading", "must be an object with timestamp and count")
	}

	if raw.Timestamp == nil {
		return validationErrorf("timestamp", "timestamp is required")
	}

	timestamp, err := ParseTimestamp(*raw.Timestamp)
	if err != nil {
		return err
	}

	count, err := parseCount(raw.Count)
	if err != nil {
		return err
	}

	*r = NewReading(timestamp, count)

	return nil
}

// parseCount accepts only a bare JSON integer literal
func parseCount(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, validationErrorf("count", "count is required")
	}

	count, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, validationErrorf("count", "%s is not an integer", string(raw))
	}

	return count, nil
}
