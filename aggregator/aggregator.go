package aggregator

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Outcome describes what AddReading did with a Reading
type Outcome int

const (
	// OutcomeIgnored means a reading for the same instant was already stored
	OutcomeIgnored Outcome = iota
	// OutcomeAdded means the reading was stored
	OutcomeAdded
	// OutcomeAddedLatest means the reading was stored and became the latest
	OutcomeAddedLatest
	// OutcomeRejected means storing the reading would overflow the cumulative count
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdded:
		return "added"
	case OutcomeAddedLatest:
		return "added_latest"
	case OutcomeRejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// instant is the map key of a reading: an absolute point on the UTC timeline
type instant struct {
	sec  int64
	nsec int
}

func instantOf(t time.Time) instant {
	return instant{sec: t.Unix(), nsec: t.Nanosecond()}
}

func (i instant) after(other instant) bool {
	return i.sec > other.sec || (i.sec == other.sec && i.nsec > other.nsec)
}

// Aggregator keeps the reading history, cumulative count and latest reading
// of a single device. It is not safe for concurrent use; the Registry
// serializes access per device.
type Aggregator struct {
	deviceID        string
	readings        map[instant]Reading
	cumulativeCount int64
	latest          *instant
	logger          *zap.SugaredLogger
	now             func() time.Time
}

// NewAggregator creates a new, empty Aggregator
func NewAggregator(deviceID string, logger *zap.SugaredLogger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Aggregator{
		deviceID: deviceID,
		readings: make(map[instant]Reading),
		logger:   logger,
		now:      time.Now,
	}
}

// DeviceID returns the identifier of the device
func (a *Aggregator) DeviceID() string {
	return a.deviceID
}

// AddReading stores the reading unless one for the same instant exists
func (a *Aggregator) AddReading(reading Reading) Outcome {
	key := instantOf(reading.timestamp)
	timestamp := FormatTimestamp(reading.timestamp)

	if _, ok := a.readings[key]; ok {
		a.logger.Infow("ignoring reading with existing timestamp",
			"device_id", a.deviceID, "wall_time", a.now(), "timestamp", timestamp)

		return OutcomeIgnored
	}

	if addOverflows(a.cumulativeCount, reading.count) {
		a.logger.Warnw("rejecting reading, cumulative count would overflow",
			"device_id", a.deviceID, "wall_time", a.now(), "timestamp", timestamp, "count", reading.count)

		return OutcomeRejected
	}

	a.readings[key] = reading
	a.cumulativeCount += reading.count

	a.logger.Infow("added reading",
		"device_id", a.deviceID, "wall_time", a.now(), "timestamp", timestamp, "count", reading.count)

	if a.latest == nil || key.after(*a.latest) {
		a.latest = &key

		a.logger.Infow("updating latest timestamp",
			"device_id", a.deviceID, "wall_time", a.now(), "timestamp", timestamp)

		return OutcomeAddedLatest
	}

	return OutcomeAdded
}

// CheckReadings reports whether adding the readings in order would overflow
// the cumulative count. Readings AddReading would ignore are skipped.
func (a *Aggregator) CheckReadings(readings []Reading) error {
	sum := a.cumulativeCount
	seen := make(map[instant]struct{}, len(readings))

	for i, reading := range readings {
		key := instantOf(reading.timestamp)
		if _, ok := a.readings[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if addOverflows(sum, reading.count) {
			return validationErrorf(fmt.Sprintf("readings[%d].count", i),
				"cumulative count of %s would overflow", a.deviceID)
		}
		sum += reading.count
	}

	return nil
}

func addOverflows(sum, n int64) bool {
	if n > 0 {
		return sum > math.MaxInt64-n
	}

	return sum < math.MinInt64-n
}

// LatestReading returns the reading with the greatest instant
func (a *Aggregator) LatestReading() (Reading, bool) {
	if a.latest == nil {
		return Reading{}, false
	}

	reading, ok := a.readings[*a.latest]

	return reading, ok
}

// LatestTimestamp returns the greatest instant seen
func (a *Aggregator) LatestTimestamp() (time.Time, bool) {
	if a.latest == nil {
		return time.Time{}, false
	}

	return time.Unix(a.latest.sec, int64(a.latest.nsec)).UTC(), true
}

// CumulativeCount returns the sum of all stored counts
func (a *Aggregator) CumulativeCount() int64 {
	return a.cumulativeCount
}

// Len returns the number of distinct instants stored
func (a *Aggregator) Len() int {
	return len(a.readings)
}

// Readings returns a copy of the stored readings, oldest first
func (a *Aggregator) Readings() []Reading {
	readings := make([]Reading, 0, len(a.readings))
	for _, r := range a.readings {
		readings = append(readings, r)
	}

	sort.Slice(readings, func(i, j int) bool {
		return readings[i].timestamp.Before(readings[j].timestamp)
	})

	return readings
}

// Document is the persisted form of an Aggregator
type Document struct {
	DeviceID            string             `json:"device_id"`
	ReadingsByTimestamp map[string]Reading `json:"readings_by_timestamp"`
	CumulativeCount     int64              `json:"cumulative_count"`
	LatestTimestamp     *string            `json:"latest_timestamp"`
}

// Document returns the serializable form of the Aggregator
func (a *Aggregator) Document() Document {
	doc := Document{
		DeviceID:            a.deviceID,
		ReadingsByTimestamp: make(map[string]Reading, len(a.readings)),
		CumulativeCount:     a.cumulativeCount,
	}

	for key, reading := range a.readings {
		doc.ReadingsByTimestamp[formatInstant(key)] = reading
	}

	if a.latest != nil {
		latest := formatInstant(*a.latest)
		doc.LatestTimestamp = &latest
	}

	return doc
}

// MarshalJSON encodes the Aggregator as its Document
func (a *Aggregator) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Document())
}

// Persist writes the JSON document of the Aggregator to w
func (a *Aggregator) Persist(w io.Writer) error {
	data, err := a.MarshalJSON()
	if err != nil {
		return err
	}

	_, err = w.Write(data)

	return err
}

type rawDocument struct {
	DeviceID            *string                    `json:"device_id"`
	ReadingsByTimestamp map[string]json.RawMessage `json:"readings_by_timestamp"`
	CumulativeCount     json.RawMessage            `json:"cumulative_count"`
	LatestTimestamp     *string                    `json:"latest_timestamp"`
}

// Deserialize reconstructs an Aggregator from its JSON document.
// cumulative_count and latest_timestamp are taken as stored, see Verify.
func Deserialize(data []byte, logger *zap.SugaredLogger) (*Aggregator, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, validationErrorf("document", "malformed aggregator document: %v", err)
	}

	if raw.DeviceID == nil {
		return nil, validationErrorf("device_id", "device_id is required")
	}

	a := NewAggregator(*raw.DeviceID, logger)

	for key, value := range raw.ReadingsByTimestamp {
		timestamp, err := ParseTimestamp(key)
		if err != nil {
			return nil, err
		}

		var reading Reading
		if err := reading.UnmarshalJSON(value); err != nil {
			return nil, err
		}

		a.readings[instantOf(timestamp)] = reading
	}

	if len(raw.CumulativeCount) > 0 && string(raw.CumulativeCount) != "null" {
		count, err := parseIntField(raw.CumulativeCount, "cumulative_count")
		if err != nil {
			return nil, err
		}
		a.cumulativeCount = count
	}

	if raw.LatestTimestamp != nil {
		latest, err := ParseTimestamp(*raw.LatestTimestamp)
		if err != nil {
			return nil, err
		}
		key := instantOf(latest)
		a.latest = &key
	} else if len(a.readings) > 0 {
		return nil, validationErrorf("latest_timestamp", "latest_timestamp is required when readings are present")
	}

	return a, nil
}

// Restore reads a JSON document from r and reconstructs the Aggregator
func Restore(r io.Reader, logger *zap.SugaredLogger) (*Aggregator, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return Deserialize(data, logger)
}

func parseIntField(raw json.RawMessage, field string) (int64, error) {
	count, err := parseCount(raw)
	if err != nil {
		return 0, validationErrorf(field, "%s is not an integer", string(raw))
	}

	return count, nil
}

func formatInstant(i instant) string {
	return FormatTimestamp(time.Unix(i.sec, int64(i.nsec)))
}
