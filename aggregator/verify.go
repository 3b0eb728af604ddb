package aggregator

import (
	"fmt"
)

// Discrepancy describes a difference between stored and recomputed state
type Discrepancy struct {
	Field    string `json:"field"`
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: stored %s, computed %s", d.Field, d.Stored, d.Computed)
}

// Verify recomputes the cumulative count and latest timestamp from the
// stored readings and reports every mismatch. It does not modify state.
func (a *Aggregator) Verify() []Discrepancy {
	var discrepancies []Discrepancy

	var sum int64
	var latest *instant
	for key, reading := range a.readings {
		sum += reading.count

		k := key
		if latest == nil || k.after(*latest) {
			latest = &k
		}

		if instantOf(reading.timestamp) != key {
			discrepancies = append(discrepancies, Discrepancy{
				Field:    "readings_by_timestamp[" + formatInstant(key) + "]",
				Stored:   formatInstant(key),
				Computed: FormatTimestamp(reading.timestamp),
			})
		}
	}

	if sum != a.cumulativeCount {
		discrepancies = append(discrepancies, Discrepancy{
			Field:    "cumulative_count",
			Stored:   fmt.Sprint(a.cumulativeCount),
			Computed: fmt.Sprint(sum),
		})
	}

	if describeInstant(latest) != describeInstant(a.latest) {
		discrepancies = append(discrepancies, Discrepancy{
			Field:    "latest_timestamp",
			Stored:   describeInstant(a.latest),
			Computed: describeInstant(latest),
		})
	}

	return discrepancies
}

// Repair overwrites the cumulative count and latest timestamp with the
// values recomputed from the stored readings and returns what changed.
// Readings stored under a mismatching key are left in place.
func (a *Aggregator) Repair() []Discrepancy {
	discrepancies := a.Verify()

	var sum int64
	a.latest = nil
	for key, reading := range a.readings {
		sum += reading.count

		k := key
		if a.latest == nil || k.after(*a.latest) {
			a.latest = &k
		}
	}
	a.cumulativeCount = sum

	if len(discrepancies) > 0 {
		a.logger.Warnw("repaired aggregator state",
			"device_id", a.deviceID, "wall_time", a.now(), "discrepancies", len(discrepancies))
	}

	return discrepancies
}

func describeInstant(i *instant) string {
	if i == nil {
		return "<none>"
	}

	return formatInstant(*i)
}
