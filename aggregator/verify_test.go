package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inconsistentDocument = `{
	"device_id": "edited",
	"readings_by_timestamp": {
		"2024-01-01T00:00:00Z": {"timestamp": "2024-01-01T00:00:00Z", "count": 3},
		"2024-01-01T00:01:00Z": {"timestamp": "2024-01-01T00:01:00Z", "count": 4}
	},
	"cumulative_count": 100,
	"latest_timestamp": "2024-01-01T00:00:00Z"
}`

func TestVerifyConsistent(t *testing.T) {
	a := NewAggregator("dev", nil)
	a.AddReading(mustReading(t, "2024-01-01T00:00:00Z", 3))
	a.AddReading(mustReading(t, "2024-01-01T00:01:00Z", 4))

	assert.Empty(t, a.Verify())
	assert.Empty(t, a.Repair())
}

func TestVerifyReportsMismatches(t *testing.T) {
	a, err := Deserialize([]byte(inconsistentDocument), nil)
	require.NoError(t, err)

	discrepancies := a.Verify()
	require.Len(t, discrepancies, 2)

	byField := map[string]Discrepancy{}
	for _, d := range discrepancies {
		byField[d.Field] = d
	}

	assert.Equal(t, Discrepancy{Field: "cumulative_count", Stored: "100", Computed: "7"}, byField["cumulative_count"])
	assert.Equal(t, Discrepancy{
		Field:    "latest_timestamp",
		Stored:   "2024-01-01T00:00:00+00:00",
		Computed: "2024-01-01T00:01:00+00:00",
	}, byField["latest_timestamp"])

	// Verify never modifies state
	assert.Equal(t, int64(100), a.CumulativeCount())
}

func TestVerifyReportsMismatchedKeys(t *testing.T) {
	doc := `{
		"device_id": "edited",
		"readings_by_timestamp": {
			"2024-01-01T00:00:00Z": {"timestamp": "2024-01-01T00:05:00Z", "count": 3}
		},
		"cumulative_count": 3,
		"latest_timestamp": "2024-01-01T00:00:00Z"
	}`

	a, err := Deserialize([]byte(doc), nil)
	require.NoError(t, err)

	discrepancies := a.Verify()
	require.Len(t, discrepancies, 1)
	assert.Equal(t, "readings_by_timestamp[2024-01-01T00:00:00+00:00]", discrepancies[0].Field)
}

func TestRepair(t *testing.T) {
	a, err := Deserialize([]byte(inconsistentDocument), nil)
	require.NoError(t, err)

	assert.Len(t, a.Repair(), 2)
	assert.Equal(t, int64(7), a.CumulativeCount())

	latest, ok := a.LatestReading()
	require.True(t, ok)
	assert.Equal(t, int64(4), latest.Count())
	assert.Empty(t, a.Verify())
}

func TestRepairEmptyDropsLatest(t *testing.T) {
	a, err := Deserialize([]byte(`{"device_id":"d","readings_by_timestamp":{},"cumulative_count":5,"latest_timestamp":"2024-01-01T00:00:00Z"}`), nil)
	require.NoError(t, err)

	assert.Len(t, a.Repair(), 2)
	assert.Equal(t, int64(0), a.CumulativeCount())
	_, ok := a.LatestTimestamp()
	assert.False(t, ok)
}
