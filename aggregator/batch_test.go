package aggregator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatch(t *testing.T) {
	batch, err := DecodeBatch([]byte(`{"id":"dev1","readings":[
		{"timestamp":"2024-01-01T00:00:00Z","count":3},
		{"timestamp":"2024-01-01T01:01:00+01:00","count":4}
	]}`), RejectNegativeCounts)
	require.NoError(t, err)

	assert.Equal(t, "dev1", batch.DeviceID)
	require.Len(t, batch.Readings, 2)
	assert.Equal(t, "2024-01-01T00:01:00+00:00", FormatTimestamp(batch.Readings[1].Timestamp()))
}

func TestDecodeBatchWithoutReadings(t *testing.T) {
	for _, body := range []string{`{"id":"dev1"}`, `{"id":"dev1","readings":null}`, `{"id":"dev1","readings":[]}`} {
		batch, err := DecodeBatch([]byte(body), RejectNegativeCounts)
		require.NoError(t, err, body)
		assert.Empty(t, batch.Readings, body)
	}
}

func TestDecodeBatchReadingsNotAnArray(t *testing.T) {
	for _, body := range []string{
		`{"id":"dev1","readings":"not an array"}`,
		`{"id":"dev1","readings":{"timestamp":"2024-01-01T00:00:00Z","count":3}}`,
		`{"id":"dev1","readings":3}`,
	} {
		_, err := DecodeBatch([]byte(body), RejectNegativeCounts)
		require.Error(t, err, body)
		assert.True(t, errors.Is(err, ErrValidation))
		assert.Equal(t, "readings must be an array", err.Error())
	}
}

func TestDecodeBatchRejectsWholeBatch(t *testing.T) {
	_, err := DecodeBatch([]byte(`{"id":"dev1","readings":[
		{"timestamp":"2024-01-01T00:00:00Z","count":3},
		{"timestamp":"not a timestamp","count":4}
	]}`), RejectNegativeCounts)

	var v *ValidationError
	require.True(t, errors.As(err, &v))
	assert.Equal(t, "readings[1].timestamp", v.Field)
}

func TestDecodeBatchMalformedJSON(t *testing.T) {
	_, err := DecodeBatch([]byte(`{"id":`), RejectNegativeCounts)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCountPolicy(t *testing.T) {
	body := []byte(`{"id":"dev1","readings":[{"timestamp":"2024-01-01T00:00:00Z","count":-3}]}`)

	_, err := DecodeBatch(body, RejectNegativeCounts)
	assert.True(t, errors.Is(err, ErrValidation))

	batch, err := DecodeBatch(body, AcceptNegativeCounts)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), batch.Readings[0].Count())
}

func TestParseCountPolicy(t *testing.T) {
	p, err := ParseCountPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RejectNegativeCounts, p)

	p, err = ParseCountPolicy("ACCEPT")
	require.NoError(t, err)
	assert.Equal(t, AcceptNegativeCounts, p)

	_, err = ParseCountPolicy("clamp")
	assert.Error(t, err)
}
