package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicGetDeviceID(t *testing.T) {
	id, err := NewTopic("dev1.readings").GetDeviceID()
	require.NoError(t, err)
	assert.Equal(t, "dev1", id)

	id, err = NewTopic("3f1c2d9e-7b1a-4f5e-9c1d-2a3b4c5d6e7f.readings.batch").GetDeviceID()
	require.NoError(t, err)
	assert.Equal(t, "3f1c2d9e-7b1a-4f5e-9c1d-2a3b4c5d6e7f", id)
}

func TestTopicWithoutDevice(t *testing.T) {
	for _, value := range []string{"", "readings", ".readings", "dev1.", "a/b.readings"} {
		_, err := NewTopic(value).GetDeviceID()
		assert.Error(t, err, value)
	}
}
