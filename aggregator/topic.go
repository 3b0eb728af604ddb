package aggregator

import (
	"fmt"
	"regexp"
)

var deviceTopicRegex = regexp.MustCompile(`^([^./\\]+)\..+$`)

// Topic represents an AMQP routing key of the form <device_id>.<kind>
type Topic struct {
	deviceRegex *regexp.Regexp

	Value string
}

// GetDeviceID returns the device identifier from the Topic value
func (t *Topic) GetDeviceID() (string, error) {
	matches := t.deviceRegex.FindStringSubmatch(t.Value)

	if matches == nil {
		return "", fmt.Errorf("Topic: '%s' does not match topic regex", t.Value)
	}

	if len(matches) < 2 || matches[1] == "" {
		return "", fmt.Errorf("Topic: device ID not found in topic")
	}

	return matches[1], nil
}

// NewTopic constructs a new Topic
func NewTopic(value string) *Topic {
	return &Topic{
		deviceRegex: deviceTopicRegex,
		Value:       value,
	}
}
