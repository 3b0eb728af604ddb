package aggregator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"
)

// CountPolicy decides whether negative counts are accepted
type CountPolicy string

const (
	// RejectNegativeCounts turns a negative count into a validation error
	RejectNegativeCounts CountPolicy = "reject"
	// AcceptNegativeCounts stores negative counts as given
	AcceptNegativeCounts CountPolicy = "accept"
)

// ParseCountPolicy parses a configured policy, defaulting to reject
func ParseCountPolicy(value string) (CountPolicy, error) {
	switch CountPolicy(strings.ToLower(value)) {
	case "", RejectNegativeCounts:
		return RejectNegativeCounts, nil
	case AcceptNegativeCounts:
		return AcceptNegativeCounts, nil
	default:
		return "", fmt.Errorf("unknown negative count policy %q", value)
	}
}

// Check validates the reading against the policy
func (p CountPolicy) Check(reading Reading) error {
	if p != AcceptNegativeCounts && reading.count < 0 {
		return validationErrorf("count", "count must not be negative, got %d", reading.count)
	}

	return nil
}

// Batch is a validated set of readings for one device
type Batch struct {
	DeviceID string
	Readings []Reading
}

type rawBatch struct {
	ID       *string         `json:"id"`
	Readings json.RawMessage `json:"readings"`
}

// DecodeBatch decodes {"id": ..., "readings": [...]} and validates every
// entry before returning, so a single bad entry rejects the whole batch.
func DecodeBatch(data []byte, policy CountPolicy) (Batch, error) {
	var raw rawBatch
	if err := json.Unmarshal(data, &raw); err != nil {
		return Batch{}, validationErrorf("body", "malformed JSON: %v", err)
	}

	batch := Batch{}
	if raw.ID != nil {
		batch.DeviceID = *raw.ID
	}

	readings, err := decodeReadings(raw.Readings, policy)
	if err != nil {
		return Batch{}, err
	}
	batch.Readings = readings

	return batch, nil
}

func decodeReadings(raw json.RawMessage, policy CountPolicy) ([]Reading, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if !strings.HasPrefix(trimmed, "[") {
		return nil, validationErrorf("", "readings must be an array")
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, validationErrorf("", "readings must be an array")
	}

	readings := make([]Reading, 0, len(entries))
	for i, entry := range entries {
		var reading Reading
		if err := reading.UnmarshalJSON(entry); err != nil {
			return nil, indexed(i, err)
		}

		if err := policy.Check(reading); err != nil {
			return nil, indexed(i, err)
		}

		readings = append(readings, reading)
	}

	return readings, nil
}

func indexed(i int, err error) error {
	var v *ValidationError
	if errors.As(err, &v) {
		field := fmt.Sprintf("readings[%d]", i)
		if v.Field != "" {
			field += "." + v.Field
		}

		return &ValidationError{Field: field, Message: v.Message}
	}

	return validationErrorf(fmt.Sprintf("readings[%d]", i), "%v", err)
}
