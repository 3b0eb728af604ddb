package api

import (
	"errors"
	"net/http"

	"github.com/segmentio/encoding/json"

	"github.com/raymondelooff/device-reading-aggregator/aggregator"
)

// Response is the body of status responses
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response with the given status code and payload
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may already be closed
		json.NewEncoder(w).Encode(v)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Status: "error", Message: message})
}

// statusOf maps domain errors onto HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, aggregator.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, aggregator.ErrNoReadings):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
