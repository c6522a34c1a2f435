// Package server defines the JSON envelope exchanged over WebSocket
// connections and helpers shared by the hub and its clients.
package server

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrUnknownEvent is returned for inbound events with no handler.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrBadPayload is returned when an inbound payload has the wrong shape.
	ErrBadPayload = errors.New("bad payload")
)

// Envelope is the frame format in both directions: a named event and its
// JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound is the encoding-side twin of Envelope carrying any payload.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeEvent(name string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Event: name, Data: payload})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
