// Package protocol defines the websocket event envelope and payload types.
//
// Every frame is a JSON text message {"event": <name>, "data": <payload>}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize is the maximum inbound frame size (64KB).
const MaxMessageSize = 65536

var ErrEmptyEvent = errors.New("protocol: missing event name")

// Envelope is the frame wrapping every event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event and its payload into a frame.
func Encode(event string, data any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", event, err)
		}
		raw = b
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(frame) > MaxMessageSize {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(frame))
	}
	return frame, nil
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) > MaxMessageSize {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(frame))
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	return env, nil
}

// DecodeData unmarshals the payload of an envelope into T.
func DecodeData[T any](env *Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, fmt.Errorf("protocol: %s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("protocol: %s: %w", env.Event, err)
	}
	return out, nil
}
