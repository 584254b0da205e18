// Package protocol defines the JSON messages exchanged on the link. Every frame is an
// Envelope whose Class selects the body schema; bodies are validated when decoded and
// anything malformed collapses to ErrInvalidData.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/lowaak/smart-trainer/lift-sync/internal/codec"
)

// ErrInvalidData is shared with the codec so callers match one variant for every malformed payload
var ErrInvalidData = codec.ErrInvalidData

// Class is the message class of an envelope
type Class string

const (
	ClassCommand   Class = "command"   // reliable, answered by a reply with the same id
	ClassReply     Class = "reply"     // answer to a command or acknowledgement of a fragment
	ClassControl   Class = "control"   // reliable, unanswered
	ClassTelemetry Class = "telemetry" // best effort
	ClassFragment  Class = "fragment"  // one piece of a bulk transfer
)

// Envelope wraps every frame on the link
type Envelope struct {
	Class Class           `json:"class"`
	ID    string          `json:"id,omitempty"`
	Body  json.RawMessage `json:"body"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidData)
}

// EncodeEnvelope marshals body into an envelope frame
func EncodeEnvelope(class Class, id string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, invalid("marshal %s body: %v", class, err)
	}
	return json.Marshal(Envelope{Class: class, ID: id, Body: raw})
}

// DecodeEnvelope parses a frame and checks the class and id
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, invalid("envelope: %v", err)
	}
	switch env.Class {
	case ClassCommand, ClassReply, ClassFragment:
		if env.ID == "" {
			return Envelope{}, invalid("%s envelope without id", env.Class)
		}
	case ClassControl, ClassTelemetry:
	default:
		return Envelope{}, invalid("unknown class %q", env.Class)
	}
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return Envelope{}, invalid("%s envelope without body", env.Class)
	}
	return env, nil
}
