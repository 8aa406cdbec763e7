// ABOUTME: Message envelope shared by the one-shot and stream ingress surfaces.
// ABOUTME: Handles parsing, validation, and session key derivation.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalid indicates a malformed envelope. Callers match it with errors.Is.
var ErrInvalid = errors.New("invalid envelope")

// Envelope types. The same shape travels in both directions over the stream
// surface; Type distinguishes direction and kind.
const (
	TypeMessage = "message" // client -> gateway: route this payload
	TypeReceipt = "receipt" // gateway -> client: dispatch succeeded
	TypeError   = "error"   // gateway -> client: dispatch failed
	TypeEvent   = "event"   // gateway -> client: handler-originated push
)

// Envelope is a single message as received from an ingress surface.
// It is immutable once parsed; the original wire bytes are retained so
// the legacy bridge can forward the envelope verbatim.
type Envelope struct {
	// ID is an optional client-assigned identifier, used for duplicate
	// suppression on the stream surface.
	ID string `json:"id,omitempty"`

	// Type is one of the Type* constants.
	Type string `json:"type"`

	// Channel names the external messaging surface this message targets.
	Channel string `json:"channel"`

	// Conversation identifies the conversation on that channel. Together
	// with Channel it forms the session key.
	Conversation string `json:"conversation"`

	// Payload is an opaque structured value passed through to the handler.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is when the message was produced. Zero means "now" and is
	// filled in at parse time.
	Timestamp time.Time `json:"timestamp"`

	raw []byte
}

// Parse decodes and validates a wire envelope. All validation failures wrap
// ErrInvalid so the ingress can map them to a single error class.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	// Keep the wire bytes for verbatim bridge forwarding.
	env.raw = make([]byte, len(data))
	copy(env.raw, data)

	return &env, nil
}

func (e *Envelope) validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalid)
	}
	if e.Channel == "" {
		return fmt.Errorf("%w: missing channel", ErrInvalid)
	}
	if e.Conversation == "" {
		return fmt.Errorf("%w: missing conversation", ErrInvalid)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalid)
	}
	return nil
}

// SessionKey derives the stable session identity for this envelope from its
// addressing fields.
func (e *Envelope) SessionKey() string {
	return SessionKey(e.Channel, e.Conversation)
}

// SessionKey builds the deterministic session key for a channel and
// conversation identity. The derivation never changes for the lifetime of a
// conversation: routes are stored and looked up under this key.
func SessionKey(channel, conversation string) string {
	return channel + ":" + conversation
}

// Raw returns the original wire bytes the envelope was parsed from, or a
// fresh marshaling for envelopes constructed in-process.
func (e *Envelope) Raw() []byte {
	if e.raw != nil {
		return e.raw
	}
	data, err := json.Marshal(e)
	if err != nil {
		// Envelope fields are all marshalable; this cannot fail.
		panic(fmt.Sprintf("marshaling envelope: %v", err))
	}
	return data
}

// Event builds a server-push envelope for a handler-originated inbound
// message. The shape matches client envelopes with Type distinguishing
// direction.
func Event(channel, conversation string, payload []byte) *Envelope {
	return &Envelope{
		Type:         TypeEvent,
		Channel:      channel,
		Conversation: conversation,
		Payload:      json.RawMessage(payload),
		Timestamp:    time.Now().UTC(),
	}
}
