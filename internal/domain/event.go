package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// EventID identifies a stored event
type EventID string

// String returns the string representation
func (id EventID) String() string {
	return string(id)
}

// eventTypeRegex allows dotted, URL-safe type names such as "order.created"
var eventTypeRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// ValidateEventType checks that an event type is non-empty and URL-safe
func ValidateEventType(t string) error {
	if len(t) == 0 {
		return fmt.Errorf("event type cannot be empty")
	}
	if len(t) > 128 {
		return fmt.Errorf("event type cannot exceed 128 characters")
	}
	if !eventTypeRegex.MatchString(t) {
		return fmt.Errorf("event type %q contains invalid characters", t)
	}
	return nil
}

// Event is a message consumed from the external stream
type Event struct {
	ID         EventID         `json:"id"`
	Stream     string          `json:"stream"`
	MessageID  string          `json:"message_id"` // stream entry id, unique per stream
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// NewEvent builds an event with a fresh ID. The payload must be valid JSON.
func NewEvent(stream, messageID, eventType string, payload []byte, receivedAt time.Time) (*Event, error) {
	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("event payload is not valid JSON")
	}

	return &Event{
		ID:         EventID(uuid.NewString()),
		Stream:     stream,
		MessageID:  messageID,
		Type:       eventType,
		Payload:    json.RawMessage(payload),
		ReceivedAt: receivedAt.UTC(),
	}, nil
}
