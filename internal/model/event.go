package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventStatus EventType = "status"
	EventItem   EventType = "item"
)

// Payload is the sealed variant carried by an Event. Implementations are
// StatusPayload and ItemPayload; consumers handle them with a type switch.
type Payload interface {
	eventType() EventType
}

// StatusPayload carries a full task snapshot, progress ticks included.
type StatusPayload struct {
	Task Task `json:"task"`
}

func (StatusPayload) eventType() EventType { return EventStatus }

// ItemPayload carries a partial record, merged by key.
type ItemPayload struct {
	Key        string     `json:"key"`
	Hint       string     `json:"hint,omitempty"`
	Attributes Attributes `json:"attributes"`
}

func (ItemPayload) eventType() EventType { return EventItem }

// Event is immutable once appended. ID is strictly increasing inside a
// Generation and starts again at 1 when the generation changes.
type Event struct {
	Generation uint64
	ID         uint64
	Timestamp  time.Time
	Payload    Payload
}

func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.eventType()
}

type eventJSON struct {
	Generation uint64          `json:"generation"`
	ID         uint64          `json:"id"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"ts"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Generation: e.Generation,
		ID:         e.ID,
		Type:       e.Type(),
		Payload:    raw,
		Timestamp:  e.Timestamp,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var payload Payload
	switch w.Type {
	case EventStatus:
		var p StatusPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decoding status payload: %w", err)
		}
		payload = p
	case EventItem:
		var p ItemPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decoding item payload: %w", err)
		}
		payload = p
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	*e = Event{
		Generation: w.Generation,
		ID:         w.ID,
		Timestamp:  w.Timestamp,
		Payload:    payload,
	}
	return nil
}
