package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is an external notification (new email, calendar change, CRM update).
// It is never persisted by the agent.
type Event struct {
	ID        string
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

func NewEvent(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
