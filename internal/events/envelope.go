package events

import (
	"encoding/json"
	"time"
)

type Envelope struct {
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func NewEnvelope(event Event) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventType:  event.EventType(),
		OccurredAt: time.Now(),
		Payload:    payload,
	}, nil
}
