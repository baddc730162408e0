package events

import (
	"encoding/json"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// BaseEvent carries the fields shared by every event on the wire.
type BaseEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID: NewID("evt_"),
		Type:    eventType,
	}
}

// NewID returns a prefixed random identifier, e.g. "item_V1StGXR8Z5jdHi6B".
func NewID(prefix string) string {
	id, err := nanoid.New()
	if err != nil {
		panic(err)
	}
	return prefix + id
}

func Parse[T any](data []byte) (*T, error) {
	var x T
	if err := json.Unmarshal(data, &x); err != nil {
		return nil, err
	}
	return &x, nil
}
