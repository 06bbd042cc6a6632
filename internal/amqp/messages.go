package amqp

import (
	"encoding/json"
	"time"
)

// Change operations carried by a ChangeEvent.
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"
)

// ChangeEvent is a lightweight notification that a server-side row changed.
// It carries only the identity; clients fetch the actual data through a
// pull, so a lost event costs nothing but latency until the next poll.
type ChangeEvent struct {
	Entity    string    `json:"entity"`
	ServerID  string    `json:"server_id"`
	Op        string    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChangeEvent(entity, serverID, op string) *ChangeEvent {
	return &ChangeEvent{
		Entity:    entity,
		ServerID:  serverID,
		Op:        op,
		Timestamp: time.Now(),
	}
}

func (m *ChangeEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ChangeEventFromJSON(data []byte) (*ChangeEvent, error) {
	var msg ChangeEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
