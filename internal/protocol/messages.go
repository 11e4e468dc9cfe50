// Package protocol defines the push-channel messages exchanged with the hub and the
// WebSocket messages sent to dashboard browsers.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/markus-barta/homedash/internal/entity"
)

// Message types (hub → homedash)
const (
	TypeAuthRequired = "auth_required"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeResult       = "result"
	TypeEvent        = "event"
	TypePong         = "pong"
)

// Message types (homedash → hub)
const (
	TypeAuth            = "auth"
	TypeSubscribeEvents = "subscribe_events"
)

// EventStateChanged is the only hub event type the core subscribes to.
const EventStateChanged = "state_changed"

// AuthMessage is sent immediately after the socket opens.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// NewAuth builds the auth message for the given bearer token.
func NewAuth(token string) AuthMessage {
	return AuthMessage{Type: TypeAuth, AccessToken: token}
}

// SubscribeEventsMessage asks the hub to stream one event type.
type SubscribeEventsMessage struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

// NewSubscribeStateChanged builds the state_changed subscription request.
func NewSubscribeStateChanged(id int) SubscribeEventsMessage {
	return SubscribeEventsMessage{ID: id, Type: TypeSubscribeEvents, EventType: EventStateChanged}
}

// Inbound is any frame received from the hub. Fields not used by a given type stay zero.
type Inbound struct {
	ID        int        `json:"id,omitempty"`
	Type      string     `json:"type"`
	HAVersion string     `json:"ha_version,omitempty"`
	Message   string     `json:"message,omitempty"` // auth_invalid reason
	Success   *bool      `json:"success,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Event     *Event     `json:"event,omitempty"`
}

// ErrorInfo is the error block of a failed result.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is the event block of an "event" frame.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
	Origin    string          `json:"origin,omitempty"`
}

// StateChangedData is the payload of a state_changed event. NewState is nil when
// the entity was removed from the hub.
type StateChangedData struct {
	EntityID entity.ID     `json:"entity_id"`
	OldState *entity.State `json:"old_state"`
	NewState *entity.State `json:"new_state"`
}

// ParseStateChanged decodes the data block of a state_changed event.
func (e *Event) ParseStateChanged() (StateChangedData, error) {
	var data StateChangedData
	err := json.Unmarshal(e.Data, &data)
	return data, err
}

// Timestamp returns the best available time for ordering this change against local
// writes: time_fired, then new_state.last_updated.
func (d StateChangedData) Timestamp(fired time.Time) time.Time {
	if !fired.IsZero() {
		return fired
	}
	if d.NewState != nil {
		return d.NewState.LastUpdated
	}
	return time.Time{}
}
