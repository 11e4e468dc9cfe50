package protocol

import "encoding/json"

// Envelope wraps every message on the dashboard's browser socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope creates an envelope with the given type and payload.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (e *Envelope) ParsePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Browser message types (browser → dashboard)
const (
	TypeBrowserSubscribe   = "subscribe"
	TypeBrowserUnsubscribe = "unsubscribe"
)

// Browser message types (dashboard → browser)
const (
	TypeSnapshot      = "snapshot"
	TypeEntityUpdate  = "entity_update"
	TypeEntityRemoved = "entity_removed"
	TypeConnection    = "connection"
	TypeCommandResult = "command_result"
)

// BrowserSubscribePayload narrows a browser's updates. Empty EntityIDs and
// Domains mean "all entities".
type BrowserSubscribePayload struct {
	EntityIDs []string `json:"entity_ids"`
	Domains   []string `json:"domains"`
}

// EntityRemovedPayload tells browsers an entity disappeared from the hub.
type EntityRemovedPayload struct {
	EntityID string `json:"entity_id"`
}

// ConnectionPayload mirrors the push-channel session state for the offline indicator.
type ConnectionPayload struct {
	State  string `json:"state"`
	Online bool   `json:"online"`
}
