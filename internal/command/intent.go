// Package command turns user intents into hub control requests with optimistic
// local updates, debouncing and rollback on failure.
package command

import (
	"time"

	"github.com/markus-barta/homedash/internal/entity"
)

// Kind names an intent type. It is also half of the debounce key.
type Kind string

const (
	KindToggle     Kind = "toggle"
	KindPress      Kind = "press"
	KindSetLevel   Kind = "set_level"
	KindSetColor   Kind = "set_color"
	KindSetClimate Kind = "set_climate"
)

// Intent is one user-facing command.
type Intent interface {
	Target() entity.ID
	Kind() Kind
}

// Toggle flips a boolean-like entity.
type Toggle struct {
	ID entity.ID
}

func (t Toggle) Target() entity.ID { return t.ID }
func (t Toggle) Kind() Kind        { return KindToggle }

// Press triggers a stateless actuator (button, scene, script).
type Press struct {
	ID entity.ID
}

func (p Press) Target() entity.ID { return p.ID }
func (p Press) Kind() Kind        { return KindPress }

// SetLevel sets brightness, fan speed or cover position in percent.
type SetLevel struct {
	ID      entity.ID
	Percent int
}

func (s SetLevel) Target() entity.ID { return s.ID }
func (s SetLevel) Kind() Kind        { return KindSetLevel }

// Color is either a hue/saturation pair or an RGB triple.
type Color struct {
	HS  *[2]float64 `json:"hs,omitempty"`
	RGB *[3]int     `json:"rgb,omitempty"`
}

// SetColor sets a light's color.
type SetColor struct {
	ID    entity.ID
	Color Color
}

func (s SetColor) Target() entity.ID { return s.ID }
func (s SetColor) Kind() Kind        { return KindSetColor }

// SetClimate changes any of a thermostat's mode and targets. Nil fields are left alone.
type SetClimate struct {
	ID         entity.ID
	Mode       *string
	TargetTemp *float64
	TargetLow  *float64
	TargetHigh *float64
}

func (s SetClimate) Target() entity.ID { return s.ID }
func (s SetClimate) Kind() Kind        { return KindSetClimate }

// Status is the outcome class of a dispatch.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusScheduled means the optimistic patch is applied and the request will
	// be sent once the debounce window closes.
	StatusScheduled Status = "scheduled"
	// StatusCoalesced is the final status of a scheduled command replaced by a
	// later one for the same entity before its window closed.
	StatusCoalesced Status = "coalesced"
)

// Failure reasons.
const (
	ReasonOffline       = "offline"
	ReasonUnknownEntity = "unknown_entity"
	ReasonUnavailable   = "unavailable"
	ReasonUnsupported   = "unsupported"
	ReasonInvalid       = "invalid"
	ReasonRequestFailed = "request_failed"
	ReasonAuth          = "auth"
)

// Failure is a command that did not take effect. It is returned as a value,
// never raised.
type Failure struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Reason
	}
	return f.Reason + ": " + f.Message
}

func fail(reason, msg string) *Failure {
	return &Failure{Reason: reason, Message: msg}
}

// Result is what Dispatch returns.
type Result struct {
	CommandID string    `json:"command_id"`
	EntityID  entity.ID `json:"entity_id"`
	Kind      Kind      `json:"kind"`
	Action    string    `json:"action,omitempty"`
	Status    Status    `json:"status"`
	Failure   *Failure  `json:"failure,omitempty"`
	At        time.Time `json:"at"`
}

// OK reports whether the command was accepted.
func (r Result) OK() bool {
	return r.Status != StatusFailed
}
