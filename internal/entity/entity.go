// Package entity defines the hub's entity data model shared by every component.
package entity

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ID is a domain-qualified entity identifier such as "light.kitchen".
type ID string

// Well-known primary states.
const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// ErrInvalidID is returned by Parse for identifiers without a domain prefix.
var ErrInvalidID = errors.New("invalid entity id")

// Parse validates s as "<domain>.<object_id>".
func Parse(s string) (ID, error) {
	domain, object, ok := strings.Cut(s, ".")
	if !ok || domain == "" || object == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(s), nil
}

// Domain returns the prefix before the first dot ("light" for "light.kitchen").
func (id ID) Domain() string {
	domain, _, _ := strings.Cut(string(id), ".")
	return domain
}

// ObjectID returns the part after the first dot.
func (id ID) ObjectID() string {
	_, object, _ := strings.Cut(string(id), ".")
	return object
}

func (id ID) String() string { return string(id) }

// State is the last known snapshot of one entity.
type State struct {
	ID          ID         `json:"entity_id"`
	State       string     `json:"state"`
	Attributes  Attributes `json:"attributes"`
	LastChanged time.Time  `json:"last_changed"`
	LastUpdated time.Time  `json:"last_updated"`
}

// Clone returns a deep copy so callers never share attribute maps with the store.
func (s State) Clone() State {
	s.Attributes = s.Attributes.Clone()
	return s
}

// Equal reports whether two snapshots carry the same state, attributes and timestamps.
func (s State) Equal(o State) bool {
	return s.ID == o.ID &&
		s.State == o.State &&
		s.LastChanged.Equal(o.LastChanged) &&
		s.LastUpdated.Equal(o.LastUpdated) &&
		s.Attributes.Equal(o.Attributes)
}

// Available reports whether the hub can currently reach the device.
func (s State) Available() bool {
	return s.State != StateUnavailable && s.State != ""
}

// IsOn reports whether the entity is in an active state. Climate entities are
// active in every hvac mode other than off.
func (s State) IsOn() bool {
	switch s.ID.Domain() {
	case "climate", "water_heater":
		return s.State != StateOff && s.Available() && s.State != StateUnknown
	case "cover":
		return s.State == "open" || s.State == "opening"
	case "lock":
		return s.State == "unlocked"
	default:
		return s.State == StateOn
	}
}

// FriendlyName returns the friendly_name attribute or a title-cased object id.
func (s State) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	words := strings.Fields(strings.ReplaceAll(s.ID.ObjectID(), "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToTitle(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// Attributes is the open attribute mapping of an entity.
type Attributes map[string]any

// Clone deep-copies nested maps and slices.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

// Equal compares attribute maps; nil and empty are equal.
func (a Attributes) Equal(o Attributes) bool {
	if len(a) == 0 && len(o) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]any(a), map[string]any(o))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Attributes(t).Clone())
	case Attributes:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []float64:
		return append([]float64(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Number reads a numeric attribute regardless of whether it was decoded from
// JSON (float64) or set locally (int).
func (a Attributes) Number(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Strings reads a string-list attribute.
func (a Attributes) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
