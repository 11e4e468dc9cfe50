package command

import (
	"fmt"
	"slices"

	"github.com/markus-barta/homedash/internal/entity"
	"github.com/markus-barta/homedash/internal/store"
)

// plan is one resolved control request plus its optimistic patch.
type plan struct {
	domain  string
	service string
	data    map[string]any
	patch   store.Patch
	// optimistic is false for stateless actuators; no pending write is created.
	optimistic bool
}

func (p plan) action() string {
	return p.domain + "." + p.service
}

// onOffDomains accept turn_on/turn_off and report "on"/"off".
var onOffDomains = []string{
	"light", "switch", "fan", "input_boolean", "automation",
	"humidifier", "siren", "media_player", "remote", "group",
}

func strPtr(s string) *string { return &s }

func planFor(in Intent, cur entity.State) (plan, *Failure) {
	if !cur.Available() {
		return plan{}, fail(ReasonUnavailable, fmt.Sprintf("%s is %s", cur.ID, cur.State))
	}

	switch in := in.(type) {
	case Toggle:
		return planToggle(cur)
	case Press:
		return planPress(cur)
	case SetLevel:
		return planLevel(cur, in.Percent)
	case SetColor:
		return planColor(cur, in.Color)
	case SetClimate:
		return planClimate(cur, in)
	default:
		return plan{}, fail(ReasonInvalid, fmt.Sprintf("unknown intent %T", in))
	}
}

func planToggle(cur entity.State) (plan, *Failure) {
	domain := cur.ID.Domain()

	switch {
	case slices.Contains(onOffDomains, domain):
		if cur.IsOn() {
			return switchPlan(domain, "turn_off", entity.StateOff), nil
		}
		return switchPlan(domain, "turn_on", entity.StateOn), nil

	case domain == "climate":
		if cur.IsOn() {
			return switchPlan(domain, "turn_off", entity.StateOff), nil
		}
		return switchPlan(domain, "turn_on", resumeMode(cur)), nil

	case domain == "lock":
		if cur.IsOn() {
			return switchPlan(domain, "lock", "locked"), nil
		}
		return switchPlan(domain, "unlock", "unlocked"), nil

	case domain == "cover":
		if cur.IsOn() {
			return switchPlan(domain, "close_cover", "closed"), nil
		}
		return switchPlan(domain, "open_cover", "open"), nil

	case domain == "button", domain == "input_button", domain == "scene", domain == "script":
		return planPress(cur)
	}

	return plan{}, fail(ReasonUnsupported, fmt.Sprintf("%s cannot be toggled", domain))
}

func switchPlan(domain, service, state string) plan {
	return plan{
		domain:     domain,
		service:    service,
		patch:      store.Patch{State: strPtr(state)},
		optimistic: true,
	}
}

// resumeMode guesses which hvac mode turn_on will restore.
func resumeMode(cur entity.State) string {
	for _, m := range cur.Attributes.Strings("hvac_modes") {
		if m != entity.StateOff {
			return m
		}
	}
	return "heat"
}

func planPress(cur entity.State) (plan, *Failure) {
	switch domain := cur.ID.Domain(); domain {
	case "button", "input_button":
		return plan{domain: domain, service: "press"}, nil
	case "scene", "script":
		return plan{domain: domain, service: "turn_on"}, nil
	default:
		return plan{}, fail(ReasonUnsupported, fmt.Sprintf("%s cannot be pressed", domain))
	}
}

func planLevel(cur entity.State, pct int) (plan, *Failure) {
	if pct < 0 || pct > 100 {
		return plan{}, fail(ReasonInvalid, fmt.Sprintf("level %d out of range 0-100", pct))
	}

	switch domain := cur.ID.Domain(); domain {
	case "light":
		if !cur.SupportsBrightness() {
			return plan{}, fail(ReasonUnsupported, fmt.Sprintf("%s does not support brightness", cur.ID))
		}
		if pct == 0 {
			return switchPlan(domain, "turn_off", entity.StateOff), nil
		}
		return plan{
			domain:  domain,
			service: "turn_on",
			data:    map[string]any{"brightness_pct": pct},
			patch: store.Patch{
				State:      strPtr(entity.StateOn),
				Attributes: entity.Attributes{"brightness": entity.BrightnessFromPercent(pct)},
			},
			optimistic: true,
		}, nil

	case "fan":
		state := entity.StateOn
		if pct == 0 {
			state = entity.StateOff
		}
		return plan{
			domain:     domain,
			service:    "set_percentage",
			data:       map[string]any{"percentage": pct},
			patch:      store.Patch{State: strPtr(state), Attributes: entity.Attributes{"percentage": pct}},
			optimistic: true,
		}, nil

	case "cover":
		state := "open"
		if pct == 0 {
			state = "closed"
		}
		return plan{
			domain:     domain,
			service:    "set_cover_position",
			data:       map[string]any{"position": pct},
			patch:      store.Patch{State: strPtr(state), Attributes: entity.Attributes{"current_position": pct}},
			optimistic: true,
		}, nil

	default:
		return plan{}, fail(ReasonUnsupported, fmt.Sprintf("%s has no level", domain))
	}
}

func planColor(cur entity.State, c Color) (plan, *Failure) {
	if cur.ID.Domain() != "light" || !cur.SupportsColor() {
		return plan{}, fail(ReasonUnsupported, fmt.Sprintf("%s does not support color", cur.ID))
	}

	p := plan{
		domain:     "light",
		service:    "turn_on",
		patch:      store.Patch{State: strPtr(entity.StateOn)},
		optimistic: true,
	}

	switch {
	case c.HS != nil && c.RGB == nil:
		h, s := c.HS[0], c.HS[1]
		if h < 0 || h > 360 || s < 0 || s > 100 {
			return plan{}, fail(ReasonInvalid, fmt.Sprintf("hs color %v out of range", *c.HS))
		}
		p.data = map[string]any{"hs_color": []float64{h, s}}
		p.patch.Attributes = entity.Attributes{"hs_color": []any{h, s}, "color_mode": "hs"}
	case c.RGB != nil && c.HS == nil:
		for _, v := range c.RGB {
			if v < 0 || v > 255 {
				return plan{}, fail(ReasonInvalid, fmt.Sprintf("rgb color %v out of range", *c.RGB))
			}
		}
		p.data = map[string]any{"rgb_color": []int{c.RGB[0], c.RGB[1], c.RGB[2]}}
		p.patch.Attributes = entity.Attributes{
			"rgb_color":  []any{c.RGB[0], c.RGB[1], c.RGB[2]},
			"color_mode": "rgb",
		}
	default:
		return plan{}, fail(ReasonInvalid, "exactly one of hs or rgb is required")
	}
	return p, nil
}

func planClimate(cur entity.State, in SetClimate) (plan, *Failure) {
	if cur.ID.Domain() != "climate" {
		return plan{}, fail(ReasonUnsupported, fmt.Sprintf("%s is not a climate entity", cur.ID))
	}
	if in.Mode == nil && in.TargetTemp == nil && in.TargetLow == nil && in.TargetHigh == nil {
		return plan{}, fail(ReasonInvalid, "no climate fields given")
	}
	if in.Mode != nil {
		if modes := cur.Attributes.Strings("hvac_modes"); len(modes) > 0 && !slices.Contains(modes, *in.Mode) {
			return plan{}, fail(ReasonUnsupported, fmt.Sprintf("hvac mode %q not in %v", *in.Mode, modes))
		}
	}
	if in.TargetLow != nil && in.TargetHigh != nil && *in.TargetLow > *in.TargetHigh {
		return plan{}, fail(ReasonInvalid, "target_temp_low is above target_temp_high")
	}

	p := plan{domain: "climate", data: map[string]any{}, optimistic: true}
	attrs := entity.Attributes{}

	if in.TargetTemp == nil && in.TargetLow == nil && in.TargetHigh == nil {
		p.service = "set_hvac_mode"
	} else {
		p.service = "set_temperature"
	}

	if in.Mode != nil {
		p.data["hvac_mode"] = *in.Mode
		p.patch.State = strPtr(*in.Mode)
	}
	if in.TargetTemp != nil {
		p.data["temperature"] = *in.TargetTemp
		attrs["temperature"] = *in.TargetTemp
	}
	if in.TargetLow != nil {
		p.data["target_temp_low"] = *in.TargetLow
		attrs["target_temp_low"] = *in.TargetLow
	}
	if in.TargetHigh != nil {
		p.data["target_temp_high"] = *in.TargetHigh
		attrs["target_temp_high"] = *in.TargetHigh
	}
	if len(attrs) > 0 {
		p.patch.Attributes = attrs
	}
	return p, nil
}
