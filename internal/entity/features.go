package entity

import (
	"math"
	"slices"
)

// supported_features bit for dimmable lights (legacy SUPPORT_BRIGHTNESS).
const featureBrightness = 1

var colorModes = []string{"hs", "rgb", "rgbw", "rgbww", "xy"}

// Brightness returns the 0-255 brightness attribute.
func (s State) Brightness() (int, bool) {
	v, ok := s.Attributes.Number("brightness")
	if !ok {
		return 0, false
	}
	return int(math.Round(v)), true
}

// BrightnessPercent converts the 0-255 brightness to a rounded percentage.
func (s State) BrightnessPercent() (int, bool) {
	b, ok := s.Brightness()
	if !ok {
		return 0, false
	}
	return PercentFromBrightness(b), true
}

// PercentFromBrightness maps 0-255 to 0-100.
func PercentFromBrightness(b int) int {
	return int(math.Round(float64(b) / 255 * 100))
}

// BrightnessFromPercent maps 0-100 to 0-255.
func BrightnessFromPercent(p int) int {
	return int(math.Round(float64(p) * 255 / 100))
}

// SupportsBrightness reports whether the light can be dimmed.
func (s State) SupportsBrightness() bool {
	if f, ok := s.Attributes.Number("supported_features"); ok && int(f)&featureBrightness != 0 {
		return true
	}
	for _, m := range s.Attributes.Strings("supported_color_modes") {
		if m != "onoff" {
			return true
		}
	}
	return false
}

// SupportsColor reports whether the light accepts hs, rgb or xy colors.
func (s State) SupportsColor() bool {
	for _, m := range s.Attributes.Strings("supported_color_modes") {
		if slices.Contains(colorModes, m) {
			return true
		}
	}
	return false
}

// Features lists capability tags used by the dashboard to pick controls.
func (s State) Features() []string {
	var out []string
	if s.SupportsBrightness() {
		out = append(out, "brightness")
	}
	if s.SupportsColor() {
		out = append(out, "color")
	}
	if dc, ok := s.Attributes["device_class"].(string); ok && dc != "" {
		out = append(out, dc)
	}
	return out
}
