package gateway

import (
	"slices"
	"strings"
)

// allowlist is every domain.service pair a command may invoke.
// Anything else is rejected before a request is built.
var allowlist = map[string]bool{
	"light.turn_on":  true,
	"light.turn_off": true,
	"light.toggle":   true,

	"switch.turn_on":  true,
	"switch.turn_off": true,
	"switch.toggle":   true,

	"climate.set_temperature": true,
	"climate.set_hvac_mode":   true,
	"climate.turn_on":         true,
	"climate.turn_off":        true,

	"cover.open_cover":         true,
	"cover.close_cover":        true,
	"cover.stop_cover":         true,
	"cover.set_cover_position": true,

	"fan.turn_on":        true,
	"fan.turn_off":       true,
	"fan.set_percentage": true,

	"media_player.media_play":  true,
	"media_player.media_pause": true,
	"media_player.volume_set":  true,
	"media_player.turn_off":    true,

	"scene.turn_on":  true,
	"script.turn_on": true,

	"automation.trigger":  true,
	"automation.turn_on":  true,
	"automation.turn_off": true,

	"input_boolean.turn_on":      true,
	"input_boolean.turn_off":     true,
	"input_number.set_value":     true,
	"input_select.select_option": true,
}

// Allowed reports whether domain.service may be invoked.
func Allowed(domain, service string) bool {
	return allowlist[strings.ToLower(domain)+"."+strings.ToLower(service)]
}

// Allowlist returns the permitted domain.service pairs, sorted.
func Allowlist() []string {
	out := make([]string, 0, len(allowlist))
	for k := range allowlist {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
