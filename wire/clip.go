package wire

import "strings"

// UI-bound payload ceilings. The sandbox clips before emitting and the
// supervisor clips again on receipt, so a misbehaving host cannot push
// oversized payloads into the presentation layer.
const (
	// MaxSpeechLen caps say and suggestion text, in runes.
	MaxSpeechLen = 200

	// MaxMenuFieldLen caps menu item ids and labels, in runes.
	MaxMenuFieldLen = 80

	// MaxMenuItems caps the number of concurrently registered menu items
	// per plugin.
	MaxMenuItems = 10
)

// Clip trims surrounding whitespace and truncates s to max runes.
func Clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// ClipSpeech normalizes say/suggestion text. The empty result means the
// text was blank and must be dropped rather than emitted.
func ClipSpeech(s string) string {
	return Clip(s, MaxSpeechLen)
}

// ClipMenuField normalizes a menu item id or label.
func ClipMenuField(s string) string {
	return Clip(s, MaxMenuFieldLen)
}

// ClipMenuItem normalizes both fields of item. ok is false when either
// field is empty after clipping, in which case the item must be ignored.
func ClipMenuItem(item MenuItem) (_ MenuItem, ok bool) {
	item.ID = ClipMenuField(item.ID)
	item.Label = ClipMenuField(item.Label)
	if item.ID == "" || item.Label == "" {
		return item, false
	}
	return item, true
}
