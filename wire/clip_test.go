package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClipSpeech(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"passes short text through", "hello", "hello"},
		{"trims surrounding whitespace", "  hello \n", "hello"},
		{"whitespace only becomes empty", " \t\n ", ""},
		{"truncates to the speech cap", strings.Repeat("a", 300), strings.Repeat("a", MaxSpeechLen)},
		{"counts runes not bytes", strings.Repeat("ü", 250), strings.Repeat("ü", MaxSpeechLen)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClipSpeech(tt.in))
		})
	}
}

func TestClipSpeechNeverExceedsCap(t *testing.T) {
	for _, in := range []string{"", "short", strings.Repeat("x", 199), strings.Repeat("x", 200), strings.Repeat("x", 5000)} {
		got := ClipSpeech(in)
		assert.LessOrEqual(t, len([]rune(got)), MaxSpeechLen)
	}
}

func TestClipMenuItem(t *testing.T) {
	t.Run("clips both fields", func(t *testing.T) {
		item, ok := ClipMenuItem(MenuItem{
			PluginID: "p1",
			ID:       "  " + strings.Repeat("i", 100),
			Label:    strings.Repeat("l", 100) + "  ",
		})
		assert.True(t, ok)
		assert.Equal(t, strings.Repeat("i", MaxMenuFieldLen), item.ID)
		assert.Equal(t, strings.Repeat("l", MaxMenuFieldLen), item.Label)
		assert.Equal(t, "p1", item.PluginID)
	})

	t.Run("rejects empty id after clipping", func(t *testing.T) {
		_, ok := ClipMenuItem(MenuItem{ID: "   ", Label: "fine"})
		assert.False(t, ok)
	})

	t.Run("rejects empty label after clipping", func(t *testing.T) {
		_, ok := ClipMenuItem(MenuItem{ID: "fine", Label: ""})
		assert.False(t, ok)
	})
}
