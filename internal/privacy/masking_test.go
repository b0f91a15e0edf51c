package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskContent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"short", "hey", "***"},
		{"exactly preview length", "abcd", "****"},
		{"long", "hello there", "hell…(11 chars)"},
		{"multibyte", "héllo wörld", "héll…(11 chars)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskContent(tt.input))
		})
	}
}

func TestMaskClientID(t *testing.T) {
	assert.Equal(t, "", MaskClientID(""))
	assert.Equal(t, "local_****c1d9e8b7", MaskClientID("local_0192f6a0-7c1e-7d3a-9b2f-3fa2c1d9e8b7"))
	assert.Equal(t, "local_***", MaskClientID("local_abc"))
	assert.Equal(t, "**12345678", MaskClientID("xx12345678"))
}

func TestMaskIdentifiers(t *testing.T) {
	assert.Equal(t, "*******3456", MaskConversationID("conv-123456"))
	assert.Equal(t, "***", MaskConversationID("c12"))
	assert.Equal(t, "******3456", MaskUserID("user123456"))
	assert.Equal(t, "****abcdefgh", MaskMessageID("1234abcdefgh"))
	assert.Equal(t, "", MaskMessageID(""))
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/…", MaskURL("https://cdn.example.com/u/42/photo.jpg?sig=abc"))
	assert.Equal(t, "", MaskURL(""))
	assert.Equal(t, "*****.jpg", MaskURL("photo.jpg"))
}

func TestMaskSensitiveFields(t *testing.T) {
	assert.Nil(t, MaskSensitiveFields(nil))

	masked := MaskSensitiveFields(map[string]interface{}{
		"content":         "hello there",
		"conversation_id": "conv-123456",
		"client_id":       "local_0192f6a0-7c1e-7d3a-9b2f-3fa2c1d9e8b7",
		"media_url":       "https://cdn.example.com/a.png",
		"attempt":         2,
		"component":       "queue",
	})

	assert.Equal(t, "hell…(11 chars)", masked["content"])
	assert.Equal(t, "*******3456", masked["conversation_id"])
	assert.Equal(t, "local_****c1d9e8b7", masked["client_id"])
	assert.Equal(t, "https://cdn.example.com/…", masked["media_url"])
	assert.Equal(t, 2, masked["attempt"])
	assert.Equal(t, "queue", masked["component"])
}
