package antigravity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapModel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4-5-thinking"},
		{"claude-3-5-sonnet-20241022", "claude-sonnet-4-5"},
		{"claude-opus-4-5-20251101", "claude-opus-4-5-thinking"},
		{"claude-3-5-haiku-20241022", "gemini-2.5-flash-lite"},
		{"gemini-3-pro-preview", "gemini-3-pro-preview"},
		{"gemini-9-experimental", "gemini-9-experimental"},
		{"totally-unknown-model", DefaultModel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapModel(tt.in), "input %q", tt.in)
	}
}

func TestSupportsThinking(t *testing.T) {
	assert.True(t, SupportsThinking("claude-sonnet-4-5-thinking"))
	assert.True(t, SupportsThinking("claude-sonnet-4-5"))
	assert.True(t, SupportsThinking("gemini-2.5-flash-thinking"))
	assert.False(t, SupportsThinking("gemini-2.5-flash-lite"))
}

func TestModelFamily(t *testing.T) {
	assert.Equal(t, "gemini-2.5", ModelFamily("gemini-2.5-flash-lite"))
	assert.Equal(t, "gemini-3", ModelFamily("gemini-3-pro-preview"))
	assert.Equal(t, "claude-sonnet-4", ModelFamily("claude-sonnet-4-5-thinking"))
	assert.Equal(t, "claude-opus-4", ModelFamily("claude-opus-4-5-thinking"))
}

func TestIsModelCompatible(t *testing.T) {
	assert.True(t, IsModelCompatible("", "gemini-3-pro"))
	assert.True(t, IsModelCompatible("gemini-3", "gemini-3-pro-high"))
	assert.False(t, IsModelCompatible("gemini-2.5", "gemini-3-pro"))
}

func TestThinkingBudgetRange(t *testing.T) {
	min, max := ThinkingBudgetRange("gemini-2.5-flash-thinking")
	assert.Equal(t, 1, min)
	assert.Equal(t, 24576, max)

	min, max = ThinkingBudgetRange("gemini-3-pro")
	assert.Equal(t, 128, min)
	assert.Equal(t, 32768, max)

	min, max = ThinkingBudgetRange("claude-sonnet-4-5-thinking")
	assert.Equal(t, 1024, min)
	assert.Equal(t, 32000, max)
}
