package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokensCharRatio(t *testing.T) {
	req := &Request{Messages: []Message{{Role: "user", Content: strings.Repeat("a", 35)}}}
	// ceil(35/3.5) + the per-message overhead.
	assert.Equal(t, 10+perMessageOverhead, EstimateTokens(req))
}

func TestEstimateTokensOverheads(t *testing.T) {
	req := &Request{
		System: "sys",
		Messages: []Message{
			{Role: "assistant", Content: []ContentBlock{
				{Type: BlockThinking, Thinking: "deep", Signature: "sig"},
				{Type: BlockToolUse, ID: "toolu_01", Name: "Bash", Input: map[string]interface{}{"command": "ls"}},
			}},
			{Role: "user", Content: []ContentBlock{
				{Type: BlockToolResult, ToolUseID: "toolu_01", Content: "ok"},
			}},
		},
	}

	total := EstimateTokens(req)
	// At minimum both message overheads plus the per-block fixed costs.
	assert.Greater(t, total, 2*perMessageOverhead+signatureOverhead+toolCallOverhead+toolResultOverhead)

	// The signature overhead only applies to signed thinking.
	req.Messages[0].Content = []ContentBlock{{Type: BlockThinking, Thinking: "deep"}}
	assert.Less(t, EstimateTokens(req), total)
}

func TestContextWindow(t *testing.T) {
	assert.Equal(t, 1_000_000, ContextWindow("gemini-3-pro-preview"))
	assert.Equal(t, 1_000_000, ContextWindow("gemini-2.5-flash-lite"))
	assert.Equal(t, 200_000, ContextWindow("claude-sonnet-4-5-thinking"))
	assert.Equal(t, 200_000, ContextWindow("gemini-2.5-pro"))
}

func TestDecidePressure(t *testing.T) {
	assert.Equal(t, PressureNone, DecidePressure(50_000, 200_000))
	assert.Equal(t, PressureSoft, DecidePressure(130_000, 200_000))
	assert.Equal(t, PressureAggressive, DecidePressure(190_000, 200_000))
	assert.Equal(t, PressureNone, DecidePressure(100, 0))
}

func pressureFixture(turns int) *Request {
	messages := make([]Message, 0, 2*turns)
	filler := strings.Repeat("x", 40000)
	for i := 0; i < turns; i++ {
		messages = append(messages,
			Message{Role: "user", Content: filler},
			Message{Role: "assistant", Content: []ContentBlock{
				{Type: BlockThinking, Thinking: "thought", Signature: "sig"},
				{Type: BlockText, Text: "answer"},
			}},
		)
	}
	return &Request{Model: "claude-sonnet-4-5", Messages: messages}
}

func countThinking(messages []Message) int {
	n := 0
	for _, msg := range messages {
		for _, b := range Blocks(msg.Content) {
			if b.Type == BlockThinking {
				n++
			}
		}
	}
	return n
}

func TestApplyPressureSoftProtectsRecentTurns(t *testing.T) {
	// 12 turns * ~40k chars ≈ 137k tokens: soft territory for a 200k window.
	req := pressureFixture(12)
	out := ApplyPressure(req, "claude-sonnet-4-5")

	require.Len(t, out, len(req.Messages))
	// Thinking survives only inside the protected trailing window.
	assert.Equal(t, 2, countThinking(out))
	last := Blocks(out[len(out)-1].Content)
	assert.Equal(t, BlockThinking, last[0].Type)
	// The input list is not mutated.
	assert.Equal(t, 12, countThinking(req.Messages))
}

func TestApplyPressureAggressiveStripsEverything(t *testing.T) {
	// 16 turns ≈ 183k tokens: over the aggressive ratio.
	req := pressureFixture(16)
	out := ApplyPressure(req, "claude-sonnet-4-5")

	assert.Equal(t, 0, countThinking(out))
}

func TestApplyPressureNoneLeavesMessagesAlone(t *testing.T) {
	req := pressureFixture(2)
	out := ApplyPressure(req, "claude-sonnet-4-5")
	assert.Equal(t, req.Messages, out)
	assert.Equal(t, 2, countThinking(out))
}

func TestStripThinkingPlaceholder(t *testing.T) {
	kept := stripThinkingBlocks([]ContentBlock{{Type: BlockThinking, Thinking: "only thought"}})
	require.Len(t, kept, 1)
	assert.Equal(t, PlaceholderText, kept[0].Text)
}
