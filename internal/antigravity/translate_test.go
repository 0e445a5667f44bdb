package antigravity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qyb/claude-relay-service/internal/claude"
)

func thinkingSignature() string {
	return strings.Repeat("c2ln", 20)
}

func TestToContentsRoles(t *testing.T) {
	tr := &Translator{Model: "gemini-3-pro-preview"}
	contents := tr.ToContents([]claude.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})

	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "hello", contents[0].Parts[0].Text)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "hi there", contents[1].Parts[0].Text)
}

func TestToContentsSkipsSystemReminders(t *testing.T) {
	tr := &Translator{Model: "gemini-3-pro-preview"}
	contents := tr.ToContents([]claude.Message{
		{Role: "user", Content: []interface{}{
			map[string]interface{}{"type": "text", "text": "<system-reminder>internal note</system-reminder>"},
			map[string]interface{}{"type": "text", "text": "real question"},
		}},
	})

	require.Len(t, contents, 1)
	require.Len(t, contents[0].Parts, 1)
	assert.Equal(t, "real question", contents[0].Parts[0].Text)
}

func TestThinkingRoundTrip(t *testing.T) {
	cache := NewSignatureCache()
	sig := thinkingSignature()
	model := "gemini-3-pro-preview"

	// Response side: a signed thought comes back as a thinking block.
	tr := &Translator{Cache: cache, SessionID: "session-1", Model: model}
	resp := &GenerateResponse{Candidates: []Candidate{{
		Content: Content{Role: "model", Parts: []Part{
			{Thought: true, Text: "let me think", ThoughtSignature: sig},
			{Text: "the answer"},
		}},
		FinishReason: "STOP",
	}}}
	out := tr.FromResponse(resp, "claude-sonnet-4-5")
	require.Len(t, out.Content, 2)
	assert.Equal(t, claude.BlockThinking, out.Content[0].Type)
	assert.Equal(t, "let me think", out.Content[0].Thinking)
	assert.Equal(t, sig, out.Content[0].Signature)

	// Request side: replaying the block yields the same signed thought part.
	back := &Translator{Cache: cache, SessionID: "session-1", Model: model}
	contents := back.ToContents([]claude.Message{
		{Role: "assistant", Content: []interface{}{
			map[string]interface{}{"type": "thinking", "thinking": "let me think", "signature": sig},
		}},
	})
	require.Len(t, contents, 1)
	require.Len(t, contents[0].Parts, 1)
	part := contents[0].Parts[0]
	assert.True(t, part.Thought)
	assert.Equal(t, "let me think", part.Text)
	assert.Equal(t, sig, part.ThoughtSignature)
}

func TestThinkingTextCacheFallback(t *testing.T) {
	cache := NewSignatureCache()
	sig := thinkingSignature()
	cache.CacheTextSignature("session-1", "cached thought", sig)
	cache.CacheSignatureFamily(sig, "gemini-3-pro-preview")

	tr := &Translator{Cache: cache, SessionID: "session-1", Model: "gemini-3-pro-preview"}
	part, ok := tr.translateThinking(claude.ContentBlock{
		Type:     claude.BlockThinking,
		Thinking: "cached thought",
	})
	require.True(t, ok)
	assert.True(t, part.Thought)
	assert.Equal(t, sig, part.ThoughtSignature)
}

func TestThinkingFamilyMismatchDegradesToText(t *testing.T) {
	cache := NewSignatureCache()
	sig := thinkingSignature()
	cache.CacheSignatureFamily(sig, "gemini-2.5-pro")

	tr := &Translator{Cache: cache, SessionID: "session-1", Model: "gemini-3-pro-preview"}
	part, ok := tr.translateThinking(claude.ContentBlock{
		Type:      claude.BlockThinking,
		Thinking:  "old model thought",
		Signature: sig,
	})
	require.True(t, ok)
	assert.False(t, part.Thought)
	assert.Empty(t, part.ThoughtSignature)
	assert.Equal(t, "old model thought", part.Text)
}

func TestThinkingUnsignedBecomesText(t *testing.T) {
	tr := &Translator{Model: "gemini-3-pro-preview"}

	part, ok := tr.translateThinking(claude.ContentBlock{
		Type:     claude.BlockThinking,
		Thinking: "unsigned thought",
	})
	require.True(t, ok)
	assert.False(t, part.Thought)
	assert.Equal(t, "unsigned thought", part.Text)

	// Empty unsigned thinking is dropped entirely.
	_, ok = tr.translateThinking(claude.ContentBlock{Type: claude.BlockThinking})
	assert.False(t, ok)
}

func TestThinkingStripped(t *testing.T) {
	tr := &Translator{Model: "gemini-3-pro-preview", StripThinking: true}
	_, ok := tr.translateThinking(claude.ContentBlock{
		Type:      claude.BlockThinking,
		Thinking:  "thought",
		Signature: thinkingSignature(),
	})
	assert.False(t, ok)
}

func TestToolUseSignatureFallbackChain(t *testing.T) {
	cache := NewSignatureCache()
	sig := thinkingSignature()
	cache.CacheToolSignature("toolu_01", sig)

	tr := &Translator{Cache: cache, SessionID: "session-1", Model: "gemini-3-pro-preview"}

	// Cached tool signature wins.
	part := tr.translateToolUse(claude.ContentBlock{
		Type: claude.BlockToolUse, ID: "toolu_01", Name: "Read",
		Input: map[string]interface{}{"file_path": "a.go"},
	})
	assert.True(t, part.Thought)
	assert.Equal(t, sig, part.ThoughtSignature)
	assert.Equal(t, "Read", part.FunctionCall.Name)

	// Unknown id with no preceding thinking: validator skip token.
	part = tr.translateToolUse(claude.ContentBlock{
		Type: claude.BlockToolUse, ID: "toolu_99", Name: "Bash",
	})
	assert.Equal(t, SkipSignatureValidator, part.ThoughtSignature)
	assert.NotNil(t, part.FunctionCall.Args)
}

func TestToolResultResolution(t *testing.T) {
	tr := &Translator{Model: "gemini-3-pro-preview"}
	contents := tr.ToContents([]claude.Message{
		{Role: "assistant", Content: []interface{}{
			map[string]interface{}{"type": "tool_use", "id": "toolu_01", "name": "Bash",
				"input": map[string]interface{}{"command": "ls"}},
		}},
		{Role: "user", Content: []interface{}{
			map[string]interface{}{"type": "tool_result", "tool_use_id": "toolu_01", "content": "file.txt"},
			map[string]interface{}{"type": "tool_result", "tool_use_id": "toolu_unknown", "content": "dropped"},
		}},
	})

	require.Len(t, contents, 2)
	require.Len(t, contents[1].Parts, 1)
	fr := contents[1].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "toolu_01", fr.ID)
	assert.Equal(t, "Bash", fr.Name)
	assert.Equal(t, "file.txt", fr.Response["result"])
	_, hasErrFlag := fr.Response["is_error"]
	assert.False(t, hasErrFlag)
}

func TestToolResultErrorFlag(t *testing.T) {
	part, ok := translateToolResult(claude.ContentBlock{
		Type: claude.BlockToolResult, ToolUseID: "toolu_01", Content: "boom", IsError: true,
	}, map[string]string{"toolu_01": "Bash"})
	require.True(t, ok)
	assert.Equal(t, true, part.FunctionResponse.Response["is_error"])
}

func TestToolResultImageReplacedWithNote(t *testing.T) {
	content := []interface{}{
		map[string]interface{}{"type": "text", "text": "screenshot follows"},
		map[string]interface{}{"type": "image", "source": map[string]interface{}{
			"type": "base64", "media_type": "image/png",
			"data": strings.Repeat("iVBORw0KGgo", 100),
		}},
	}

	normalized := normalizeToolResultContent(content)
	assert.Contains(t, normalized, "screenshot follows")
	assert.Contains(t, normalized, "[image removed: image/png]")
	assert.NotContains(t, normalized, "iVBORw0KGgo")
}

func TestFromResponseToolUse(t *testing.T) {
	tr := &Translator{Model: "gemini-3-pro-preview"}
	resp := &GenerateResponse{
		Candidates: []Candidate{{
			Content: Content{Role: "model", Parts: []Part{
				{FunctionCall: &FunctionCall{Name: "Grep", Args: map[string]interface{}{"query": "foo"}}},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5, ThoughtsTokenCount: 3},
	}

	out := tr.FromResponse(resp, "claude-sonnet-4-5")
	assert.Equal(t, "tool_use", out.StopReason)
	assert.Equal(t, 10, out.Usage.InputTokens)
	assert.Equal(t, 8, out.Usage.OutputTokens)
	require.Len(t, out.Content, 1)
	block := out.Content[0]
	assert.Equal(t, claude.BlockToolUse, block.Type)
	assert.True(t, strings.HasPrefix(block.ID, "toolu_"))

	args, ok := block.Input.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "foo", args["pattern"])
	_, hasQuery := args["query"]
	assert.False(t, hasQuery)
}

func TestFromResponseMaxTokens(t *testing.T) {
	tr := &Translator{Model: "gemini-3-pro-preview"}
	resp := &GenerateResponse{Candidates: []Candidate{{
		Content:      Content{Parts: []Part{{Text: "partial"}}},
		FinishReason: "MAX_TOKENS",
	}}}
	out := tr.FromResponse(resp, "claude-sonnet-4-5")
	assert.Equal(t, "max_tokens", out.StopReason)
	assert.Equal(t, "claude-sonnet-4-5", out.Model)
}

func TestIsValidSignatureToken(t *testing.T) {
	assert.True(t, IsValidSignatureToken("abcDEF123+/=-_."))
	assert.False(t, IsValidSignatureToken("short"))
	assert.False(t, IsValidSignatureToken("has space inside!"))
	assert.False(t, IsValidSignatureToken(strings.Repeat("a", maxSignatureBytes+1)))
}
