package antigravity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/claude"
	"github.com/qyb/claude-relay-service/internal/jsonx"
)

// SkipSignatureValidator is the fallback token attached to wrapped function
// calls when no real signature is available.
const SkipSignatureValidator = "skip_thought_signature_validator"

// maxSignatureBytes bounds what we accept as a signature token.
const maxSignatureBytes = 64 * 1024

// systemReminderMarker flags client-internal notes that must not reach the
// backend as conversation text.
const systemReminderMarker = "<system-reminder>"

// Translator converts normalized Anthropic messages into backend contents
// and backend responses into Anthropic content blocks.
type Translator struct {
	Cache         *SignatureCache
	SessionID     string
	Model         string
	StripThinking bool

	lastSignature string
}

// IsValidSignatureToken checks the token-like shape of a signature: allowed
// alphabet, bounded size, minimum length.
func IsValidSignatureToken(sig string) bool {
	if len(sig) < 8 || len(sig) > maxSignatureBytes {
		return false
	}
	for i := 0; i < len(sig); i++ {
		c := sig[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// ToContents translates a normalized message list into backend contents.
// ToolResult name resolution uses tool_use ids seen earlier in the list.
func (t *Translator) ToContents(messages []claude.Message) []Content {
	toolNames := collectToolNames(messages)

	contents := make([]Content, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		parts := t.translateBlocks(claude.Blocks(msg.Content), toolNames)
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, Content{Role: role, Parts: parts})
	}
	return contents
}

func collectToolNames(messages []claude.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, b := range claude.Blocks(msg.Content) {
			if b.Type == claude.BlockToolUse && b.ID != "" {
				names[b.ID] = b.Name
			}
		}
	}
	return names
}

func (t *Translator) translateBlocks(blocks []claude.ContentBlock, toolNames map[string]string) []Part {
	parts := make([]Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case claude.BlockText:
			if strings.Contains(b.Text, systemReminderMarker) {
				continue
			}
			parts = append(parts, Part{Text: b.Text})

		case claude.BlockThinking:
			if part, ok := t.translateThinking(b); ok {
				parts = append(parts, part)
			}

		case claude.BlockRedactedThinking:
			// Redacted thinking carries no replayable text; skipped unless
			// stripping is already in effect (then it is skipped anyway).
			continue

		case claude.BlockImage:
			if b.Source != nil && b.Source.Type == "base64" {
				parts = append(parts, Part{InlineData: &InlineData{
					MimeType: b.Source.MediaType,
					Data:     b.Source.Data,
				}})
			}

		case claude.BlockToolUse:
			parts = append(parts, t.translateToolUse(b))

		case claude.BlockToolResult:
			if part, ok := translateToolResult(b, toolNames); ok {
				parts = append(parts, part)
			}
		}
	}
	return parts
}

// translateThinking applies the signature rules: validate or discard the
// block's own signature, fall back to the session text-hash cache, degrade
// to plain text on a family mismatch, and omit unusable thoughts entirely.
func (t *Translator) translateThinking(b claude.ContentBlock) (Part, bool) {
	if t.StripThinking {
		return Part{}, false
	}

	sig := b.Signature
	if !IsValidSignatureToken(sig) {
		sig = ""
	}
	if sig == "" && t.Cache != nil {
		sig = t.Cache.GetTextSignature(t.SessionID, b.Thinking)
	}

	if sig != "" && t.Cache != nil {
		if family := t.Cache.GetSignatureFamily(sig); !IsModelCompatible(family, t.Model) {
			log.Debugf("translate: signature family %q incompatible with %s, degrading to text", family, t.Model)
			if b.Thinking == "" {
				return Part{}, false
			}
			return Part{Text: b.Thinking}, true
		}
	}

	if sig == "" {
		// A bare unsigned thought fails backend validation.
		if b.Thinking == "" {
			return Part{}, false
		}
		return Part{Text: b.Thinking}, true
	}

	t.lastSignature = sig
	return Part{Thought: true, Text: b.Thinking, ThoughtSignature: sig}, true
}

// translateToolUse wraps the call as a signed thought part; the backend
// validates a thoughtSignature on every model-emitted part.
func (t *Translator) translateToolUse(b claude.ContentBlock) Part {
	args := toMap(b.Input)
	if args == nil {
		args = map[string]interface{}{}
	}

	sig := ""
	if t.Cache != nil && b.ID != "" {
		sig = t.Cache.GetToolSignature(b.ID)
		if sig != "" {
			if family := t.Cache.GetSignatureFamily(sig); !IsModelCompatible(family, t.Model) {
				sig = ""
			}
		}
	}
	if sig == "" {
		sig = t.lastSignature
	}
	if sig == "" {
		sig = SkipSignatureValidator
	}

	return Part{
		Thought:          true,
		ThoughtSignature: sig,
		FunctionCall: &FunctionCall{
			ID:   b.ID,
			Name: b.Name,
			Args: args,
		},
	}
}

// translateToolResult resolves the referenced tool name and normalizes the
// result content. Unresolvable references are dropped.
func translateToolResult(b claude.ContentBlock, toolNames map[string]string) (Part, bool) {
	name, ok := toolNames[b.ToolUseID]
	if !ok || name == "" {
		log.Debugf("translate: dropping tool_result for unknown tool_use id %s", b.ToolUseID)
		return Part{}, false
	}

	normalized := normalizeToolResultContent(b.Content)
	response := map[string]interface{}{"result": normalized}
	if b.IsError {
		response["is_error"] = true
	}

	return Part{FunctionResponse: &FunctionResponse{
		ID:       b.ToolUseID,
		Name:     name,
		Response: response,
	}}, true
}

// normalizeToolResultContent flattens string/block-list content into a
// compacted string. Base64 images are replaced with a textual note.
func normalizeToolResultContent(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return claude.CompactToolResult(v)
	default:
		blocks := claude.Blocks(content)
		if blocks == nil {
			if raw, err := jsonx.FastMarshal(v); err == nil {
				return claude.CompactToolResult(string(raw))
			}
			return ""
		}
		var sb strings.Builder
		for _, b := range blocks {
			switch b.Type {
			case claude.BlockText:
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(b.Text)
			case claude.BlockImage:
				mediaType := ""
				if b.Source != nil {
					mediaType = b.Source.MediaType
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(fmt.Sprintf("[image removed: %s]", mediaType))
			}
		}
		return claude.CompactToolResult(sb.String())
	}
}

// FromResponse converts a full backend response into an Anthropic message
// response, caching any signatures seen on the way.
func (t *Translator) FromResponse(resp *GenerateResponse, requestModel string) *claude.Response {
	out := &claude.Response{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Model:      requestModel,
		StopReason: "end_turn",
	}

	if resp.UsageMetadata != nil {
		out.Usage = claude.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount,
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	cand := resp.Candidates[0]
	hasToolUse := false
	for _, part := range cand.Parts() {
		switch {
		case part.FunctionCall != nil:
			hasToolUse = true
			out.Content = append(out.Content, t.functionCallToBlock(part))
		case part.Thought:
			block := claude.ContentBlock{
				Type:      claude.BlockThinking,
				Thinking:  part.Text,
				Signature: part.ThoughtSignature,
			}
			t.rememberSignature(part.Text, part.ThoughtSignature)
			out.Content = append(out.Content, block)
		case part.Text != "":
			out.Content = append(out.Content, claude.ContentBlock{Type: claude.BlockText, Text: part.Text})
		}
	}

	out.StopReason = mapFinishReason(cand.FinishReason, hasToolUse)
	return out
}

// Parts is a nil-safe accessor for a candidate's parts.
func (c Candidate) Parts() []Part {
	return c.Content.Parts
}

func (t *Translator) functionCallToBlock(part Part) claude.ContentBlock {
	fc := part.FunctionCall
	id := fc.ID
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}
	args := fc.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	RemapToolArgs(fc.Name, args)

	t.rememberToolSignature(id, part.ThoughtSignature)
	return claude.ContentBlock{
		Type:  claude.BlockToolUse,
		ID:    id,
		Name:  fc.Name,
		Input: args,
	}
}

func (t *Translator) rememberSignature(text, sig string) {
	if t.Cache == nil || !HasValidSignature(sig) {
		return
	}
	t.Cache.CacheSignatureFamily(sig, t.Model)
	t.Cache.CacheSessionSignature(t.SessionID, sig)
	if text != "" {
		t.Cache.CacheTextSignature(t.SessionID, text, sig)
	}
}

func (t *Translator) rememberToolSignature(toolID, sig string) {
	if t.Cache == nil || !HasValidSignature(sig) {
		return
	}
	t.Cache.CacheToolSignature(toolID, sig)
	t.Cache.CacheSignatureFamily(sig, t.Model)
}

// mapFinishReason converts a backend finishReason to an Anthropic stop
// reason. A tool call always wins.
func mapFinishReason(finishReason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch strings.ToUpper(finishReason) {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
