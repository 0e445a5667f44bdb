// Package claude models the Anthropic Messages API wire format and the
// client-side transformations (normalization, context pressure, tool-result
// compaction) applied before a request is translated for the backend.
package claude

import "github.com/qyb/claude-relay-service/internal/jsonx"

// Content block type tags.
const (
	BlockText             = "text"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
	BlockImage            = "image"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
)

// PlaceholderText is inserted when stripping empties an assistant message.
// It is also recognised on input and excluded from the text partition.
const PlaceholderText = "(no content)"

type Request struct {
	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	System        interface{}       `json:"system,omitempty"` // string or []SystemBlock
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tools         []Tool            `json:"tools,omitempty"`
	ToolChoice    interface{}       `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig   `json:"thinking,omitempty"`
}

type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []ContentBlock
}

// ContentBlock is the union of all Anthropic block kinds. Type selects which
// field group is meaningful; the groups are mutually exclusive on the wire.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Input interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"` // string or []ContentBlock
	IsError   bool        `json:"is_error,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema,omitempty"`
	Type        string      `json:"type,omitempty"` // server tools, e.g. web_search_20250305
}

type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Streaming events.

type StreamEvent struct {
	Type         string        `json:"type"`
	Message      *Response     `json:"message,omitempty"`
	Index        *int          `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Error        *StreamError  `json:"error,omitempty"`
}

type StreamDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Signature    string `json:"signature,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

type StreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Blocks returns the message content as a block slice, converting a plain
// string body into a single text block. Unknown shapes yield nil.
func Blocks(content interface{}) []ContentBlock {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []ContentBlock{{Type: BlockText, Text: v}}
	case []ContentBlock:
		out := make([]ContentBlock, len(v))
		copy(out, v)
		return out
	case []interface{}:
		raw, err := jsonx.FastMarshal(v)
		if err != nil {
			return nil
		}
		var out []ContentBlock
		if err := jsonx.FastUnmarshal(raw, &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

// SystemText flattens the system field (string or block list) to plain text.
func SystemText(system interface{}) string {
	switch v := system.(type) {
	case string:
		return v
	case []interface{}:
		raw, err := jsonx.FastMarshal(v)
		if err != nil {
			return ""
		}
		var blocks []SystemBlock
		if err := jsonx.FastUnmarshal(raw, &blocks); err != nil {
			return ""
		}
		text := ""
		for _, b := range blocks {
			if b.Text == "" {
				continue
			}
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
		return text
	default:
		return ""
	}
}
