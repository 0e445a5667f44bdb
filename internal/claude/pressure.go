package claude

import (
	"math"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/jsonx"
)

// Pressure levels decided from the estimated context usage ratio.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureSoft
	PressureAggressive
)

const (
	// charsPerToken approximates the backend tokenizer.
	charsPerToken = 3.5

	// Fixed overheads on top of raw character counts.
	perMessageOverhead   = 4
	signatureOverhead    = 100
	toolCallOverhead     = 20
	toolResultOverhead   = 10
	softProtectedWindow  = 4
	softPressureRatio    = 0.6
	aggressivePressureRatio = 0.9
)

// ContextWindow returns the context ceiling for a backend model family.
func ContextWindow(model string) int {
	switch {
	case strings.Contains(model, "gemini-3"):
		return 1_000_000
	case strings.Contains(model, "flash"):
		return 1_000_000
	default:
		return 200_000
	}
}

// EstimateTokens approximates the token load of the whole request: system
// prompt, messages, and tool definitions combined.
func EstimateTokens(req *Request) int {
	total := tokensForText(SystemText(req.System))

	for _, msg := range req.Messages {
		total += perMessageOverhead
		for _, b := range Blocks(msg.Content) {
			total += tokensForBlock(b)
		}
	}

	for _, tool := range req.Tools {
		total += tokensForText(tool.Name) + tokensForText(tool.Description)
		if tool.InputSchema != nil {
			if raw, err := jsonx.FastMarshal(tool.InputSchema); err == nil {
				total += tokensForText(string(raw))
			}
		}
	}
	return total
}

func tokensForBlock(b ContentBlock) int {
	switch b.Type {
	case BlockText:
		return tokensForText(b.Text)
	case BlockThinking:
		n := tokensForText(b.Thinking)
		if b.Signature != "" {
			n += signatureOverhead
		}
		return n
	case BlockRedactedThinking:
		return tokensForText(b.Data)
	case BlockToolUse:
		n := toolCallOverhead + tokensForText(b.Name)
		if raw, err := jsonx.FastMarshal(b.Input); err == nil {
			n += tokensForText(string(raw))
		}
		return n
	case BlockToolResult:
		n := toolResultOverhead
		if raw, err := jsonx.FastMarshal(b.Content); err == nil {
			n += tokensForText(string(raw))
		}
		return n
	case BlockImage:
		if b.Source != nil {
			return tokensForText(b.Source.Data)
		}
	}
	return 0
}

func tokensForText(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / charsPerToken))
}

// DecidePressure maps a usage ratio onto a strip policy.
func DecidePressure(estimated, ceiling int) PressureLevel {
	if ceiling <= 0 {
		return PressureNone
	}
	ratio := float64(estimated) / float64(ceiling)
	switch {
	case ratio > aggressivePressureRatio:
		return PressureAggressive
	case ratio > softPressureRatio:
		return PressureSoft
	default:
		return PressureNone
	}
}

// ApplyPressure estimates the request's token load against the model's
// context window and strips historical thinking content when it runs hot.
// Soft pressure protects the trailing window of messages; aggressive strips
// everywhere. Returns the (possibly new) message list.
func ApplyPressure(req *Request, model string) []Message {
	estimated := EstimateTokens(req)
	ceiling := ContextWindow(model)
	level := DecidePressure(estimated, ceiling)
	if level == PressureNone {
		return req.Messages
	}

	protected := 0
	if level == PressureSoft {
		protected = softProtectedWindow
	}
	log.WithFields(log.Fields{
		"estimated": estimated,
		"ceiling":   ceiling,
		"level":     level,
	}).Info("context pressure: stripping historical thinking blocks")

	cutoff := len(req.Messages) - protected
	out := make([]Message, len(req.Messages))
	copy(out, req.Messages)
	for i := 0; i < cutoff; i++ {
		if out[i].Role != "assistant" {
			continue
		}
		out[i].Content = stripThinkingBlocks(Blocks(out[i].Content))
	}
	return out
}

func stripThinkingBlocks(blocks []ContentBlock) []ContentBlock {
	kept := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == BlockThinking || b.Type == BlockRedactedThinking {
			continue
		}
		kept = append(kept, b)
	}
	if len(kept) == 0 {
		kept = append(kept, ContentBlock{Type: BlockText, Text: PlaceholderText})
	}
	return kept
}
