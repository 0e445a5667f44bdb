package antigravity

import (
	"strings"

	"github.com/google/uuid"

	"github.com/qyb/claude-relay-service/internal/claude"
)

const (
	// UserAgent identifies the agent channel on the v1internal surface.
	UserAgent   = "antigravity"
	RequestType = "agent"

	defaultMaxOutputTokens = 4096
)

// identityPreamble is prepended to the system instruction once; the backend
// risk layer keys on it. Detection uses the leading sentence so a client
// echoing the prompt back never produces a duplicate.
const identityPreamble = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.
You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.
**Absolute paths only**
**Proactiveness**`

const (
	identityMarker  = "You are Antigravity"
	systemEndMarker = "\n--- [SYSTEM_PROMPT_END] ---"
)

// defaultStopSequences terminate runaway generations on chat-template
// artifacts the backend occasionally leaks.
var defaultStopSequences = []string{
	"<|user|>",
	"<|endoftext|>",
	"<|end_of_turn|>",
	"[DONE]",
	"\n\nHuman:",
}

// BuildEnvelope assembles the full v1internal request from a client request
// that has already been pressure-managed and normalized.
func BuildEnvelope(req *claude.Request, messages []claude.Message, projectID, sessionID, model string, translator *Translator) *Envelope {
	inner := &InnerRequest{
		Contents:          translator.ToContents(messages),
		SystemInstruction: buildSystemInstruction(req.System),
		GenerationConfig:  buildGenerationConfig(req, model),
		SessionID:         sessionID,
	}

	if len(req.Tools) > 0 {
		inner.Tools, inner.ToolConfig = ConvertTools(req.Tools, req.ToolChoice)
	}
	stripCacheControl(inner)

	return &Envelope{
		Project:     projectID,
		RequestID:   "agent-" + uuid.NewString(),
		Request:     inner,
		Model:       model,
		UserAgent:   UserAgent,
		RequestType: RequestType,
	}
}

// buildSystemInstruction prefixes the client system prompt with the identity
// preamble, exactly once, and terminates with the end marker. The backend
// validates systemInstruction structure and wants role "user" on it.
func buildSystemInstruction(system interface{}) *SystemInstruction {
	clientText := claude.SystemText(system)

	parts := make([]Part, 0, 3)
	if !strings.Contains(clientText, identityMarker) {
		parts = append(parts, Part{Text: identityPreamble})
	}
	if clientText != "" {
		parts = append(parts, Part{Text: clientText})
	}
	parts = append(parts, Part{Text: systemEndMarker})

	return &SystemInstruction{Role: "user", Parts: parts}
}

func buildGenerationConfig(req *claude.Request, model string) *GenerationConfig {
	cfg := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   append([]string{}, defaultStopSequences...),
	}
	if cfg.Temperature == nil {
		one := 1.0
		cfg.Temperature = &one
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaultMaxOutputTokens
	}
	cfg.StopSequences = append(cfg.StopSequences, req.StopSequences...)
	cfg.ThinkingConfig = buildThinkingConfig(req, model, cfg.MaxOutputTokens)
	return cfg
}

// buildThinkingConfig clamps the requested budget to the model's declared
// range and to maxOutputTokens-1. Thinking is omitted entirely when the
// model does not support it or the computed budget falls under the floor.
func buildThinkingConfig(req *claude.Request, model string, maxOutputTokens int) *ThinkingConfig {
	if req.Thinking == nil || req.Thinking.Type != "enabled" || !SupportsThinking(model) {
		return nil
	}

	minBudget, maxBudget := ThinkingBudgetRange(model)
	budget := req.Thinking.BudgetTokens
	if budget <= 0 {
		budget = maxBudget
	}
	if budget > maxBudget {
		budget = maxBudget
	}
	if budget > maxOutputTokens-1 {
		budget = maxOutputTokens - 1
	}
	if budget < minBudget {
		return nil
	}

	return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
}

// stripCacheControl walks every nested map in the request and removes
// cache-control metadata clients echo back from cached history. The backend
// rejects unknown fields at any depth.
func stripCacheControl(inner *InnerRequest) {
	for _, content := range inner.Contents {
		for _, part := range content.Parts {
			if part.FunctionCall != nil {
				stripCacheControlValue(part.FunctionCall.Args)
			}
			if part.FunctionResponse != nil {
				stripCacheControlValue(part.FunctionResponse.Response)
			}
		}
	}
	for _, tool := range inner.Tools {
		for _, decl := range tool.FunctionDeclarations {
			stripCacheControlValue(decl.Parameters)
		}
	}
}

func stripCacheControlValue(v interface{}) {
	switch m := v.(type) {
	case map[string]interface{}:
		delete(m, "cache_control")
		delete(m, "cacheControl")
		for _, child := range m {
			stripCacheControlValue(child)
		}
	case []interface{}:
		for _, item := range m {
			stripCacheControlValue(item)
		}
	}
}
