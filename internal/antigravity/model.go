package antigravity

import "strings"

// DefaultModel is used when an inbound model name has no mapping.
const DefaultModel = "claude-sonnet-4-5"

// modelAliases maps inbound Anthropic-style names onto backend models.
var modelAliases = map[string]string{
	"claude-opus-4-5-thinking":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5":          "claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking": "claude-sonnet-4-5-thinking",

	"claude-sonnet-4-5-20250929": "claude-sonnet-4-5-thinking",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4-5",
	"claude-opus-4":              "claude-opus-4-5-thinking",
	"claude-opus-4-5-20251101":   "claude-opus-4-5-thinking",

	"gemini-2.5-flash-lite":     "gemini-2.5-flash-lite",
	"gemini-2.5-flash-thinking": "gemini-2.5-flash-thinking",
	"gemini-2.5-flash":          "gemini-2.5-flash",
	"gemini-2.5-pro":            "gemini-2.5-pro",
	"gemini-3-pro":              "gemini-3-pro",
	"gemini-3-pro-preview":      "gemini-3-pro-preview",
	"gemini-3-pro-low":          "gemini-3-pro-low",
	"gemini-3-pro-high":         "gemini-3-pro-high",
	"gemini-3-flash":            "gemini-3-flash",
}

// MapModel resolves an inbound model name to the backend model.
func MapModel(input string) string {
	if mapped, ok := modelAliases[input]; ok {
		return mapped
	}
	lower := strings.ToLower(input)
	// Haiku tiers downgrade to the light flash model.
	if strings.Contains(lower, "haiku") {
		return "gemini-2.5-flash-lite"
	}
	if strings.HasPrefix(lower, "gemini-") || strings.Contains(lower, "thinking") {
		return input
	}
	return DefaultModel
}

// SupportsThinking reports whether the mapped model accepts thought parts.
func SupportsThinking(model string) bool {
	return strings.Contains(model, "-thinking") || strings.HasPrefix(model, "claude-")
}

// ModelFamily buckets a model name so signatures are only replayed against
// the family that issued them.
func ModelFamily(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gemini-2.5"):
		return "gemini-2.5"
	case strings.Contains(lower, "gemini-3"):
		return "gemini-3"
	case strings.Contains(lower, "claude-sonnet-4"):
		return "claude-sonnet-4"
	case strings.Contains(lower, "claude-opus-4"):
		return "claude-opus-4"
	default:
		return lower
	}
}

// IsModelCompatible reports whether a signature minted for one family may be
// replayed against a target model.
func IsModelCompatible(cachedFamily, targetModel string) bool {
	if cachedFamily == "" {
		return true
	}
	return cachedFamily == ModelFamily(targetModel)
}

// ThinkingBudgetRange returns the [min, max] thinking budget a model
// declares. Budgets outside the range are clamped by the request builder.
func ThinkingBudgetRange(model string) (min, max int) {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "flash"):
		return 1, 24576
	case strings.Contains(lower, "gemini"):
		return 128, 32768
	default:
		return 1024, 32000
	}
}
