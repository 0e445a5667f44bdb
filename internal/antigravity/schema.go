package antigravity

import (
	"fmt"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/claude"
	"github.com/qyb/claude-relay-service/internal/jsonx"
)

// Schema keys the backend validator accepts. Everything else is dropped.
var allowedSchemaKeys = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"description":          true,
	"enum":                 true,
	"items":                true,
	"anyOf":                true,
	"oneOf":                true,
	"allOf":                true,
	"additionalProperties": true,
	"minimum":              true,
	"maximum":              true,
	"minLength":            true,
	"maxLength":            true,
	"minItems":             true,
	"maxItems":             true,
}

const (
	// Description budgets, top-level vs nested.
	descriptionBudget       = 1024
	nestedDescriptionBudget = 512
	descriptionHeadLines    = 6
)

// Server tool types the backend implements itself; these cannot coexist
// with custom function declarations in one request.
func isServerSearchTool(t claude.Tool) bool {
	name := t.Type
	if name == "" {
		name = t.Name
	}
	switch {
	case strings.HasPrefix(name, "web_search"),
		strings.HasPrefix(name, "google_search"):
		return true
	}
	return false
}

// ConvertTools sanitizes client tool definitions into backend declarations
// and resolves tool_choice into a toolConfig. Both return values are nil
// when the client sent no usable tools.
func ConvertTools(tools []claude.Tool, toolChoice interface{}) ([]ToolDeclaration, *ToolConfig) {
	var decls []FunctionDeclaration
	hasSearch := false

	for _, t := range tools {
		if isServerSearchTool(t) {
			hasSearch = true
			continue
		}
		if t.Name == "" {
			continue
		}
		decls = append(decls, FunctionDeclaration{
			Name:        t.Name,
			Description: compactDescription(t.Description, descriptionBudget),
			Parameters:  sanitizeSchema(t.InputSchema),
		})
	}

	if len(decls) == 0 {
		if hasSearch {
			return []ToolDeclaration{{GoogleSearch: map[string]interface{}{}}}, nil
		}
		return nil, nil
	}
	if hasSearch {
		// Mixing server search with function declarations is rejected
		// upstream; the declarations win.
		log.Warn("tools: dropping server web-search tool mixed with function declarations")
	}

	return []ToolDeclaration{{FunctionDeclarations: decls}}, convertToolChoice(toolChoice)
}

// convertToolChoice maps the Anthropic tool_choice onto a
// functionCallingConfig. Absence with tools present means AUTO.
func convertToolChoice(toolChoice interface{}) *ToolConfig {
	mode := "AUTO"
	var allowed []string

	switch v := toolChoice.(type) {
	case nil:
	case map[string]interface{}:
		switch v["type"] {
		case "any":
			mode = "ANY"
		case "none":
			mode = "NONE"
		case "tool":
			mode = "ANY"
			if name, _ := v["name"].(string); name != "" {
				allowed = []string{name}
			}
		}
	case string:
		switch v {
		case "any":
			mode = "ANY"
		case "none":
			mode = "NONE"
		}
	}

	return &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{
		Mode:                 mode,
		AllowedFunctionNames: allowed,
	}}
}

// ForcedToolConfig builds an ANY config restricted to a single tool, used by
// the stream rescue path.
func ForcedToolConfig(toolName string) *ToolConfig {
	return &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{
		Mode:                 "ANY",
		AllowedFunctionNames: []string{toolName},
	}}
}

// sanitizeSchema deep-copies a JSON-Schema keeping only allowed keys. The
// result always carries an inferable type; an ambiguous schema defaults to
// an empty object.
func sanitizeSchema(schema interface{}) map[string]interface{} {
	m := toMap(schema)
	if m == nil {
		return map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}
	out := sanitizeSchemaMap(m, false)
	if _, ok := out["type"]; !ok {
		if _, hasProps := out["properties"]; hasProps {
			out["type"] = "object"
		} else if len(out) == 0 || onlyDescription(out) {
			out["type"] = "object"
			if _, ok := out["properties"]; !ok {
				out["properties"] = map[string]interface{}{}
			}
		}
	}
	return out
}

func onlyDescription(m map[string]interface{}) bool {
	for k := range m {
		if k != "description" {
			return false
		}
	}
	return true
}

func sanitizeSchemaMap(m map[string]interface{}, nested bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for key, val := range m {
		if !allowedSchemaKeys[key] {
			continue
		}
		switch key {
		case "description":
			budget := descriptionBudget
			if nested {
				budget = nestedDescriptionBudget
			}
			if s, ok := val.(string); ok {
				out[key] = compactDescription(s, budget)
			}
		case "properties":
			props := toMap(val)
			cleaned := make(map[string]interface{}, len(props))
			for name, sub := range props {
				if subMap := toMap(sub); subMap != nil {
					cleaned[name] = sanitizeSchemaMap(subMap, true)
				}
			}
			out[key] = cleaned
		case "items", "additionalProperties":
			if subMap := toMap(val); subMap != nil {
				out[key] = sanitizeSchemaMap(subMap, true)
			} else {
				out[key] = val
			}
		case "anyOf", "oneOf", "allOf":
			if list, ok := val.([]interface{}); ok {
				cleaned := make([]interface{}, 0, len(list))
				for _, sub := range list {
					if subMap := toMap(sub); subMap != nil {
						cleaned = append(cleaned, sanitizeSchemaMap(subMap, true))
					}
				}
				out[key] = cleaned
			}
		default:
			out[key] = val
		}
	}
	return out
}

func toMap(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return m
	default:
		raw, err := jsonx.FastMarshal(v)
		if err != nil {
			return nil
		}
		var out map[string]interface{}
		if err := jsonx.FastUnmarshal(raw, &out); err != nil {
			return nil
		}
		return out
	}
}

// compactDescription keeps the first non-empty lines and truncates to the
// byte budget, never inside a multi-byte rune, with an explicit marker.
func compactDescription(desc string, budget int) string {
	if desc == "" {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(desc, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == descriptionHeadLines {
			break
		}
	}
	compact := strings.Join(lines, "\n")

	if len(compact) <= budget {
		return compact
	}
	cut := budget
	for cut > 0 && !utf8.RuneStart(compact[cut]) {
		cut--
	}
	return compact[:cut] + fmt.Sprintf("...[truncated %d chars]", len(compact)-cut)
}
