package antigravity

import "strings"

// RemapToolArgs rewrites backend-flavored argument names into the ones the
// client-side tools expect. The backend routinely emits "query"/"paths" for
// search tools and "path" for file reads.
func RemapToolArgs(toolName string, args map[string]interface{}) {
	if args == nil {
		return
	}

	switch strings.ToLower(toolName) {
	case "grep", "glob":
		if query, ok := args["query"]; ok {
			if _, hasPattern := args["pattern"]; !hasPattern {
				args["pattern"] = query
			}
			delete(args, "query")
		}
		if _, hasPath := args["path"]; !hasPath {
			if paths, ok := args["paths"]; ok {
				args["path"] = firstPath(paths)
			}
		}
		delete(args, "paths")

	case "read":
		if path, ok := args["path"]; ok {
			if _, hasFilePath := args["file_path"]; !hasFilePath {
				args["file_path"] = path
			}
			delete(args, "path")
		}

	case "ls":
		if _, hasPath := args["path"]; !hasPath {
			args["path"] = "."
		}

	case "exit_plan_mode", "exitplanmode":
		// The plan-entry tool takes no arguments; the backend hallucinates
		// some anyway.
		for key := range args {
			delete(args, key)
		}
	}
}

func firstPath(paths interface{}) string {
	switch v := paths.(type) {
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	case string:
		return v
	}
	return "."
}
