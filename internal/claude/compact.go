package claude

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// toolResultByteBudget caps a single tool result before translation.
	toolResultByteBudget = 30000

	// snapshotDetectSize is the floor above which DOM-snapshot heuristics run.
	snapshotDetectSize = 20000

	// snapshotBudget is the reduced budget after head/tail compaction.
	snapshotBudget = 16000

	snapshotRefThreshold = 30

	// truncationScanWindow bounds the backward scan for a safe cut point.
	truncationScanWindow = 200
)

// Markers recognised in tool output.
const (
	savedToFileMarker  = "output exceeds token limit"
	snapshotTextMarker = "Page Snapshot"
)

// CompactToolResult reduces an oversized tool-result string for a
// size-constrained backend. Three paths, first match wins:
//
//  1. "saved to file" notices collapse to the notice, the format line, and
//     the file pointer.
//  2. Large UI/DOM snapshots keep a head and tail around an explicit
//     omission marker.
//  3. Anything else is safe-truncated at the byte budget.
func CompactToolResult(content string) string {
	if notice := compactSavedToFileNotice(content); notice != "" {
		return notice
	}
	if len(content) > snapshotDetectSize && looksLikeSnapshot(content) {
		return compactSnapshot(content)
	}
	if len(content) > toolResultByteBudget {
		cut := safeTruncate(content, toolResultByteBudget)
		return cut + fmt.Sprintf("...[truncated %d chars]", len(content)-len(cut))
	}
	return content
}

// compactSavedToFileNotice collapses the "output saved to file" pattern down
// to its informative lines. Returns "" when the pattern is absent.
func compactSavedToFileNotice(content string) string {
	if !strings.Contains(content, savedToFileMarker) {
		return ""
	}

	var notice, format, path string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.Contains(line, savedToFileMarker):
			notice = line
		case format == "" && strings.HasPrefix(strings.ToLower(line), "format:"):
			format = line
		case path == "" && strings.Contains(line, "/") && len(line) < 512:
			path = line
		}
		if notice != "" && format != "" && path != "" {
			break
		}
	}
	if notice == "" {
		return ""
	}

	parts := []string{notice}
	if format != "" {
		parts = append(parts, format)
	}
	if path != "" {
		parts = append(parts, "See: "+path)
	}
	return strings.Join(parts, "\n")
}

func looksLikeSnapshot(content string) bool {
	if strings.Contains(content, snapshotTextMarker) {
		return true
	}
	return strings.Count(content, "ref=") > snapshotRefThreshold
}

// compactSnapshot keeps ~70% head and ~30% tail of the reduced budget with
// an explicit omission marker between them.
func compactSnapshot(content string) string {
	if len(content) <= snapshotBudget {
		return content
	}
	headBudget := snapshotBudget * 7 / 10
	tailBudget := snapshotBudget - headBudget

	head := safeTruncate(content, headBudget)
	tailStart := len(content) - tailBudget
	for tailStart < len(content) && !utf8.RuneStart(content[tailStart]) {
		tailStart++
	}
	tail := content[tailStart:]
	omitted := len(content) - len(head) - len(tail)
	return fmt.Sprintf("%s\n[... omitted %d chars ...]\n%s", head, omitted, tail)
}

// safeTruncate cuts at most limit bytes, never inside a multi-byte rune and
// preferring not to cut inside an HTML tag or an unterminated JSON object
// close to the cut point.
func safeTruncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	windowStart := cut - truncationScanWindow
	if windowStart < 0 {
		windowStart = 0
	}
	window := s[windowStart:cut]

	// Inside an open tag: back off to before its '<'.
	if open := strings.LastIndexByte(window, '<'); open >= 0 && !strings.ContainsRune(window[open:], '>') {
		cut = windowStart + open
	}

	// An unbalanced '{' near the cut suggests we are mid-object; back off to
	// the line holding it.
	window = s[windowStart:cut]
	if open := strings.LastIndexByte(window, '{'); open >= 0 {
		if strings.Count(window[open:], "{") > strings.Count(window[open:], "}") {
			if nl := strings.LastIndexByte(window[:open], '\n'); nl >= 0 {
				cut = windowStart + nl
			} else {
				cut = windowStart + open
			}
		}
	}
	return s[:cut]
}
