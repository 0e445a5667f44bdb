package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactToolResultPassthrough(t *testing.T) {
	small := "ls output: three files"
	assert.Equal(t, small, CompactToolResult(small))
}

func TestCompactToolResultTruncatesOversized(t *testing.T) {
	big := strings.Repeat("0123456789", 5000)
	got := CompactToolResult(big)

	assert.Less(t, len(got), len(big))
	assert.Contains(t, got, "...[truncated")
	assert.LessOrEqual(t, len(got), toolResultByteBudget+40)
}

func TestCompactSavedToFileNotice(t *testing.T) {
	content := strings.Join([]string{
		"Command output exceeds token limit, saved to a file instead.",
		"format: jsonl",
		"/tmp/tool-output-1234.jsonl",
		strings.Repeat("raw dump line\n", 2000),
	}, "\n")

	got := CompactToolResult(content)
	assert.Contains(t, got, "output exceeds token limit")
	assert.Contains(t, got, "format: jsonl")
	assert.Contains(t, got, "See: /tmp/tool-output-1234.jsonl")
	assert.NotContains(t, got, "raw dump line")
}

func TestCompactSnapshotHeadAndTail(t *testing.T) {
	head := "Page Snapshot\n" + strings.Repeat("- button \"Submit\" ref=s1e23\n", 400)
	tail := strings.Repeat("- link \"Home\" ref=s1e99\n", 400) + "END-OF-SNAPSHOT"
	content := head + strings.Repeat("middle filler\n", 2000) + tail

	require.Greater(t, len(content), snapshotDetectSize)
	got := CompactToolResult(content)

	assert.Less(t, len(got), len(content))
	assert.Contains(t, got, "Page Snapshot")
	assert.Contains(t, got, "[... omitted")
	assert.Contains(t, got, "END-OF-SNAPSHOT")
}

func TestCompactSnapshotByRefDensity(t *testing.T) {
	content := strings.Repeat("- generic ref=e1 item with some padding text around it\n", 600)
	require.Greater(t, len(content), snapshotDetectSize)

	got := CompactToolResult(content)
	assert.Contains(t, got, "[... omitted")
}

func TestSafeTruncateRuneBoundary(t *testing.T) {
	s := strings.Repeat("日", 100) // 3 bytes each
	got := safeTruncate(s, 10)
	assert.Equal(t, 9, len(got))
	assert.True(t, strings.HasSuffix(got, "日"))
}

func TestSafeTruncateAvoidsOpenTag(t *testing.T) {
	s := strings.Repeat("a", 90) + "<div class=\"long-attribute-value"
	got := safeTruncate(s, 100)
	assert.Equal(t, strings.Repeat("a", 90), got)
}

func TestSafeTruncateAvoidsOpenBrace(t *testing.T) {
	s := strings.Repeat("x", 80) + "\ndata: {\"key\": \"unterminated value"
	got := safeTruncate(s, 100)
	assert.NotContains(t, got, "{")
}

func TestSafeTruncateShortInput(t *testing.T) {
	assert.Equal(t, "short", safeTruncate("short", 100))
}
