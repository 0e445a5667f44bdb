package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineTagParserRecognizesDeclaredTool(t *testing.T) {
	p := newInlineTagParser([]string{"Bash", "Read"})

	plain, calls := p.Feed(`before <Bash>{"command":"ls"}</Bash> after`)
	require.Len(t, calls, 1)
	assert.Equal(t, "Bash", calls[0].name)
	assert.Equal(t, `{"command":"ls"}`, calls[0].payload)
	assert.Equal(t, "before  after", plain)
}

func TestInlineTagParserSplitAcrossFeeds(t *testing.T) {
	p := newInlineTagParser([]string{"Bash"})

	plain, calls := p.Feed("text <Ba")
	assert.Equal(t, "text ", plain)
	assert.Empty(t, calls)

	plain, calls = p.Feed(`sh>{"command":`)
	assert.Empty(t, plain)
	assert.Empty(t, calls)

	plain, calls = p.Feed(`"ls"}</Bash> tail`)
	require.Len(t, calls, 1)
	assert.Equal(t, `{"command":"ls"}`, calls[0].payload)
	assert.Equal(t, " tail", plain)
}

func TestInlineTagParserIgnoresUnknownTags(t *testing.T) {
	p := newInlineTagParser([]string{"Bash"})

	plain, calls := p.Feed("a <b>bold</b> tag")
	assert.Empty(t, calls)
	assert.Equal(t, "a <b>bold</b> tag", plain)
}

func TestInlineTagParserLiteralAngleBracket(t *testing.T) {
	p := newInlineTagParser([]string{"Bash"})

	plain, calls := p.Feed("x < y and x > z")
	assert.Empty(t, calls)
	assert.Equal(t, "x < y and x > z", plain)
}

func TestInlineTagParserFlushLiteral(t *testing.T) {
	p := newInlineTagParser([]string{"Bash"})

	plain, calls := p.Feed(`<Bash>{"command":"never closed`)
	assert.Empty(t, plain)
	assert.Empty(t, calls)

	leftover := p.FlushLiteral()
	assert.Equal(t, `<Bash>{"command":"never closed`, leftover)
}

func TestInlineTagParserMultipleCalls(t *testing.T) {
	p := newInlineTagParser([]string{"Bash", "Read"})

	plain, calls := p.Feed(`<Bash>{}</Bash><Read>{"file_path":"a.go"}</Read>`)
	require.Len(t, calls, 2)
	assert.Equal(t, "Bash", calls[0].name)
	assert.Equal(t, "Read", calls[1].name)
	assert.Empty(t, plain)
}
