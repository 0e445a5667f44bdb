package stream

import "strings"

// maxInlineTagBuffer caps how much text an unterminated inline tag may
// buffer before degrading to literal passthrough.
const maxInlineTagBuffer = 64 * 1024

// inlineCall is one recognized <tool_name>{json}</tool_name> occurrence.
type inlineCall struct {
	name    string
	payload string
}

// inlineTagParser incrementally recognizes the inline tool-call
// micro-protocol some backends embed in plain text. Only tags matching a
// declared tool name are intercepted; everything else passes through.
type inlineTagParser struct {
	tools  map[string]bool
	buf    strings.Builder
	active string
}

func newInlineTagParser(toolNames []string) *inlineTagParser {
	tools := make(map[string]bool, len(toolNames))
	for _, name := range toolNames {
		if name != "" {
			tools[name] = true
		}
	}
	return &inlineTagParser{tools: tools}
}

// Feed consumes a text delta and returns the plain text to pass through
// plus any completed inline calls.
func (p *inlineTagParser) Feed(text string) (string, []inlineCall) {
	p.buf.WriteString(text)
	data := p.buf.String()
	p.buf.Reset()

	var plain strings.Builder
	var calls []inlineCall

	for data != "" {
		if p.active != "" {
			closing := "</" + p.active + ">"
			end := strings.Index(data, closing)
			if end < 0 {
				if len(data) > maxInlineTagBuffer {
					// Degrade: the tag never closed, replay it literally.
					plain.WriteString("<" + p.active + ">" + data)
					p.active = ""
					data = ""
					break
				}
				p.buf.WriteString(data)
				data = ""
				break
			}
			calls = append(calls, inlineCall{name: p.active, payload: data[:end]})
			data = data[end+len(closing):]
			p.active = ""
			continue
		}

		open := strings.IndexByte(data, '<')
		if open < 0 {
			plain.WriteString(data)
			data = ""
			break
		}
		plain.WriteString(data[:open])
		data = data[open:]

		name, rest, status := p.matchOpeningTag(data)
		switch status {
		case tagMatched:
			p.active = name
			data = rest
		case tagPartial:
			// Could still become a known tag; hold it until more arrives.
			p.buf.WriteString(data)
			data = ""
		default:
			plain.WriteByte('<')
			data = data[1:]
		}
	}

	return plain.String(), calls
}

type tagMatch int

const (
	tagNone tagMatch = iota
	tagPartial
	tagMatched
)

// matchOpeningTag inspects data starting at '<' for "<name>" where name is
// a declared tool.
func (p *inlineTagParser) matchOpeningTag(data string) (string, string, tagMatch) {
	end := strings.IndexByte(data, '>')
	if end < 0 {
		fragment := data[1:]
		for name := range p.tools {
			if strings.HasPrefix(name, fragment) {
				return "", "", tagPartial
			}
		}
		return "", "", tagNone
	}
	name := data[1:end]
	if p.tools[name] {
		return name, data[end+1:], tagMatched
	}
	return "", "", tagNone
}

// FlushLiteral returns any buffered text as literal passthrough, used when
// the stream ends with an unterminated tag.
func (p *inlineTagParser) FlushLiteral() string {
	leftover := p.buf.String()
	p.buf.Reset()
	if p.active != "" {
		leftover = "<" + p.active + ">" + leftover
		p.active = ""
	}
	return leftover
}
