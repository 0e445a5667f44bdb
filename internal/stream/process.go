package stream

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/antigravity"
	"github.com/qyb/claude-relay-service/internal/jsonx"
)

// Chunk mirrors one backend stream payload. Function call args stay raw so
// partial JSON split across chunks can be accumulated as text.
type Chunk struct {
	Response *chunkBody `json:"response"`
	chunkBody
}

type chunkBody struct {
	Candidates []struct {
		Content struct {
			Parts []chunkPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *antigravity.UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string                     `json:"modelVersion,omitempty"`
	ResponseID    string                     `json:"responseId,omitempty"`
}

type chunkPart struct {
	Text             string             `json:"text,omitempty"`
	Thought          bool               `json:"thought,omitempty"`
	ThoughtSignature string             `json:"thoughtSignature,omitempty"`
	FunctionCall     *chunkFunctionCall `json:"functionCall,omitempty"`
}

type chunkFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ProcessLine handles one upstream SSE line. Malformed lines are counted,
// logged, and skipped; they never abort the stream. Returns the chunk's
// finishReason, "" when absent.
func (s *State) ProcessLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data: ") {
		return ""
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
	if data == "" || data == "[DONE]" {
		return ""
	}

	var chunk Chunk
	if err := jsonx.SafeUnmarshal([]byte(data), &chunk); err != nil {
		s.malformedLines++
		log.WithError(err).Debugf("stream: malformed line %d skipped", s.malformedLines)
		return ""
	}
	return s.processChunk(&chunk)
}

func (s *State) processChunk(chunk *Chunk) string {
	body := &chunk.chunkBody
	if chunk.Response != nil {
		body = chunk.Response
	}

	if body.ResponseID != "" && s.responseID == "" {
		s.responseID = body.ResponseID
	}
	if body.ModelVersion != "" {
		s.modelVersion = body.ModelVersion
	}
	if body.UsageMetadata != nil {
		s.usage = body.UsageMetadata
	}
	s.EmitMessageStart()

	finishReason := ""
	for _, cand := range body.Candidates {
		for _, part := range cand.Content.Parts {
			s.processPart(part)
		}
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}
	}
	return finishReason
}

func (s *State) processPart(part chunkPart) {
	switch {
	case part.FunctionCall != nil:
		s.processFunctionCall(part.FunctionCall, part.ThoughtSignature)
	case part.Thought:
		s.processThinking(part.Text, part.ThoughtSignature)
	default:
		s.processText(part.Text, part.ThoughtSignature)
	}
}

// deltaAgainst computes the new suffix when incoming extends the cumulative
// value already emitted. A non-extending value is treated wholesale as the
// delta, recovering from desync.
func deltaAgainst(accum, incoming string) string {
	if incoming == "" {
		return ""
	}
	if strings.HasPrefix(incoming, accum) {
		return incoming[len(accum):]
	}
	return incoming
}

func (s *State) processThinking(text, signature string) {
	s.flushTrailingSignature()

	if s.blockType != blockThinking {
		s.startBlock(blockThinking, map[string]interface{}{"type": "thinking", "thinking": ""})
	}
	if delta := deltaAgainst(s.thinkingAccum, text); delta != "" {
		s.emitDelta("thinking_delta", map[string]interface{}{"thinking": delta})
		s.thinkingAccum += delta
		s.emittedContent = true
	}
	if signature != "" {
		s.pendingSignature = signature
		s.rememberSignature(s.thinkingAccum, signature)
	}
}

func (s *State) processText(text, signature string) {
	// A bare signature after text belongs to an empty trailing thinking
	// block, emitted when the next part arrives or at finish.
	if text == "" {
		if signature != "" {
			s.trailingSignature = signature
			s.rememberSignature("", signature)
		}
		return
	}
	s.flushTrailingSignature()

	if s.tags != nil {
		// Reduce cumulative re-sends against the raw input before the tag
		// parser consumes anything, then treat the parser's plain output
		// as an incremental delta.
		raw := deltaAgainst(s.rawTextAccum, text)
		s.rawTextAccum += raw
		if raw == "" {
			return
		}
		plain, calls := s.tags.Feed(raw)
		for _, call := range calls {
			s.emitInlineToolUse(call)
		}
		if plain == "" {
			return
		}
		s.writeTextDelta(plain)
		if signature != "" {
			s.endBlock()
			s.emitThinkingSignatureBlock(signature)
			s.rememberSignature("", signature)
		}
		return
	}

	delta := deltaAgainst(s.textAccum, text)
	if delta != "" {
		s.writeTextDelta(delta)
	}
	if signature != "" {
		s.endBlock()
		s.emitThinkingSignatureBlock(signature)
		s.rememberSignature("", signature)
	}
}

func (s *State) writeTextDelta(delta string) {
	if s.blockType != blockText {
		s.startBlock(blockText, map[string]interface{}{"type": "text", "text": ""})
	}
	s.emitDelta("text_delta", map[string]interface{}{"text": delta})
	s.textAccum += delta
	s.emittedContent = true
}

// processFunctionCall accumulates partial calls by backend id and emits the
// block atomically once the argument JSON parses.
func (s *State) processFunctionCall(fc *chunkFunctionCall, signature string) {
	key := fc.ID
	if key == "" {
		key = fc.Name
	}

	call, ok := s.pending[key]
	if !ok {
		call = &pendingCall{id: fc.ID, name: fc.Name}
		s.pending[key] = call
		s.pendingOrder = append(s.pendingOrder, key)
	}
	if fc.Name != "" {
		call.name = fc.Name
	}
	if signature != "" {
		call.signature = signature
	}
	call.argsText += string(fc.Args)

	args, complete := parseArgs(call.argsText)
	if !complete {
		return
	}
	delete(s.pending, key)
	s.pendingOrder = removeKey(s.pendingOrder, key)
	s.emitToolUse(call, args)
}

// parseArgs reports whether the accumulated argument text is a complete
// JSON object. Empty text counts as complete with no args.
func parseArgs(text string) (map[string]interface{}, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == "null" {
		return map[string]interface{}{}, true
	}
	var args map[string]interface{}
	if err := jsonx.SafeUnmarshal([]byte(trimmed), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, true
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// emitToolUse sends a complete tool_use block: start, one input_json_delta,
// stop.
func (s *State) emitToolUse(call *pendingCall, args map[string]interface{}) {
	s.flushTrailingSignature()
	s.usedTool = true
	s.emittedContent = true

	id := call.id
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}
	if call.signature != "" && s.cache != nil && antigravity.HasValidSignature(call.signature) {
		s.cache.CacheToolSignature(id, call.signature)
		s.cache.CacheSignatureFamily(call.signature, s.mappedModel)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	antigravity.RemapToolArgs(call.name, args)

	s.startBlock(blockToolUse, map[string]interface{}{
		"type":  "tool_use",
		"id":    id,
		"name":  call.name,
		"input": map[string]interface{}{},
	})
	argsJSON, err := jsonx.FastMarshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	s.emitDelta("input_json_delta", map[string]interface{}{"partial_json": string(argsJSON)})
	s.endBlock()
}

// emitInlineToolUse converts a recognized inline tag into a synthetic
// tool_use block.
func (s *State) emitInlineToolUse(call inlineCall) {
	args, ok := parseArgs(call.payload)
	if !ok {
		// Unparseable payload degrades to literal text.
		s.writeTextDelta("<" + call.name + ">" + call.payload + "</" + call.name + ">")
		return
	}
	s.emitToolUse(&pendingCall{name: call.name}, args)
}

// flushPendingCalls emits any calls still buffered when the stream signals
// no continuation, accepting whatever arguments parsed so far.
func (s *State) flushPendingCalls() {
	for _, key := range s.pendingOrder {
		call, ok := s.pending[key]
		if !ok {
			continue
		}
		args, complete := parseArgs(call.argsText)
		if !complete {
			log.Warnf("stream: tool call %s ended with incomplete args, emitting empty input", call.name)
			args = map[string]interface{}{}
		}
		s.emitToolUse(call, args)
	}
	s.pending = make(map[string]*pendingCall)
	s.pendingOrder = nil

	if s.tags != nil {
		if leftover := s.tags.FlushLiteral(); leftover != "" {
			s.writeTextDelta(leftover)
		}
	}
}

func (s *State) rememberSignature(text, sig string) {
	if s.cache == nil || !antigravity.HasValidSignature(sig) {
		return
	}
	s.cache.CacheSignatureFamily(sig, s.mappedModel)
	s.cache.CacheSessionSignature(s.sessionID, sig)
	if text != "" {
		s.cache.CacheTextSignature(s.sessionID, text, sig)
	}
}
