// Package stream re-emits Anthropic SSE events from backend stream chunks.
// A State runs the per-response block machine; Runner drives it from the
// upstream byte stream with watchdogs and the rescue ladder.
package stream

import (
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/antigravity"
	"github.com/qyb/claude-relay-service/internal/jsonx"
)

type blockType int

const (
	blockNone blockType = iota
	blockText
	blockThinking
	blockToolUse
)

// State converts backend chunks into the Anthropic event sequence. Events
// for one block index are always start, deltas, stop; indices are never
// reused. All methods run on the single goroutine owning the response.
type State struct {
	w       io.Writer
	flusher http.Flusher

	cache        *antigravity.SignatureCache
	sessionID    string
	requestModel string
	mappedModel  string

	blockType        blockType
	blockIndex       int
	messageStartSent bool
	finished         bool
	usedTool         bool
	emittedContent   bool

	// Cumulative values already emitted, for suffix-difference deltas; the
	// backend often re-sends cumulative content instead of increments.
	textAccum     string
	thinkingAccum string

	// Raw upstream text seen so far, tracked separately from textAccum:
	// the inline-tag parser consumes tag payloads, so emitted text cannot
	// serve as the baseline for cumulative re-sends.
	rawTextAccum string

	pendingSignature  string
	trailingSignature string

	pending      map[string]*pendingCall
	pendingOrder []string

	tags *inlineTagParser

	usage        *antigravity.UsageMetadata
	modelVersion string
	responseID   string

	malformedLines int
}

// pendingCall accumulates a tool call split across several chunks carrying
// the same backend call id.
type pendingCall struct {
	id        string
	name      string
	argsText  string
	signature string
}

// Options configures a new State.
type Options struct {
	Cache        *antigravity.SignatureCache
	SessionID    string
	RequestModel string
	MappedModel  string
	KnownTools   []string
	InlineTags   bool
}

func NewState(w io.Writer, opts Options) *State {
	s := &State{
		w:            w,
		cache:        opts.Cache,
		sessionID:    opts.SessionID,
		requestModel: opts.RequestModel,
		mappedModel:  opts.MappedModel,
		pending:      make(map[string]*pendingCall),
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	if opts.InlineTags && len(opts.KnownTools) > 0 {
		s.tags = newInlineTagParser(opts.KnownTools)
	}
	return s
}

// Finished reports whether the terminal events were already sent.
func (s *State) Finished() bool { return s.finished }

// EmittedContent reports whether any text, thinking, or tool_use reached
// the client.
func (s *State) EmittedContent() bool { return s.emittedContent }

// UsedTool reports whether a tool_use block was emitted.
func (s *State) UsedTool() bool { return s.usedTool }

func (s *State) emit(event string, payload interface{}) {
	data, err := jsonx.FastMarshal(payload)
	if err != nil {
		log.WithError(err).Error("stream: marshal event failed")
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *State) emitDelta(deltaType string, fields map[string]interface{}) {
	delta := map[string]interface{}{"type": deltaType}
	for k, v := range fields {
		delta[k] = v
	}
	s.emit("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.blockIndex,
		"delta": delta,
	})
}

// EmitMessageStart opens the message. Safe to call more than once.
func (s *State) EmitMessageStart() {
	if s.messageStartSent {
		return
	}
	s.messageStartSent = true

	id := s.responseID
	if id == "" {
		id = "msg_unknown"
	}
	message := map[string]interface{}{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"content":       []interface{}{},
		"model":         s.requestModel,
		"stop_reason":   nil,
		"stop_sequence": nil,
	}
	if s.usage != nil {
		message["usage"] = s.claudeUsage()
	}
	s.emit("message_start", map[string]interface{}{
		"type":    "message_start",
		"message": message,
	})
}

func (s *State) claudeUsage() map[string]interface{} {
	usage := map[string]interface{}{
		"input_tokens":  0,
		"output_tokens": 0,
	}
	if s.usage != nil {
		usage["input_tokens"] = s.usage.PromptTokenCount
		usage["output_tokens"] = s.usage.CandidatesTokenCount + s.usage.ThoughtsTokenCount
	}
	return usage
}

func (s *State) startBlock(t blockType, contentBlock map[string]interface{}) {
	if s.blockType != blockNone {
		s.endBlock()
	}
	s.EmitMessageStart()
	s.emit("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": contentBlock,
	})
	s.blockType = t
}

func (s *State) endBlock() {
	if s.blockType == blockNone {
		return
	}
	if s.blockType == blockThinking && s.pendingSignature != "" {
		s.emitDelta("signature_delta", map[string]interface{}{"signature": s.pendingSignature})
		s.pendingSignature = ""
	}
	s.emit("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})
	s.blockIndex++
	s.blockType = blockNone
	s.textAccum = ""
	s.thinkingAccum = ""
}

// emitThinkingSignatureBlock emits a closed empty thinking block carrying
// only a signature. Used for trailing signatures the backend sends after
// text or before a tool call.
func (s *State) emitThinkingSignatureBlock(signature string) {
	s.startBlock(blockThinking, map[string]interface{}{"type": "thinking", "thinking": ""})
	s.emitDelta("thinking_delta", map[string]interface{}{"thinking": ""})
	s.emitDelta("signature_delta", map[string]interface{}{"signature": signature})
	s.endBlock()
}

func (s *State) flushTrailingSignature() {
	if s.trailingSignature == "" {
		return
	}
	sig := s.trailingSignature
	s.trailingSignature = ""
	s.endBlock()
	s.emitThinkingSignatureBlock(sig)
}

// EmitFinish closes the current block, flushes pending state, and sends
// message_delta plus message_stop exactly once.
func (s *State) EmitFinish(finishReason string) {
	if s.finished {
		return
	}
	s.finished = true

	s.flushPendingCalls()
	s.endBlock()
	s.flushTrailingSignature()
	s.EmitMessageStart()

	stopReason := "end_turn"
	switch {
	case s.usedTool:
		stopReason = "tool_use"
	case finishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	}

	s.emit("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": s.claudeUsage(),
	})
	s.emit("message_stop", map[string]interface{}{"type": "message_stop"})
}

// EmitOverloadedError terminates the stream after a watchdog abort.
func (s *State) EmitOverloadedError(message string) {
	if s.finished {
		return
	}
	s.finished = true
	s.EmitMessageStart()
	s.emit("error", map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "overloaded_error",
			"message": message,
		},
	})
}

// EmitFallbackText emits the literal rescue text block, then finishes.
func (s *State) EmitFallbackText(text string) {
	s.startBlock(blockText, map[string]interface{}{"type": "text", "text": ""})
	s.emitDelta("text_delta", map[string]interface{}{"text": text})
	s.emittedContent = true
	s.EmitFinish("")
}
