package claude

import (
	log "github.com/sirupsen/logrus"
)

// MissingToolResultText closes a tool_use the client never answered. The
// backend rejects a conversation with an unpaired functionCall.
const MissingToolResultText = "[tool_result missing; tool execution interrupted]"

// syntheticAckText / syntheticProceedText repair a tool loop whose thinking
// blocks were stripped client-side: the backend insists an assistant turn in
// a tool loop starts with a signed thought, which we cannot fabricate, so we
// close the loop and let the model open a fresh turn.
const (
	syntheticAckText     = "[Tool execution completed. Please proceed.]"
	syntheticProceedText = "Proceed."
)

// Normalize restructures a client message list into a backend-safe form:
// consecutive same-role messages merge, assistant blocks are partitioned
// (thinking, text, other, tool_use), unanswered tool calls get a synthesized
// error result, and user messages mixing tool_results with plain content are
// split. The input is never mutated; Normalize is idempotent.
// closeToolLoops gates the error-result synthesis; callers disable it when
// the client is expected to answer its own tool calls.
func Normalize(messages []Message, requireThinking, closeToolLoops bool) []Message {
	merged := mergeAdjacentRoles(messages)

	out := make([]Message, 0, len(merged)+2)
	for i, msg := range merged {
		switch msg.Role {
		case "assistant":
			out = append(out, Message{Role: "assistant", Content: partitionAssistant(Blocks(msg.Content))})
		case "user":
			out = append(out, splitUserMessage(Blocks(msg.Content))...)
		default:
			log.Warnf("normalize: dropping message %d with role %q", i, msg.Role)
		}
	}

	if closeToolLoops {
		out = closeUnansweredToolCalls(out)
	}
	if requireThinking {
		out = repairBrokenToolLoop(out)
	}
	return out
}

func mergeAdjacentRoles(messages []Message) []Message {
	merged := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content = append(Blocks(merged[n-1].Content), Blocks(msg.Content)...)
			continue
		}
		merged = append(merged, Message{Role: msg.Role, Content: Blocks(msg.Content)})
	}
	return merged
}

// partitionAssistant reorders assistant blocks into
// [thinking] [non-empty text] [other] [tool_use], keeping relative order
// inside each partition. An emptied message gets a placeholder text block so
// role alternation survives.
func partitionAssistant(blocks []ContentBlock) []ContentBlock {
	var thinking, text, other, toolUse []ContentBlock
	for _, b := range blocks {
		switch b.Type {
		case BlockThinking, BlockRedactedThinking:
			thinking = append(thinking, b)
		case BlockText:
			if b.Text == "" || b.Text == PlaceholderText {
				continue
			}
			text = append(text, b)
		case BlockToolUse:
			toolUse = append(toolUse, b)
		default:
			other = append(other, b)
		}
	}

	out := make([]ContentBlock, 0, len(blocks))
	out = append(out, thinking...)
	out = append(out, text...)
	out = append(out, other...)
	out = append(out, toolUse...)
	if len(out) == 0 {
		out = append(out, ContentBlock{Type: BlockText, Text: PlaceholderText})
	}
	return out
}

// splitUserMessage separates tool_result blocks from plain content. The
// backend wants a functionResponse turn to carry nothing else, so a mixed
// message becomes two consecutive user messages, tool results first.
func splitUserMessage(blocks []ContentBlock) []Message {
	if len(blocks) == 0 {
		return []Message{{Role: "user", Content: []ContentBlock{{Type: BlockText, Text: PlaceholderText}}}}
	}

	var results, rest []ContentBlock
	for _, b := range blocks {
		if b.Type == BlockToolResult {
			results = append(results, b)
		} else {
			rest = append(rest, b)
		}
	}

	if len(results) == 0 || len(rest) == 0 {
		return []Message{{Role: "user", Content: blocks}}
	}
	return []Message{
		{Role: "user", Content: results},
		{Role: "user", Content: rest},
	}
}

// closeUnansweredToolCalls appends a synthesized error tool_result for every
// tool_use that is not matched before the next assistant turn.
func closeUnansweredToolCalls(messages []Message) []Message {
	out := make([]Message, 0, len(messages)+1)
	for i, msg := range messages {
		out = append(out, msg)
		if msg.Role != "assistant" {
			continue
		}

		var pending []string
		for _, b := range Blocks(msg.Content) {
			if b.Type == BlockToolUse && b.ID != "" {
				pending = append(pending, b.ID)
			}
		}
		if len(pending) == 0 {
			continue
		}

		answered := map[string]bool{}
		for j := i + 1; j < len(messages) && messages[j].Role != "assistant"; j++ {
			for _, b := range Blocks(messages[j].Content) {
				if b.Type == BlockToolResult {
					answered[b.ToolUseID] = true
				}
			}
		}

		var synthesized []ContentBlock
		for _, id := range pending {
			if answered[id] {
				continue
			}
			log.Debugf("normalize: synthesizing missing tool_result for %s", id)
			synthesized = append(synthesized, ContentBlock{
				Type:      BlockToolResult,
				ToolUseID: id,
				Content:   MissingToolResultText,
				IsError:   true,
			})
		}
		if len(synthesized) == 0 {
			continue
		}

		// Fold into the immediately following tool_result message when one
		// exists, otherwise insert a fresh user message.
		if i+1 < len(messages) && messages[i+1].Role == "user" && allToolResults(Blocks(messages[i+1].Content)) {
			messages[i+1].Content = append(Blocks(messages[i+1].Content), synthesized...)
		} else {
			out = append(out, Message{Role: "user", Content: synthesized})
		}
	}
	return out
}

func allToolResults(blocks []ContentBlock) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// repairBrokenToolLoop detects the stripped-thinking tool loop: the list
// ends on a tool_result but the last assistant turn carries no thinking
// block. A synthetic assistant acknowledgment plus user follow-up closes the
// loop so the model can open a fresh signed turn.
func repairBrokenToolLoop(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	last := messages[len(messages)-1]
	if last.Role != "user" || !hasBlockType(Blocks(last.Content), BlockToolResult) {
		return messages
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		if hasBlockType(Blocks(messages[i].Content), BlockThinking) {
			return messages
		}
		break
	}

	// Already repaired on a previous run.
	for _, b := range Blocks(last.Content) {
		if b.Type == BlockText && b.Text == syntheticProceedText {
			return messages
		}
	}
	if hasSyntheticAck(messages) {
		return messages
	}

	log.Debug("normalize: closing broken tool loop with synthetic turn pair")
	return append(messages,
		Message{Role: "assistant", Content: []ContentBlock{{Type: BlockText, Text: syntheticAckText}}},
		Message{Role: "user", Content: []ContentBlock{{Type: BlockText, Text: syntheticProceedText}}},
	)
}

func hasSyntheticAck(messages []Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, b := range Blocks(msg.Content) {
			if b.Type == BlockText && b.Text == syntheticAckText {
				return true
			}
		}
	}
	return false
}

func hasBlockType(blocks []ContentBlock, blockType string) bool {
	for _, b := range blocks {
		if b.Type == blockType {
			return true
		}
	}
	return false
}
