package stream

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/antigravity"
	"github.com/qyb/claude-relay-service/internal/domain"
	"github.com/qyb/claude-relay-service/internal/jsonx"
)

const (
	// rescueTimeout bounds each non-streaming rescue call.
	rescueTimeout = 60 * time.Second

	rescueFallbackText = "[Response interrupted: the upstream stream ended without completing. " +
		"Partial output may be missing; please retry the request.]"
)

// taskTools are the task-tracking tools whose latest call can name the next
// action for the forced rescue.
var taskTools = map[string]bool{
	"TodoWrite":   true,
	"update_plan": true,
}

// Runner drives a State from the upstream byte stream, owning the watchdog
// timers and the degradation ladder for streams that end without a
// completion signal.
type Runner struct {
	State       *State
	Transport   *antigravity.Transport
	Envelope    *antigravity.Envelope
	AccessToken string

	FirstByteTimeout time.Duration
	IdleTimeout      time.Duration
}

// Run consumes the upstream body until completion. cancel aborts the
// in-flight upstream call; the watchdogs use it and mark themselves so the
// resulting read error is not mistaken for an upstream failure.
func (r *Runner) Run(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc) error {
	defer body.Close()

	var watchdogFired atomic.Bool
	firstByte := time.AfterFunc(r.FirstByteTimeout, func() {
		watchdogFired.Store(true)
		cancel()
	})
	defer firstByte.Stop()

	idle := time.AfterFunc(r.IdleTimeout, func() {
		watchdogFired.Store(true)
		cancel()
	})
	defer idle.Stop()

	reader := bufio.NewReaderSize(body, 64*1024)
	finishReason := ""
	sawBytes := false

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if !sawBytes {
				sawBytes = true
				firstByte.Stop()
			}
			idle.Reset(r.IdleTimeout)
			if fr := r.State.ProcessLine(line); fr != "" {
				finishReason = fr
			}
		}

		if err == nil {
			continue
		}
		idle.Stop()

		if err == io.EOF {
			if finishReason != "" {
				r.State.EmitFinish(finishReason)
				return nil
			}
			return r.rescue(ctx)
		}

		if watchdogFired.Load() {
			log.Warn("stream: watchdog aborted upstream connection")
			r.State.EmitOverloadedError("Upstream stream stalled; request aborted.")
			return domain.NewProxyError(domain.ErrStreamIdleTimeout, false)
		}
		if ctx.Err() != nil {
			// Client disconnect: suppress all further writes.
			return ctx.Err()
		}
		log.WithError(err).Warn("stream: upstream read failed")
		return r.rescue(ctx)
	}
}

// rescue runs the degradation ladder after a stream ended with no
// finishReason. Content already emitted is authoritative: rescue calls are
// only attempted when nothing reached the client yet.
func (r *Runner) rescue(ctx context.Context) error {
	if r.State.Finished() {
		return nil
	}
	if r.State.EmittedContent() {
		log.Info("stream: no finishReason but content emitted, treating as normal completion")
		r.State.EmitFinish("")
		return nil
	}

	log.Warn("stream: ended empty without finishReason, attempting non-streaming rescue")
	if r.tryRescue(ctx, nil) {
		return nil
	}

	if tool := r.findForcedTool(); tool != "" {
		log.Warnf("stream: rescue empty, forcing tool %s", tool)
		if r.tryRescue(ctx, antigravity.ForcedToolConfig(tool)) {
			return nil
		}
	}

	log.Error("stream: all rescues failed, emitting fallback text")
	r.State.EmitFallbackText(rescueFallbackText)
	return nil
}

// tryRescue reissues the request non-streaming, optionally with a forced
// toolConfig, and replays any content through the state machine.
func (r *Runner) tryRescue(ctx context.Context, forced *antigravity.ToolConfig) bool {
	if r.Transport == nil || r.Envelope == nil {
		return false
	}

	env := *r.Envelope
	if forced != nil {
		inner := *env.Request
		inner.ToolConfig = forced
		env.Request = &inner
	}

	rescueCtx, cancel := context.WithTimeout(ctx, rescueTimeout)
	defer cancel()

	resp, err := r.Transport.Do(rescueCtx, &env, r.AccessToken, false)
	if err != nil {
		log.WithError(err).Warn("stream: rescue call failed")
		return false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return false
	}
	var wrapper struct {
		Response *antigravity.GenerateResponse `json:"response"`
		antigravity.GenerateResponse
	}
	if err := jsonx.SafeUnmarshal(raw, &wrapper); err != nil {
		return false
	}
	result := &wrapper.GenerateResponse
	if wrapper.Response != nil {
		result = wrapper.Response
	}
	return r.replay(result)
}

// replay pushes a non-streaming response through the block machine.
func (r *Runner) replay(resp *antigravity.GenerateResponse) bool {
	if resp.UsageMetadata != nil {
		r.State.usage = resp.UsageMetadata
	}
	if len(resp.Candidates) == 0 {
		return false
	}

	cand := resp.Candidates[0]
	emitted := false
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			r.State.emitToolUse(&pendingCall{
				id:        part.FunctionCall.ID,
				name:      part.FunctionCall.Name,
				signature: part.ThoughtSignature,
			}, part.FunctionCall.Args)
			emitted = true
		case part.Thought:
			r.State.processThinking(part.Text, part.ThoughtSignature)
			emitted = emitted || part.Text != ""
		case part.Text != "":
			r.State.processText(part.Text, part.ThoughtSignature)
			emitted = true
		}
	}
	if !emitted {
		return false
	}
	r.State.EmitFinish(cand.FinishReason)
	return true
}

// findForcedTool returns the tool name the conversation's most recent
// task-tracking call points at, "" when there is no clear next action.
func (r *Runner) findForcedTool() string {
	if r.Envelope == nil || r.Envelope.Request == nil {
		return ""
	}
	contents := r.Envelope.Request.Contents
	for i := len(contents) - 1; i >= 0; i-- {
		for j := len(contents[i].Parts) - 1; j >= 0; j-- {
			fc := contents[i].Parts[j].FunctionCall
			if fc == nil || !taskTools[fc.Name] {
				continue
			}
			if next := nextActionFromTask(fc.Args); next != "" && r.isDeclaredTool(next) {
				return next
			}
			return ""
		}
	}
	return ""
}

// nextActionFromTask extracts a tool name from a task tracker's arguments:
// the first in-progress (or pending) entry whose first word matches a tool.
func nextActionFromTask(args map[string]interface{}) string {
	todos, ok := args["todos"].([]interface{})
	if !ok {
		return ""
	}
	pick := func(status string) string {
		for _, item := range todos {
			todo, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if todo["status"] != status {
				continue
			}
			content, _ := todo["content"].(string)
			fields := strings.Fields(content)
			if len(fields) > 0 {
				return fields[0]
			}
		}
		return ""
	}
	if name := pick("in_progress"); name != "" {
		return name
	}
	return pick("pending")
}

func (r *Runner) isDeclaredTool(name string) bool {
	for _, tool := range r.Envelope.Request.Tools {
		for _, decl := range tool.FunctionDeclarations {
			if decl.Name == name {
				return true
			}
		}
	}
	return false
}
