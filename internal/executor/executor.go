// Package executor orchestrates one inbound request end to end: pressure
// management, normalization, translation, the upstream call with account
// failover, and response emission in both streaming and buffered modes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/qyb/claude-relay-service/internal/antigravity"
	"github.com/qyb/claude-relay-service/internal/claude"
	"github.com/qyb/claude-relay-service/internal/config"
	"github.com/qyb/claude-relay-service/internal/cooldown"
	"github.com/qyb/claude-relay-service/internal/domain"
	"github.com/qyb/claude-relay-service/internal/jsonx"
	"github.com/qyb/claude-relay-service/internal/stream"
)

// minRateLimitLockout floors the account lockout on RATE_LIMIT_EXCEEDED.
const minRateLimitLockout = 30 * time.Second

// Executor wires the translation pipeline to the transport and the account
// pool. One instance serves all requests.
type Executor struct {
	accounts  domain.AccountPicker
	transport *antigravity.Transport
	cooldowns *cooldown.Manager
	cache     *antigravity.SignatureCache
	cfg       *config.Config

	// Collapses concurrent strike bookkeeping for one account so a burst
	// of parallel 429s counts as a single strike.
	strikeGroup singleflight.Group
}

func New(accounts domain.AccountPicker, transport *antigravity.Transport, cooldowns *cooldown.Manager, cache *antigravity.SignatureCache, cfg *config.Config) *Executor {
	return &Executor{
		accounts:  accounts,
		transport: transport,
		cooldowns: cooldowns,
		cache:     cache,
		cfg:       cfg,
	}
}

// Execute handles one request. The response is written to w; a returned
// error means nothing was written yet and the handler should emit it.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, req *claude.Request) error {
	model := antigravity.MapModel(req.Model)
	sessionID := req.Metadata["user_id"]

	thinkingActive := req.Thinking != nil && req.Thinking.Type == "enabled" && antigravity.SupportsThinking(model)

	messages := claude.ApplyPressure(req, model)
	messages = claude.Normalize(messages, thinkingActive, e.cfg.ToolErrorContinue)

	account, err := e.accounts.Pick(ctx, nil)
	if err != nil {
		return domain.NewProxyErrorWithMessage(domain.ErrNoAccounts, false, err.Error())
	}

	translator := &antigravity.Translator{
		Cache:         e.cache,
		SessionID:     sessionID,
		Model:         model,
		StripThinking: !thinkingActive,
	}
	env := antigravity.BuildEnvelope(req, messages, account.ProjectID, sessionID, model, translator)

	// Streaming requests get their own cancellable context so the
	// watchdogs can abort the in-flight upstream call.
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if req.Stream {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	resp, account, err := e.callWithFailover(callCtx, env, account, req, messages, sessionID, model)
	if err != nil {
		return err
	}

	if req.Stream {
		return e.writeStream(callCtx, cancel, w, resp, env, account, req, sessionID, model)
	}
	return e.writeBuffered(w, resp, translator, req.Model)
}

// callWithFailover issues the request, applying the single stateless
// degradation retries (tools stripped, thinking stripped) and the one
// account-switch retry on resolvable 429s.
func (e *Executor) callWithFailover(ctx context.Context, env *antigravity.Envelope, account *domain.Account, req *claude.Request, messages []claude.Message, sessionID, model string) (*http.Response, *domain.Account, error) {
	resp, err := e.transport.Do(ctx, env, account.AccessToken, req.Stream)
	if err == nil {
		return resp, account, nil
	}

	var ue *antigravity.UpstreamError
	if !errors.As(err, &ue) {
		return nil, nil, err
	}

	switch ue.Reason {
	case antigravity.ReasonSchemaRejected:
		if len(env.Request.Tools) > 0 {
			log.Warn("executor: schema rejected, retrying once without tools")
			stripped := *env
			inner := *env.Request
			inner.Tools = nil
			inner.ToolConfig = nil
			stripped.Request = &inner
			stripped.RequestID = "agent-" + uuid.NewString()
			if resp, retryErr := e.transport.Do(ctx, &stripped, account.AccessToken, req.Stream); retryErr == nil {
				return resp, account, nil
			}
		}
		return nil, nil, sanitize(ue)

	case antigravity.ReasonSignatureRejected:
		log.Warn("executor: thinking signature rejected, retrying with thinking stripped")
		translator := &antigravity.Translator{
			Cache:         e.cache,
			SessionID:     sessionID,
			Model:         model,
			StripThinking: true,
		}
		retryEnv := antigravity.BuildEnvelope(req, messages, account.ProjectID, sessionID, model, translator)
		if resp, retryErr := e.transport.Do(ctx, retryEnv, account.AccessToken, req.Stream); retryErr == nil {
			return resp, account, nil
		}
		return nil, nil, sanitize(ue)
	}

	if ue.StatusCode != http.StatusTooManyRequests {
		return nil, nil, sanitize(ue)
	}

	lockout := e.recordRateLimit(account.ID, ue)
	if lockout <= 0 {
		return nil, nil, sanitize(ue)
	}

	next, pickErr := e.accounts.Pick(ctx, map[string]bool{account.ID: true})
	if pickErr != nil {
		log.WithError(pickErr).Warn("executor: no alternate account after 429")
		return nil, nil, sanitize(ue)
	}

	log.Infof("executor: switching account %s -> %s after 429 (%s)", account.ID, next.ID, ue.Reason)
	retryEnv := *env
	retryEnv.Project = next.ProjectID
	retryEnv.RequestID = "agent-" + uuid.NewString()
	resp, retryErr := e.transport.Do(ctx, &retryEnv, next.AccessToken, req.Stream)
	if retryErr != nil {
		// The retry path failing surfaces the original error.
		return nil, nil, sanitize(ue)
	}
	return resp, next, nil
}

// recordRateLimit applies the per-reason account cooldown policy and
// returns the lockout applied, zero when the 429 cannot be resolved.
func (e *Executor) recordRateLimit(accountID string, ue *antigravity.UpstreamError) time.Duration {
	var lockout time.Duration
	switch ue.Reason {
	case antigravity.ReasonRateLimitExceeded:
		lockout = ue.RetryDelay
		if lockout < minRateLimitLockout {
			lockout = minRateLimitLockout
		}
	case antigravity.ReasonQuotaExhausted:
		result, _, _ := e.strikeGroup.Do(accountID, func() (interface{}, error) {
			return e.cooldowns.RecordQuotaStrike(accountID), nil
		})
		lockout = result.(time.Duration)
	default:
		lockout = ue.RetryDelay
	}
	if lockout <= 0 {
		return 0
	}

	e.accounts.MarkRateLimited(accountID, int(lockout.Seconds())+1)
	return lockout
}

// writeBuffered converts a complete backend response and writes it as one
// Anthropic message object.
func (e *Executor) writeBuffered(w http.ResponseWriter, resp *http.Response, translator *antigravity.Translator, requestModel string) error {
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, false, err.Error())
	}

	var wrapper struct {
		Response *antigravity.GenerateResponse `json:"response"`
		antigravity.GenerateResponse
	}
	if err := jsonx.SafeUnmarshal(raw, &wrapper); err != nil {
		return domain.NewProxyErrorWithMessage(domain.ErrFormatConversion, false, err.Error())
	}
	result := &wrapper.GenerateResponse
	if wrapper.Response != nil {
		result = wrapper.Response
	}

	out := translator.FromResponse(result, requestModel)
	body, err := jsonx.FastMarshal(out)
	if err != nil {
		return domain.NewProxyErrorWithMessage(domain.ErrFormatConversion, false, err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return nil
}

// writeStream runs the streaming translator over the upstream body. cancel
// aborts the upstream call; the runner's watchdogs own it from here.
func (e *Executor) writeStream(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, resp *http.Response, env *antigravity.Envelope, account *domain.Account, req *claude.Request, sessionID, model string) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	toolNames := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Name)
	}

	state := stream.NewState(w, stream.Options{
		Cache:        e.cache,
		SessionID:    sessionID,
		RequestModel: req.Model,
		MappedModel:  model,
		KnownTools:   toolNames,
		InlineTags:   e.cfg.TextToolFallback,
	})
	runner := &stream.Runner{
		State:            state,
		Transport:        e.transport,
		Envelope:         env,
		AccessToken:      account.AccessToken,
		FirstByteTimeout: e.cfg.FirstByteTimeout,
		IdleTimeout:      e.cfg.StreamIdleTimeout,
	}
	if err := runner.Run(ctx, resp.Body, cancel); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("executor: stream terminated abnormally")
	}
	return nil
}

// sanitize strips internal detail from an upstream error and maps it to a
// client-facing ProxyError.
func sanitize(ue *antigravity.UpstreamError) error {
	msg := ue.Message
	if msg == "" {
		msg = fmt.Sprintf("upstream request failed (%s)", ue.Reason)
	}
	pe := &domain.ProxyError{
		Err:        domain.ErrUpstreamError,
		Message:    msg,
		StatusCode: ue.StatusCode,
		RetryAfter: ue.RetryDelay,
	}
	if ue.StatusCode == http.StatusTooManyRequests {
		pe.RetryAfter = ue.EffectiveDelay()
	}
	return pe
}
