package antigravity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/cooldown"
	"github.com/qyb/claude-relay-service/internal/domain"
	"github.com/qyb/claude-relay-service/internal/jsonx"
)

// v1internal endpoints, production first, then the daily channels.
const (
	BaseURLProd         = "https://cloudcode-pa.googleapis.com/v1internal"
	BaseURLDaily        = "https://daily-cloudcode-pa.googleapis.com/v1internal"
	BaseURLDailySandbox = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal"
)

const (
	// capacityWaitCap bounds the single in-place capacity retry wait.
	capacityWaitCap = 10 * time.Second

	requestTimeout = 15 * time.Minute
)

// TransportConfig carries the environment-level knobs the transport obeys.
type TransportConfig struct {
	BaseURLOverride          string
	DisableFallback          bool
	MaxFallbacks             int
	ModelUnavailableCooldown time.Duration
	ModelCapacityCooldown    time.Duration
}

// Transport issues envelope requests against the candidate endpoint list,
// consulting model cooldowns before any network call.
type Transport struct {
	client    *http.Client
	cooldowns *cooldown.Manager
	cfg       TransportConfig
}

// UpstreamError is a non-2xx backend reply, classified.
type UpstreamError struct {
	Classification
	Body []byte
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Body)
	}
	return fmt.Sprintf("upstream %d (%s): %s", e.StatusCode, e.Reason, msg)
}

func NewTransport(cooldowns *cooldown.Manager, cfg TransportConfig) *Transport {
	if cfg.MaxFallbacks <= 0 {
		cfg.MaxFallbacks = 1
	}
	return &Transport{
		client:    &http.Client{Timeout: requestTimeout},
		cooldowns: cooldowns,
		cfg:       cfg,
	}
}

// endpoints returns the candidate base URL list in try order.
func (t *Transport) endpoints() []string {
	var bases []string
	if t.cfg.BaseURLOverride != "" {
		bases = append(bases, t.cfg.BaseURLOverride)
	}
	bases = append(bases, BaseURLProd)
	if !t.cfg.DisableFallback {
		bases = append(bases, BaseURLDaily, BaseURLDailySandbox)
	}

	seen := make(map[string]bool, len(bases))
	out := bases[:0]
	for _, b := range bases {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func buildUpstreamURL(base string, stream bool) string {
	if stream {
		return base + ":streamGenerateContent?alt=sse"
	}
	return base + ":generateContent"
}

// Do sends the envelope, rotating endpoints on retryable failures. The
// returned response body is open and owned by the caller. Rate/quota 429s
// never rotate; they propagate for the failover controller to handle.
func (t *Transport) Do(ctx context.Context, env *Envelope, accessToken string, stream bool) (*http.Response, error) {
	if remaining := t.cooldowns.ModelCooldownRemaining(env.Model); remaining > 0 {
		return nil, domain.NewRateLimitError(domain.ErrModelCoolingDown, remaining,
			fmt.Sprintf("model %s cooling down for %s", env.Model, remaining.Round(time.Second)))
	}

	payload, err := jsonx.FastMarshal(env)
	if err != nil {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrFormatConversion, false, err.Error())
	}

	bases := t.endpoints()
	fallbacksUsed := 0
	var lastErr error

	for idx, base := range bases {
		if idx > 0 {
			if t.cfg.DisableFallback || fallbacksUsed >= t.cfg.MaxFallbacks {
				break
			}
			fallbacksUsed++
		}

		resp, err := t.attempt(ctx, base, payload, accessToken, stream, env.Model)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryableByFallback(err) {
			return nil, err
		}
		log.WithError(err).Debugf("transport: endpoint %s failed, considering fallback", base)
	}
	return nil, lastErr
}

// attempt runs one endpoint, including the single in-place capacity retry.
func (t *Transport) attempt(ctx context.Context, base string, payload []byte, accessToken string, stream bool, model string) (*http.Response, error) {
	resp, err := t.post(ctx, base, payload, accessToken, stream)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	upstream := drainError(resp)

	if upstream.StatusCode == http.StatusTooManyRequests && upstream.Reason == ReasonCapacityExhausted {
		wait := upstream.RetryDelay
		if wait <= 0 || wait > capacityWaitCap {
			wait = capacityWaitCap
		}
		log.Infof("transport: model capacity exhausted, waiting %s before one retry", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ApplyJitter(wait)):
		}

		resp, err = t.post(ctx, base, payload, accessToken, stream)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		second := drainError(resp)
		d := second.EffectiveDelay()
		if d < t.cfg.ModelCapacityCooldown {
			d = t.cfg.ModelCapacityCooldown
		}
		t.cooldowns.SetModelCooldown(model, d, ReasonCapacityExhausted.String())
		return nil, second
	}

	if upstream.Reason == ReasonModelUnavailable {
		t.cooldowns.SetModelCooldown(model, t.cfg.ModelUnavailableCooldown, ReasonModelUnavailable.String())
	}
	return nil, upstream
}

func (t *Transport) post(ctx context.Context, base string, payload []byte, accessToken string, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildUpstreamURL(base, stream), bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, false, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.ProxyError{
			Err:       domain.ErrUpstreamError,
			Retryable: true,
			Message:   err.Error(),
		}
	}
	return resp, nil
}

// drainError consumes and closes an error response, classifying its body.
// Retry-After headers win over body-advertised delays.
func drainError(resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	c := Classify(resp.StatusCode, body)
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			c.RetryDelay = time.Duration(secs) * time.Second
		}
	}
	return &UpstreamError{Classification: c, Body: body}
}

// retryableByFallback decides whether an error permits rotating to the next
// endpoint. Explicit quota/rate 429s must not rotate.
func retryableByFallback(err error) bool {
	if pe, ok := err.(*domain.ProxyError); ok {
		return pe.Retryable
	}
	ue, ok := err.(*UpstreamError)
	if !ok {
		return false
	}

	switch ue.Reason {
	case ReasonQuotaExhausted, ReasonRateLimitExceeded:
		return false
	case ReasonCapacityExhausted:
		// Capacity errors only reach here after the in-place retry in
		// attempt already failed; surface them instead of repeating the
		// capacity wait on the next endpoint.
		return false
	case ReasonModelUnavailable:
		return true
	}
	switch ue.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusNotFound:
		return true
	}
	return ue.StatusCode >= 500
}
