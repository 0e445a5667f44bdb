package executor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qyb/claude-relay-service/internal/antigravity"
	"github.com/qyb/claude-relay-service/internal/claude"
	"github.com/qyb/claude-relay-service/internal/config"
	"github.com/qyb/claude-relay-service/internal/cooldown"
	"github.com/qyb/claude-relay-service/internal/domain"
)

type fakePool struct {
	accounts []*domain.Account
	limited  map[string]int
}

func (p *fakePool) Pick(_ context.Context, excluded map[string]bool) (*domain.Account, error) {
	for _, acct := range p.accounts {
		if !excluded[acct.ID] {
			return acct, nil
		}
	}
	return nil, domain.ErrNoAccounts
}

func (p *fakePool) MarkRateLimited(accountID string, seconds int) {
	if p.limited == nil {
		p.limited = make(map[string]int)
	}
	p.limited[accountID] = seconds
}

func upstream429(reason antigravity.Reason, delay time.Duration) *antigravity.UpstreamError {
	return &antigravity.UpstreamError{Classification: antigravity.Classification{
		StatusCode: http.StatusTooManyRequests,
		Reason:     reason,
		RetryDelay: delay,
	}}
}

func newTestExecutor(pool *fakePool) *Executor {
	cfg := &config.Config{ToolErrorContinue: true, TextToolFallback: true}
	return New(pool, nil, cooldown.NewManager(), antigravity.NewSignatureCache(), cfg)
}

func TestRecordRateLimitFloorsAdvertisedDelay(t *testing.T) {
	pool := &fakePool{}
	e := newTestExecutor(pool)

	lockout := e.recordRateLimit("acct-1", upstream429(antigravity.ReasonRateLimitExceeded, 5*time.Second))
	assert.Equal(t, minRateLimitLockout, lockout)
	assert.Equal(t, 31, pool.limited["acct-1"])
}

func TestRecordRateLimitKeepsLongerAdvertisedDelay(t *testing.T) {
	pool := &fakePool{}
	e := newTestExecutor(pool)

	lockout := e.recordRateLimit("acct-1", upstream429(antigravity.ReasonRateLimitExceeded, 2*time.Minute))
	assert.Equal(t, 2*time.Minute, lockout)
	assert.Equal(t, 121, pool.limited["acct-1"])
}

func TestRecordRateLimitQuotaUsesStrikeLadder(t *testing.T) {
	pool := &fakePool{}
	e := newTestExecutor(pool)

	assert.Equal(t, 60*time.Second, e.recordRateLimit("acct-1", upstream429(antigravity.ReasonQuotaExhausted, 0)))
	assert.Equal(t, 5*time.Minute, e.recordRateLimit("acct-1", upstream429(antigravity.ReasonQuotaExhausted, 0)))
	assert.Equal(t, 2, e.cooldowns.StrikeCount("acct-1"))
}

func TestRecordRateLimitUnresolvable(t *testing.T) {
	pool := &fakePool{}
	e := newTestExecutor(pool)

	lockout := e.recordRateLimit("acct-1", upstream429(antigravity.ReasonCapacityExhausted, 0))
	assert.Zero(t, lockout)
	assert.Empty(t, pool.limited)
}

func TestSanitize429GetsRetryAfter(t *testing.T) {
	err := sanitize(upstream429(antigravity.ReasonRateLimitExceeded, 10*time.Second))

	var pe *domain.ProxyError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.Equal(t, 10*time.Second, pe.RetryAfter)
	assert.True(t, errors.Is(pe, domain.ErrUpstreamError))
}

func TestSanitizeDefaultMessage(t *testing.T) {
	err := sanitize(&antigravity.UpstreamError{Classification: antigravity.Classification{
		StatusCode: http.StatusInternalServerError,
		Reason:     antigravity.ReasonServerError,
	}})

	var pe *domain.ProxyError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Message, "SERVER_ERROR")
	assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)
}

func TestExecuteNoAccounts(t *testing.T) {
	e := newTestExecutor(&fakePool{})

	err := e.Execute(context.Background(), nil, &claude.Request{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages:  []claude.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoAccounts))
}
