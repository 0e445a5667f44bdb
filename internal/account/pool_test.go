package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qyb/claude-relay-service/internal/domain"
)

func testAccounts() []*domain.Account {
	return []*domain.Account{
		{ID: "a", ProjectID: "proj-a", AccessToken: "tok-a"},
		{ID: "b", ProjectID: "proj-b", AccessToken: "tok-b"},
	}
}

func TestPickFirstHealthy(t *testing.T) {
	p := NewStaticPool(testAccounts())

	acct, err := p.Pick(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a", acct.ID)
}

func TestPickSkipsExcluded(t *testing.T) {
	p := NewStaticPool(testAccounts())

	acct, err := p.Pick(context.Background(), map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "b", acct.ID)

	_, err = p.Pick(context.Background(), map[string]bool{"a": true, "b": true})
	assert.True(t, errors.Is(err, domain.ErrNoAccounts))
}

func TestPickSkipsRateLimited(t *testing.T) {
	p := NewStaticPool(testAccounts())
	p.MarkRateLimited("a", 60)

	acct, err := p.Pick(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", acct.ID)
}

func TestPickRecoversAfterLimitExpires(t *testing.T) {
	p := NewStaticPool(testAccounts())
	p.mu.Lock()
	p.limitedUntil["a"] = time.Now().Add(-time.Second)
	p.mu.Unlock()

	acct, err := p.Pick(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a", acct.ID)

	p.mu.Lock()
	_, still := p.limitedUntil["a"]
	p.mu.Unlock()
	assert.False(t, still)
}

func TestPickEmptyPool(t *testing.T) {
	p := NewStaticPool(nil)
	_, err := p.Pick(context.Background(), nil)
	assert.True(t, errors.Is(err, domain.ErrNoAccounts))
}

func TestNewStaticPoolFromEnvJSON(t *testing.T) {
	t.Setenv("ANTIGRAVITY_ACCOUNTS", `[{"project_id":"p1","access_token":"t1"},{"id":"named","project_id":"p2","access_token":"t2"}]`)

	p := NewStaticPoolFromEnv()
	first, err := p.Pick(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "account-0", first.ID)
	assert.Equal(t, "p1", first.ProjectID)

	second, err := p.Pick(context.Background(), map[string]bool{"account-0": true})
	require.NoError(t, err)
	assert.Equal(t, "named", second.ID)
}

func TestNewStaticPoolFromEnvSingle(t *testing.T) {
	t.Setenv("ANTIGRAVITY_ACCOUNTS", "")
	t.Setenv("ANTIGRAVITY_ACCESS_TOKEN", "tok")
	t.Setenv("ANTIGRAVITY_PROJECT_ID", "proj")

	p := NewStaticPoolFromEnv()
	acct, err := p.Pick(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "default", acct.ID)
	assert.Equal(t, "proj", acct.ProjectID)
	assert.Equal(t, "tok", acct.AccessToken)
}
