// Package account provides a static credential pool. Selection policy is
// deliberately simple: first healthy account wins; real deployments can
// swap in their own picker behind the same interface.
package account

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/domain"
	"github.com/qyb/claude-relay-service/internal/jsonx"
)

// StaticPool implements domain.AccountPicker over a fixed account list.
type StaticPool struct {
	mu           sync.Mutex
	accounts     []*domain.Account
	limitedUntil map[string]time.Time
}

func NewStaticPool(accounts []*domain.Account) *StaticPool {
	return &StaticPool{
		accounts:     accounts,
		limitedUntil: make(map[string]time.Time),
	}
}

// NewStaticPoolFromEnv loads accounts from ANTIGRAVITY_ACCOUNTS (a JSON
// array of {id, project_id, access_token}) or, failing that, the single
// ANTIGRAVITY_PROJECT_ID / ANTIGRAVITY_ACCESS_TOKEN pair.
func NewStaticPoolFromEnv() *StaticPool {
	if raw := os.Getenv("ANTIGRAVITY_ACCOUNTS"); raw != "" {
		var entries []struct {
			ID          string `json:"id"`
			ProjectID   string `json:"project_id"`
			AccessToken string `json:"access_token"`
		}
		if err := jsonx.SafeUnmarshal([]byte(raw), &entries); err != nil {
			log.WithError(err).Warn("account: invalid ANTIGRAVITY_ACCOUNTS, ignoring")
		} else {
			accounts := make([]*domain.Account, 0, len(entries))
			for i, e := range entries {
				id := e.ID
				if id == "" {
					id = fmt.Sprintf("account-%d", i)
				}
				accounts = append(accounts, &domain.Account{
					ID:          id,
					ProjectID:   e.ProjectID,
					AccessToken: e.AccessToken,
				})
			}
			return NewStaticPool(accounts)
		}
	}

	token := os.Getenv("ANTIGRAVITY_ACCESS_TOKEN")
	if token == "" {
		log.Warn("account: no credentials configured")
		return NewStaticPool(nil)
	}
	return NewStaticPool([]*domain.Account{{
		ID:          "default",
		ProjectID:   os.Getenv("ANTIGRAVITY_PROJECT_ID"),
		AccessToken: token,
	}})
}

// Pick returns the first account that is neither excluded nor cooling down.
func (p *StaticPool) Pick(_ context.Context, excluded map[string]bool) (*domain.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, acct := range p.accounts {
		if excluded[acct.ID] {
			continue
		}
		if until, ok := p.limitedUntil[acct.ID]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.limitedUntil, acct.ID)
		}
		return acct, nil
	}
	return nil, domain.ErrNoAccounts
}

// MarkRateLimited suppresses an account for the given number of seconds.
func (p *StaticPool) MarkRateLimited(accountID string, seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limitedUntil[accountID] = time.Now().Add(time.Duration(seconds) * time.Second)
	log.Warnf("account: %s rate-limited for %ds", accountID, seconds)
}
