package cooldown

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// strikeLadder escalates the lockout with each quota strike; the last rung
// repeats.
var strikeLadder = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// strikeDecay resets a counter that has been quiet this long.
const strikeDecay = 6 * time.Hour

// RecordQuotaStrike bumps an account's strike counter and returns the
// lockout duration for this strike. A counter stale beyond the decay window
// restarts at the first rung.
func (m *Manager) RecordQuotaStrike(accountID string) time.Duration {
	now := time.Now()

	m.mu.Lock()
	state := m.strikes[accountID]
	if now.Sub(state.LastAt) > strikeDecay {
		state.Count = 0
	}
	state.Count++
	state.LastAt = now
	m.strikes[accountID] = state
	store := m.store
	m.mu.Unlock()

	rung := state.Count - 1
	if rung >= len(strikeLadder) {
		rung = len(strikeLadder) - 1
	}
	duration := strikeLadder[rung]

	log.WithFields(log.Fields{"account": accountID, "strike": state.Count, "lockout": duration}).
		Warn("cooldown: quota strike recorded")
	if store != nil {
		if err := store.SaveStrike(accountID, state.Count, state.LastAt); err != nil {
			log.WithError(err).Warn("cooldown: strike persist failed")
		}
	}
	return duration
}

// StrikeCount returns the current (decay-adjusted) strike count.
func (m *Manager) StrikeCount(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.strikes[accountID]
	if !ok || time.Since(state.LastAt) > strikeDecay {
		return 0
	}
	return state.Count
}
