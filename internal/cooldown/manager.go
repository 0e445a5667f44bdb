// Package cooldown tracks time-boxed suppression of models and accounts
// after rate/capacity failures. State lives in memory and is optionally
// persisted to sqlite so restarts do not hammer a cooling backend.
package cooldown

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Manager holds the model cooldown map and the account strike ladder.
// Constructed once at process start and shared by every request.
type Manager struct {
	mu      sync.Mutex
	models  map[string]modelCooldown
	strikes map[string]strikeState
	store   *Store
}

type modelCooldown struct {
	Until  time.Time
	Reason string
}

type strikeState struct {
	Count  int
	LastAt time.Time
}

func NewManager() *Manager {
	return &Manager{
		models:  make(map[string]modelCooldown),
		strikes: make(map[string]strikeState),
	}
}

// SetStore attaches a persistence backend and loads any surviving state.
func (m *Manager) SetStore(store *Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store

	cooldowns, strikes, err := store.LoadAll()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, cd := range cooldowns {
		if cd.Until.After(now) {
			m.models[cd.Model] = modelCooldown{Until: cd.Until, Reason: cd.Reason}
		}
	}
	for _, s := range strikes {
		m.strikes[s.AccountID] = strikeState{Count: s.Count, LastAt: s.LastAt}
	}
	log.Infof("cooldown: loaded %d model cooldowns, %d strike records", len(m.models), len(m.strikes))
	return nil
}

// SetModelCooldown suppresses a model for the given duration.
func (m *Manager) SetModelCooldown(model string, d time.Duration, reason string) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	m.mu.Lock()
	m.models[model] = modelCooldown{Until: until, Reason: reason}
	store := m.store
	m.mu.Unlock()

	log.WithFields(log.Fields{"model": model, "until": until, "reason": reason}).
		Warn("cooldown: model suppressed")
	if store != nil {
		if err := store.SaveModelCooldown(model, until, reason); err != nil {
			log.WithError(err).Warn("cooldown: persist failed")
		}
	}
}

// ModelCooldownRemaining returns how long a model stays suppressed, zero if
// it is usable. Expired entries are removed on read.
func (m *Manager) ModelCooldownRemaining(model string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	cd, ok := m.models[model]
	if !ok {
		return 0
	}
	remaining := time.Until(cd.Until)
	if remaining <= 0 {
		delete(m.models, model)
		return 0
	}
	return remaining
}
