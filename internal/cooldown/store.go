package cooldown

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ModelCooldownRecord is the persisted form of one model cooldown.
type ModelCooldownRecord struct {
	Model     string    `gorm:"primaryKey"`
	Until     time.Time `gorm:"index"`
	Reason    string
	UpdatedAt time.Time
}

// StrikeRecord is the persisted form of one account's strike counter.
type StrikeRecord struct {
	AccountID string `gorm:"primaryKey"`
	Count     int
	LastAt    time.Time
	UpdatedAt time.Time
}

// Store persists cooldown state in sqlite.
type Store struct {
	db *gorm.DB
}

// NewStore opens (and migrates) the sqlite database at path.
func NewStore(path string) (*Store, error) {
	if !strings.Contains(path, "?") {
		path += "?_journal_mode=WAL&_busy_timeout=30000"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cooldown db: %w", err)
	}
	if err := db.AutoMigrate(&ModelCooldownRecord{}, &StrikeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate cooldown db: %w", err)
	}
	return &Store{db: db}, nil
}

// LoadAll returns every persisted cooldown and strike record.
func (s *Store) LoadAll() ([]ModelCooldownRecord, []StrikeRecord, error) {
	var cooldowns []ModelCooldownRecord
	if err := s.db.Find(&cooldowns).Error; err != nil {
		return nil, nil, err
	}
	var strikes []StrikeRecord
	if err := s.db.Find(&strikes).Error; err != nil {
		return nil, nil, err
	}
	return cooldowns, strikes, nil
}

func (s *Store) SaveModelCooldown(model string, until time.Time, reason string) error {
	record := ModelCooldownRecord{Model: model, Until: until, Reason: reason, UpdatedAt: time.Now()}
	return s.db.Save(&record).Error
}

func (s *Store) SaveStrike(accountID string, count int, lastAt time.Time) error {
	record := StrikeRecord{AccountID: accountID, Count: count, LastAt: lastAt, UpdatedAt: time.Now()}
	return s.db.Save(&record).Error
}

// PruneExpired deletes cooldowns that ended before now.
func (s *Store) PruneExpired() error {
	return s.db.Where("until < ?", time.Now()).Delete(&ModelCooldownRecord{}).Error
}
