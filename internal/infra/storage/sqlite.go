package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"depthbook/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const groupingKeyPrefix = "grouping:"

// Storage persists the market catalog and user preferences
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path.
// An empty path resolves to the per-user config directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		p, err := defaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.MarketInfo{}, &domain.AppConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// defaultDBPath resolves the database file path based on OS
func defaultDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "DepthBook", "data", "depthbook.db"), nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Market Catalog
// ======================================================================================

// UpsertMarket creates or updates a catalog entry
func (s *Storage) UpsertMarket(m *domain.MarketInfo) error {
	return s.db.Save(m).Error
}

// GetMarket retrieves a market by id. Not found returns ErrMarketNotFound.
func (s *Storage) GetMarket(id string) (*domain.MarketInfo, error) {
	var m domain.MarketInfo
	err := s.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrMarketNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMarkets returns active markets ordered by name
func (s *Storage) ListMarkets() ([]domain.MarketInfo, error) {
	var markets []domain.MarketInfo
	err := s.db.Where("is_active = ?", true).Order("name").Find(&markets).Error
	return markets, err
}

// DeactivateMarket hides a market from the catalog without deleting it
func (s *Storage) DeactivateMarket(id string) error {
	res := s.db.Model(&domain.MarketInfo{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", id, domain.ErrMarketNotFound)
	}
	return nil
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves a user configuration
func (s *Storage) SaveConfig(key, value string) error {
	config := domain.AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// LoadConfigMap loads all user configurations as a map
func (s *Storage) LoadConfigMap() (map[string]string, error) {
	var configs []domain.AppConfig
	if err := s.db.Find(&configs).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, cfg := range configs {
		result[cfg.Key] = cfg.Value
	}
	return result, nil
}

// SaveGrouping remembers the last grouping chosen for a market
func (s *Storage) SaveGrouping(marketID, grouping string) error {
	return s.SaveConfig(groupingKeyPrefix+marketID, grouping)
}

// LoadGrouping returns the stored grouping for a market, or "" if none
func (s *Storage) LoadGrouping(marketID string) (string, error) {
	var cfg domain.AppConfig
	err := s.db.First(&cfg, "key = ?", groupingKeyPrefix+marketID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return cfg.Value, err
}
