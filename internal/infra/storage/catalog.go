// Package storage keeps the coin catalog used for search in an in-memory
// SQLite database with a fixed expiry.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coin_dash/internal/domain"
)

// DefaultTTL is how long a downloaded catalog stays fresh.
const DefaultTTL = 30 * time.Minute

// CacheInfo describes the catalog state for diagnostics.
type CacheInfo struct {
	HasCache  bool          `json:"has_cache"`
	Valid     bool          `json:"is_valid"`
	ExpiresIn time.Duration `json:"expires_in"`
	Count     int64         `json:"coins_count"`
}

// Catalog is the cached coin list. Rows are kept after expiry so callers can
// fall back to them when a refresh fails.
type Catalog struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time

	mu        sync.RWMutex
	expiresAt time.Time
	hasCache  bool
}

// NewCatalog opens an empty in-memory catalog.
func NewCatalog(ttl time.Duration) (*Catalog, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	// Every pooled connection would get its own empty :memory: database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access catalog pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Auto Migration
	if err := db.AutoMigrate(&domain.CoinInfo{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}

	return &Catalog{db: db, ttl: ttl, now: time.Now}, nil
}

// ======================================================================================
// Cache state
// ======================================================================================

// Valid reports whether the catalog holds data that has not expired.
func (c *Catalog) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasCache && c.now().Before(c.expiresAt)
}

// HasCache reports whether the catalog holds data, fresh or not.
func (c *Catalog) HasCache() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasCache
}

// Info returns the cache state.
func (c *Catalog) Info() CacheInfo {
	count, _ := c.Count()

	c.mu.RLock()
	defer c.mu.RUnlock()
	info := CacheInfo{
		HasCache: c.hasCache,
		Valid:    c.hasCache && c.now().Before(c.expiresAt),
		Count:    count,
	}
	if info.Valid {
		info.ExpiresIn = c.expiresAt.Sub(c.now())
	}
	return info
}

// ======================================================================================
// Coin Operations
// ======================================================================================

// Replace swaps the whole catalog for coins and restarts the expiry clock.
// Names and symbols are stored lowercased; repeated ids keep their first entry.
func (c *Catalog) Replace(coins []domain.CoinBasic) error {
	now := c.now()
	seen := make(map[string]struct{}, len(coins))
	rows := make([]domain.CoinInfo, 0, len(coins))
	for _, coin := range coins {
		if coin.ID == "" {
			continue
		}
		if _, dup := seen[coin.ID]; dup {
			continue
		}
		seen[coin.ID] = struct{}{}
		rows = append(rows, domain.CoinInfo{
			ID:       coin.ID,
			Seq:      len(rows),
			Symbol:   strings.ToLower(coin.Symbol),
			Name:     strings.ToLower(coin.Name),
			CachedAt: now,
		})
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.CoinInfo{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}

	c.mu.Lock()
	c.hasCache = true
	c.expiresAt = now.Add(c.ttl)
	c.mu.Unlock()
	return nil
}

// Search returns up to limit entries whose name, symbol or id contains query,
// case-insensitively, in upstream order.
func (c *Catalog) Search(query string, limit int) ([]domain.CoinBasic, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var rows []domain.CoinInfo
	err := c.db.
		Where("instr(name, ?) > 0 OR instr(symbol, ?) > 0 OR instr(lower(id), ?) > 0", q, q, q).
		Order("seq").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("search catalog: %w", err)
	}

	out := make([]domain.CoinBasic, len(rows))
	for i, r := range rows {
		out[i] = r.Basic()
	}
	return out, nil
}

// Get returns one catalog entry.
func (c *Catalog) Get(id string) (domain.CoinBasic, error) {
	var row domain.CoinInfo
	err := c.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.CoinBasic{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CoinBasic{}, err
	}
	return row.Basic(), nil
}

// Count returns the number of cached entries.
func (c *Catalog) Count() (int64, error) {
	var n int64
	err := c.db.Model(&domain.CoinInfo{}).Count(&n).Error
	return n, err
}

// Clear drops every entry and marks the catalog as empty.
func (c *Catalog) Clear() error {
	if err := c.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.CoinInfo{}).Error; err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	c.mu.Lock()
	c.hasCache = false
	c.expiresAt = time.Time{}
	c.mu.Unlock()
	return nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
