// Package feedcache owns the primary and secondary feed cache tables and
// enforces the invariant that every cached displayable post has a
// corresponding summary.
package feedcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
)

// Manager provides cursor-based read/write operations over the feed cache
type Manager struct {
	db  *gorm.DB
	cfg config.CurationConfig

	cleanupDebounce time.Duration
	integritySample int

	mu           sync.Mutex
	cleanupTimer *time.Timer

	logger *zap.Logger
}

// NewManager creates a new cache manager
func NewManager(database *gorm.DB, curationCfg config.CurationConfig, cacheCfg config.CacheConfig) *Manager {
	return &Manager{
		db:              database,
		cfg:             curationCfg,
		cleanupDebounce: time.Duration(cacheCfg.CleanupDebounceSec) * time.Second,
		integritySample: cacheCfg.IntegritySample,
		logger:          logging.WithComponent("feed-cache"),
	}
}

// IntervalID returns the interval bucket id for a post timestamp
func (m *Manager) IntervalID(ts time.Time) int64 {
	return ts.Unix() / (int64(m.cfg.IntervalHours) * 3600)
}

// PutBatch writes summaries and cache entries in one transaction: existing
// rows are checked first, only the complement is inserted, and nothing is
// ever overwritten. Returns the number of newly inserted cache entries.
// Idempotent by construction, so interrupted runs are safe to retry.
func (m *Manager) PutBatch(ctx context.Context, summaries []models.PostSummary, entries []models.FeedCacheEntry, secondary bool) (int, error) {
	inserted := 0
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(summaries) > 0 {
			ids := make([]string, len(summaries))
			for i := range summaries {
				ids[i] = summaries[i].UniqueID
			}
			var found []string
			if err := tx.Model(&models.PostSummary{}).
				Where("unique_id IN ?", ids).
				Pluck("unique_id", &found).Error; err != nil {
				return err
			}
			existing := make(map[string]bool, len(found))
			for _, id := range found {
				existing[id] = true
			}
			for i := range summaries {
				if existing[summaries[i].UniqueID] {
					continue
				}
				if err := tx.Create(&summaries[i]).Error; err != nil {
					return err
				}
			}
		}

		n, err := putEntries(tx, entries, secondary)
		if err != nil {
			return err
		}
		inserted = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		m.ScheduleCleanup()
	}
	return inserted, nil
}

// PutIfAbsent inserts cache entries that are not present yet and reports
// how many were new
func (m *Manager) PutIfAbsent(ctx context.Context, entries []models.FeedCacheEntry, secondary bool) (int, error) {
	return m.PutBatch(ctx, nil, entries, secondary)
}

func putEntries(tx *gorm.DB, entries []models.FeedCacheEntry, secondary bool) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ids := make([]string, len(entries))
	for i := range entries {
		ids[i] = entries[i].UniqueID
	}

	model := interface{}(&models.FeedCacheEntry{})
	if secondary {
		model = &models.SecondaryCacheEntry{}
	}

	var found []string
	if err := tx.Model(model).Where("unique_id IN ?", ids).Pluck("unique_id", &found).Error; err != nil {
		return 0, err
	}
	existing := make(map[string]bool, len(found))
	for _, id := range found {
		existing[id] = true
	}

	inserted := 0
	for i := range entries {
		if existing[entries[i].UniqueID] {
			continue
		}
		if secondary {
			row := models.SecondaryCacheEntry(entries[i])
			if err := tx.Create(&row).Error; err != nil {
				return 0, err
			}
		} else {
			if err := tx.Create(&entries[i]).Error; err != nil {
				return 0, err
			}
		}
		inserted++
	}
	return inserted, nil
}

// DeleteByID removes one entry from the primary cache
func (m *Manager) DeleteByID(ctx context.Context, uniqueID string) error {
	return m.db.WithContext(ctx).
		Where("unique_id = ?", uniqueID).
		Delete(&models.FeedCacheEntry{}).Error
}

// ExistsByID reports whether a cache entry is present in the primary cache
func (m *Manager) ExistsByID(ctx context.Context, uniqueID string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&models.FeedCacheEntry{}).
		Where("unique_id = ?", uniqueID).
		Count(&count).Error
	return count > 0, err
}

// ReadBefore returns up to limit entries strictly older than the timestamp,
// newest first
func (m *Manager) ReadBefore(ctx context.Context, ts time.Time, limit int) ([]models.FeedCacheEntry, error) {
	var entries []models.FeedCacheEntry
	err := m.db.WithContext(ctx).
		Where("post_timestamp < ?", ts).
		Order("post_timestamp DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ReadAfter returns up to limit entries strictly newer than the timestamp,
// oldest first
func (m *Manager) ReadAfter(ctx context.Context, ts time.Time, limit int) ([]models.FeedCacheEntry, error) {
	var entries []models.FeedCacheEntry
	err := m.db.WithContext(ctx).
		Where("post_timestamp > ?", ts).
		Order("post_timestamp ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CountAfter returns how many cached entries are newer than the timestamp
func (m *Manager) CountAfter(ctx context.Context, ts time.Time) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&models.FeedCacheEntry{}).
		Where("post_timestamp > ?", ts).
		Count(&count).Error
	return count, err
}

// NewestPrimary returns the newest primary cache entry, nil when empty
func (m *Manager) NewestPrimary(ctx context.Context) (*models.FeedCacheEntry, error) {
	return m.edge(ctx, &models.FeedCacheEntry{}, "post_timestamp DESC")
}

// OldestPrimary returns the oldest primary cache entry, nil when empty
func (m *Manager) OldestPrimary(ctx context.Context) (*models.FeedCacheEntry, error) {
	return m.edge(ctx, &models.FeedCacheEntry{}, "post_timestamp ASC")
}

func (m *Manager) edge(ctx context.Context, model *models.FeedCacheEntry, order string) (*models.FeedCacheEntry, error) {
	var entry models.FeedCacheEntry
	err := m.db.WithContext(ctx).Model(model).Order(order).First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// NewestSecondary returns the newest secondary cache entry, nil when empty
func (m *Manager) NewestSecondary(ctx context.Context) (*models.SecondaryCacheEntry, error) {
	return m.secondaryEdge(ctx, "post_timestamp DESC")
}

// OldestSecondary returns the oldest secondary cache entry, nil when empty
func (m *Manager) OldestSecondary(ctx context.Context) (*models.SecondaryCacheEntry, error) {
	return m.secondaryEdge(ctx, "post_timestamp ASC")
}

func (m *Manager) secondaryEdge(ctx context.Context, order string) (*models.SecondaryCacheEntry, error) {
	var entry models.SecondaryCacheEntry
	err := m.db.WithContext(ctx).Order(order).First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// MergeSecondary copies secondary rows into the primary cache oldest-first
// and clears the secondary table. Runs in one transaction so contiguity is
// preserved at every observable step.
func (m *Manager) MergeSecondary(ctx context.Context) (int, error) {
	merged := 0
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.SecondaryCacheEntry
		if err := tx.Order("post_timestamp ASC").Find(&rows).Error; err != nil {
			return err
		}
		entries := make([]models.FeedCacheEntry, len(rows))
		for i, row := range rows {
			entries[i] = models.FeedCacheEntry(row)
		}
		n, err := putEntries(tx, entries, false)
		if err != nil {
			return err
		}
		merged = n
		return tx.Where("1 = 1").Delete(&models.SecondaryCacheEntry{}).Error
	})
	if err != nil {
		return 0, err
	}
	return merged, nil
}

// ClearSecondary discards any partial lookback writes
func (m *Manager) ClearSecondary(ctx context.Context) error {
	return m.db.WithContext(ctx).Where("1 = 1").Delete(&models.SecondaryCacheEntry{}).Error
}

// ValidateIntegrity spot-checks cached entries against their summaries.
// Any miss means the caches cannot be trusted, and partial repair cannot
// prove completeness cheaply, so both caches and the fetch metadata are
// wiped for a restart from the live feed.
func (m *Manager) ValidateIntegrity(ctx context.Context) (bool, error) {
	var entries []models.FeedCacheEntry
	if err := m.db.WithContext(ctx).
		Order("RANDOM()").
		Limit(m.integritySample).
		Find(&entries).Error; err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return true, nil
	}

	ids := make([]string, len(entries))
	for i := range entries {
		ids[i] = entries[i].UniqueID
	}
	var count int64
	if err := m.db.WithContext(ctx).
		Model(&models.PostSummary{}).
		Where("unique_id IN ?", ids).
		Count(&count).Error; err != nil {
		return false, err
	}

	if count == int64(len(ids)) {
		return true, nil
	}

	m.logger.Warn("Cache integrity violation, wiping caches",
		zap.Int("sampled", len(ids)),
		zap.Int64("matched", count))
	if err := m.WipeCaches(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// WipeCaches drops the feed cache, the secondary cache and the fetch
// metadata in one transaction
func (m *Manager) WipeCaches(ctx context.Context) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.FeedCacheEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&models.SecondaryCacheEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&models.FetchMetadata{}).Error
	})
}

// Cleanup deletes cache entries and summaries older than the retention
// boundary. Range-bounded deletes, safe to re-run after interruption.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	boundary := time.Now().UTC().Add(-retention)
	var removed int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("post_timestamp < ?", boundary).Delete(&models.FeedCacheEntry{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		if err := tx.Where("post_timestamp < ?", boundary).Delete(&models.SecondaryCacheEntry{}).Error; err != nil {
			return err
		}
		// Summaries expire on the same boundary; cache rows always go
		// first so the cache-summary invariant holds mid-cleanup.
		return tx.Where("timestamp < ?", boundary).Delete(&models.PostSummary{}).Error
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("Retention cleanup", zap.Int64("removed", removed))
	}
	return removed, nil
}

// ScheduleCleanup arms the debounced cleanup timer; each write burst pushes
// the deadline out so cleanup does not thrash during sustained ingestion
func (m *Manager) ScheduleCleanup() {
	if m.cleanupDebounce <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleanupTimer != nil {
		m.cleanupTimer.Stop()
	}
	retention := time.Duration(m.cfg.RetentionDays) * 24 * time.Hour
	m.cleanupTimer = time.AfterFunc(m.cleanupDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := m.Cleanup(ctx, retention); err != nil {
			m.logger.Error("Debounced cleanup failed", zap.Error(err))
		}
	})
}

// StopCleanup cancels any pending debounced cleanup
func (m *Manager) StopCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleanupTimer != nil {
		m.cleanupTimer.Stop()
		m.cleanupTimer = nil
	}
}
