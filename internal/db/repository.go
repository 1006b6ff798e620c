package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/skylimit/curator/internal/models"
)

// Repository provides database access methods
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// SummaryRepository provides post-summary database operations
type SummaryRepository struct {
	*Repository
}

// NewSummaryRepository creates a new summary repository
func NewSummaryRepository(repo *Repository) *SummaryRepository {
	return &SummaryRepository{Repository: repo}
}

// GetByID retrieves a summary by unique ID
func (r *SummaryRepository) GetByID(ctx context.Context, uniqueID string) (*models.PostSummary, error) {
	var summary models.PostSummary
	if err := r.db.WithContext(ctx).Where("unique_id = ?", uniqueID).First(&summary).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &summary, nil
}

// ExistingIDs returns the subset of the given IDs that already have summaries
func (r *SummaryRepository) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}
	var found []string
	if err := r.db.WithContext(ctx).
		Model(&models.PostSummary{}).
		Where("unique_id IN ?", ids).
		Pluck("unique_id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

// Create inserts a new summary
func (r *SummaryRepository) Create(ctx context.Context, summary *models.PostSummary) error {
	return r.db.WithContext(ctx).Create(summary).Error
}

// GetSince retrieves all summaries with timestamp at or after the boundary,
// oldest first
func (r *SummaryRepository) GetSince(ctx context.Context, since time.Time) ([]models.PostSummary, error) {
	var summaries []models.PostSummary
	if err := r.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp ASC").
		Find(&summaries).Error; err != nil {
		return nil, err
	}
	return summaries, nil
}

// UpdateCuration flips the curation decision on an existing summary.
// The unique ID never changes.
func (r *SummaryRepository) UpdateCuration(ctx context.Context, uniqueID, dropped, msg string) error {
	return r.db.WithContext(ctx).
		Model(&models.PostSummary{}).
		Where("unique_id = ?", uniqueID).
		Updates(map[string]interface{}{
			"curation_dropped": dropped,
			"curation_msg":     msg,
		}).Error
}

// DeleteOlderThan removes summaries past the retention boundary
func (r *SummaryRepository) DeleteOlderThan(ctx context.Context, boundary time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("timestamp < ?", boundary).
		Delete(&models.PostSummary{})
	return res.RowsAffected, res.Error
}

// Count returns the number of summaries
func (r *SummaryRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PostSummary{}).Count(&count).Error
	return count, err
}

// FollowRepository provides follow database operations
type FollowRepository struct {
	*Repository
}

// NewFollowRepository creates a new follow repository
func NewFollowRepository(repo *Repository) *FollowRepository {
	return &FollowRepository{Repository: repo}
}

// GetByUsername retrieves follow state for an account
func (r *FollowRepository) GetByUsername(ctx context.Context, username string) (*models.FollowInfo, error) {
	var follow models.FollowInfo
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&follow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &follow, nil
}

// All retrieves every followed account
func (r *FollowRepository) All(ctx context.Context) ([]models.FollowInfo, error) {
	var follows []models.FollowInfo
	if err := r.db.WithContext(ctx).Find(&follows).Error; err != nil {
		return nil, err
	}
	return follows, nil
}

// AllMap retrieves every followed account keyed by username
func (r *FollowRepository) AllMap(ctx context.Context) (map[string]models.FollowInfo, error) {
	follows, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]models.FollowInfo, len(follows))
	for _, f := range follows {
		m[f.Username] = f
	}
	return m, nil
}

// Save upserts follow state
func (r *FollowRepository) Save(ctx context.Context, follow *models.FollowInfo) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			UpdateAll: true,
		}).
		Create(follow).Error
}

// Delete removes follow state on unfollow
func (r *FollowRepository) Delete(ctx context.Context, username string) error {
	return r.db.WithContext(ctx).Where("username = ?", username).Delete(&models.FollowInfo{}).Error
}

// FilterRepository provides statistics snapshot operations
type FilterRepository struct {
	*Repository
}

// NewFilterRepository creates a new filter repository
func NewFilterRepository(repo *Repository) *FilterRepository {
	return &FilterRepository{Repository: repo}
}

// LoadStats retrieves the global statistics snapshot, nil when none exists
func (r *FilterRepository) LoadStats(ctx context.Context) (*models.GlobalStats, error) {
	var stats models.GlobalStats
	if err := r.db.WithContext(ctx).First(&stats, 1).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &stats, nil
}

// LoadFilter retrieves the full user filter
func (r *FilterRepository) LoadFilter(ctx context.Context) (models.UserFilter, error) {
	var entries []models.UserEntry
	if err := r.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, err
	}
	filter := make(models.UserFilter, len(entries))
	for _, e := range entries {
		filter[e.Username] = e
	}
	return filter, nil
}

// SaveSnapshot atomically replaces the user filter and global stats.
// The filter rows are rebuilt wholesale, never patched.
func (r *FilterRepository) SaveSnapshot(ctx context.Context, stats *models.GlobalStats, filter models.UserFilter) error {
	stats.ID = 1
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.UserEntry{}).Error; err != nil {
			return err
		}
		for username, entry := range filter {
			entry.Username = username
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(stats).Error
	})
}

// ClearSnapshot drops the statistics snapshot and user filter
func (r *FilterRepository) ClearSnapshot(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.UserEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&models.GlobalStats{}).Error
	})
}

// EditionRepository provides edition buffer operations
type EditionRepository struct {
	*Repository
}

// NewEditionRepository creates a new edition repository
func NewEditionRepository(repo *Repository) *EditionRepository {
	return &EditionRepository{Repository: repo}
}

// Add inserts an edition entry, ignoring duplicates
func (r *EditionRepository) Add(ctx context.Context, entry *models.EditionEntry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry).Error
}

// All retrieves buffered entries oldest first
func (r *EditionRepository) All(ctx context.Context) ([]models.EditionEntry, error) {
	var entries []models.EditionEntry
	if err := r.db.WithContext(ctx).
		Order("post_timestamp ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteByIDs removes flushed entries
func (r *EditionRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("unique_id IN ?", ids).Delete(&models.EditionEntry{}).Error
}

// Clear wipes the edition buffer
func (r *EditionRepository) Clear(ctx context.Context) error {
	return r.db.WithContext(ctx).Where("1 = 1").Delete(&models.EditionEntry{}).Error
}

// MetaRepository provides fetch metadata and settings operations
type MetaRepository struct {
	*Repository
}

// NewMetaRepository creates a new meta repository
func NewMetaRepository(repo *Repository) *MetaRepository {
	return &MetaRepository{Repository: repo}
}

// GetFetchMetadata retrieves the pagination state singleton, nil when absent
func (r *MetaRepository) GetFetchMetadata(ctx context.Context) (*models.FetchMetadata, error) {
	var meta models.FetchMetadata
	if err := r.db.WithContext(ctx).First(&meta, 1).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &meta, nil
}

// SaveFetchMetadata overwrites the pagination state singleton in place
func (r *MetaRepository) SaveFetchMetadata(ctx context.Context, meta *models.FetchMetadata) error {
	meta.ID = 1
	meta.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(meta).Error
}

// ClearFetchMetadata drops the pagination state
func (r *MetaRepository) ClearFetchMetadata(ctx context.Context) error {
	return r.db.WithContext(ctx).Where("1 = 1").Delete(&models.FetchMetadata{}).Error
}

// GetSetting retrieves a runtime setting override, empty when unset
func (r *MetaRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var setting models.Setting
	if err := r.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return setting.Value, nil
}

// SetSetting upserts a runtime setting override
func (r *MetaRepository) SetSetting(ctx context.Context, key, value string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&models.Setting{Key: key, Value: value}).Error
}
