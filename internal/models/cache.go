package models

import (
	"time"
)

// FeedCacheEntry is one post physically cached for display
type FeedCacheEntry struct {
	UniqueID      string    `gorm:"primaryKey;type:varchar(512);column:unique_id"`
	PostURI       string    `gorm:"type:varchar(512);not null;column:post_uri"`
	Payload       string    `gorm:"type:text;not null;column:payload"`
	PostTimestamp time.Time `gorm:"not null;index;column:post_timestamp"`
	CachedAt      time.Time `gorm:"not null;column:cached_at"`
	IntervalID    int64     `gorm:"index;column:interval_id"`
	ReposterDID   string    `gorm:"type:varchar(255);column:reposter_did"`
}

// TableName specifies the table name for FeedCacheEntry
func (FeedCacheEntry) TableName() string {
	return "feed_cache"
}

// SecondaryCacheEntry shares the feed cache shape but lives in an isolated
// table used only while a lookback run is in flight
type SecondaryCacheEntry FeedCacheEntry

// TableName specifies the table name for SecondaryCacheEntry
func (SecondaryCacheEntry) TableName() string {
	return "secondary_cache"
}

// EditionEntry is a post held back for a scheduled digest edition
type EditionEntry struct {
	UniqueID      string    `gorm:"primaryKey;type:varchar(512);column:unique_id"`
	Section       string    `gorm:"type:varchar(255);not null;column:section"`
	Payload       string    `gorm:"type:text;not null;column:payload"`
	PostTimestamp time.Time `gorm:"not null;index;column:post_timestamp"`
	SavedAt       time.Time `gorm:"not null;column:saved_at"`
}

// TableName specifies the table name for EditionEntry
func (EditionEntry) TableName() string {
	return "edition_buffer"
}
