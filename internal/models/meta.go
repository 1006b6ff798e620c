package models

import (
	"time"
)

// FetchMetadata is the singleton row tracking remote pagination state.
// Overwritten in place; never more than one row.
type FetchMetadata struct {
	ID               int64     `gorm:"primaryKey;autoIncrement:false;column:id"`
	LastCursor       string    `gorm:"type:varchar(512);column:last_cursor"`
	NewestPostTime   time.Time `gorm:"column:newest_post_time"`
	OldestPostTime   time.Time `gorm:"column:oldest_post_time"`
	LookbackComplete bool      `gorm:"not null;default:false;column:lookback_complete"`
	SecondaryActive  bool      `gorm:"not null;default:false;column:secondary_active"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for FetchMetadata
func (FetchMetadata) TableName() string {
	return "fetch_metadata"
}

// Setting keys recognized at runtime
const (
	SettingBoostAmplification = "boost_amplification"
)

// Setting is a runtime-adjustable configuration override
type Setting struct {
	Key   string `gorm:"primaryKey;type:varchar(255);column:key"`
	Value string `gorm:"type:text;column:value"`
}

// TableName specifies the table name for Setting
func (Setting) TableName() string {
	return "settings"
}
