package models

import (
	"strings"
	"time"
)

// FollowInfo holds per-followed-account curation state
type FollowInfo struct {
	Username         string    `gorm:"primaryKey;type:varchar(255);column:username"`
	DID              string    `gorm:"type:varchar(255);column:did"`
	AmpFactor        float64   `gorm:"not null;default:1;column:amp_factor"`
	Topics           string    `gorm:"type:text;column:topics"`
	Timezone         string    `gorm:"type:varchar(64);column:timezone"`
	EditionSection   string    `gorm:"type:varchar(255);column:edition_section"`
	LastDailyShown   time.Time `gorm:"column:last_daily_shown"`
	LastWeeklyShown  time.Time `gorm:"column:last_weekly_shown"`
	LastMonthlyShown time.Time `gorm:"column:last_monthly_shown"`
	CreatedAt        time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for FollowInfo
func (FollowInfo) TableName() string {
	return "follows"
}

// TopicList returns the configured priority topics
func (f *FollowInfo) TopicList() []string {
	var topics []string
	for _, t := range strings.Split(f.Topics, ",") {
		t = strings.TrimSpace(strings.ToLower(t))
		if t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// Location resolves the account timezone, falling back to UTC
func (f *FollowInfo) Location() *time.Location {
	if f.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
