package models

import (
	"time"
)

// UserEntry holds one account's daily rates and derived show probabilities.
// Rows are rebuilt wholesale on each statistics recomputation, never patched.
type UserEntry struct {
	Username      string  `gorm:"primaryKey;type:varchar(255);column:username"`
	MotxDaily     float64 `gorm:"column:motx_daily"`
	PriorityDaily float64 `gorm:"column:priority_daily"`
	PostDaily     float64 `gorm:"column:post_daily"`
	RepostDaily   float64 `gorm:"column:repost_daily"`
	NetProb       float64 `gorm:"column:net_prob"`
	PriorityProb  float64 `gorm:"column:priority_prob"`
	PostProb      float64 `gorm:"column:post_prob"`
}

// TableName specifies the table name for UserEntry
func (UserEntry) TableName() string {
	return "user_filter"
}

// NetDaily returns the account's total daily volume
func (u *UserEntry) NetDaily() float64 {
	return u.PostDaily + u.RepostDaily + u.PriorityDaily + u.MotxDaily
}

// GlobalStats is the singleton snapshot the user filter was derived with
type GlobalStats struct {
	ID               int64     `gorm:"primaryKey;autoIncrement:false;column:id"`
	SkylimitNumber   float64   `gorm:"not null;column:skylimit_number"`
	IntervalCount    int       `gorm:"column:interval_count"`
	SparseIntervals  int       `gorm:"column:sparse_intervals"`
	AccumulatedTotal int64     `gorm:"column:accumulated_total"`
	ShownTotal       int64     `gorm:"column:shown_total"`
	ComputedAt       time.Time `gorm:"not null;column:computed_at"`
}

// TableName specifies the table name for GlobalStats
func (GlobalStats) TableName() string {
	return "global_stats"
}

// SurvivalFraction estimates the fraction of raw posts that survive the
// filter, floored so the prober's page sizing stays bounded
func (g *GlobalStats) SurvivalFraction() float64 {
	if g == nil || g.AccumulatedTotal == 0 {
		return 1
	}
	frac := float64(g.ShownTotal) / float64(g.AccumulatedTotal)
	if frac < 0.05 {
		return 0.05
	}
	return frac
}

// UserFilter maps username to the account's filter entry
type UserFilter map[string]UserEntry
