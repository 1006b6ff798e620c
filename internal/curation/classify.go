package curation

import (
	"time"

	"github.com/skylimit/curator/internal/models"
)

// Well-known curation tags
const (
	TagDaily    = "motd"
	TagWeekly   = "motw"
	TagMonthly  = "motm"
	TagPriority = "priority"
	TagNoDigest = "nodigest"
)

// PeriodicClass is a periodic-post cadence
type PeriodicClass int

// Periodic classes, most frequent first
const (
	ClassDaily PeriodicClass = iota
	ClassWeekly
	ClassMonthly
)

// Tag returns the tag that marks the class
func (c PeriodicClass) Tag() string {
	switch c {
	case ClassDaily:
		return TagDaily
	case ClassWeekly:
		return TagWeekly
	default:
		return TagMonthly
	}
}

// PeriodicClasses returns the periodic classes present in the tag set
func PeriodicClasses(tags map[string]bool) []PeriodicClass {
	var classes []PeriodicClass
	for _, c := range []PeriodicClass{ClassDaily, ClassWeekly, ClassMonthly} {
		if tags[c.Tag()] {
			classes = append(classes, c)
		}
	}
	return classes
}

// IsPeriodic reports whether the tag set carries any periodic class
func IsPeriodic(tags map[string]bool) bool {
	return tags[TagDaily] || tags[TagWeekly] || tags[TagMonthly]
}

// IsPriority reports whether a post counts as priority for its author.
// Reposts are never priority.
func IsPriority(isRepost bool, tags map[string]bool, follow *models.FollowInfo) bool {
	if isRepost {
		return false
	}
	if tags[TagPriority] {
		return true
	}
	if follow == nil {
		return false
	}
	for _, topic := range follow.TopicList() {
		if tags[topic] {
			return true
		}
	}
	return false
}

// samePeriod reports whether two instants fall in the same calendar period
// for the class, evaluated in the given location
func samePeriod(class PeriodicClass, a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	switch class {
	case ClassDaily:
		ay, am, ad := a.Date()
		by, bm, bd := b.Date()
		return ay == by && am == bm && ad == bd
	case ClassWeekly:
		ay, aw := a.ISOWeek()
		by, bw := b.ISOWeek()
		return ay == by && aw == bw
	default:
		ay, am, _ := a.Date()
		by, bm, _ := b.Date()
		return ay == by && am == bm
	}
}

// lastShown returns the admission marker for the class
func lastShown(class PeriodicClass, follow *models.FollowInfo) time.Time {
	switch class {
	case ClassDaily:
		return follow.LastDailyShown
	case ClassWeekly:
		return follow.LastWeeklyShown
	default:
		return follow.LastMonthlyShown
	}
}

// recordShown updates the admission marker for the class
func recordShown(class PeriodicClass, follow *models.FollowInfo, at time.Time) {
	switch class {
	case ClassDaily:
		follow.LastDailyShown = at
	case ClassWeekly:
		follow.LastWeeklyShown = at
	default:
		follow.LastMonthlyShown = at
	}
}
