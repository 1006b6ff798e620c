package curation

import (
	"time"

	"github.com/skylimit/curator/internal/models"
)

// AssignTimestamps gives every item in a server-ordered batch (newest
// first) its display timestamp. Originals use their creation time and
// reposts their repost time; a repost without its own timestamp inherits
// the most recent known time, nudged back a millisecond so relative order
// survives the range scans.
func AssignTimestamps(items []models.FeedItem, fallback time.Time) []time.Time {
	out := make([]time.Time, len(items))
	last := fallback
	for i := range items {
		item := &items[i]
		var t time.Time
		switch {
		case item.IsRepost() && !item.Reason.At.IsZero():
			t = item.Reason.At
		case !item.IsRepost():
			t = item.Post.CreatedAt
		}
		if t.IsZero() {
			t = last.Add(-time.Millisecond)
		}
		out[i] = t
		last = t
	}
	return out
}
