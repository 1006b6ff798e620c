package curation

import (
	"github.com/skylimit/curator/internal/models"
)

// UniqueID derives the canonical unique ID for a feed item. Originals use
// the post URI. Reposts use the native repost record URI when the server
// provides one, otherwise a synthetic ID combining the reposter's DID and
// the original post URI. Every subsystem (summaries, cache keys, probing)
// must go through this function so the ID scheme cannot diverge.
func UniqueID(item *models.FeedItem) string {
	if !item.IsRepost() {
		return item.Post.URI
	}
	if item.Reason.RecordURI != "" {
		return item.Reason.RecordURI
	}
	return item.Reason.ByDID + "/repost/" + item.Post.URI
}
