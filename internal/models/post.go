package models

import (
	"strings"
	"time"
)

// Post represents a raw post fetched from the remote feed
type Post struct {
	URI          string    `json:"uri"`
	CID          string    `json:"cid"`
	AuthorDID    string    `json:"authorDid"`
	AuthorHandle string    `json:"authorHandle"`
	Text         string    `json:"text"`
	Tags         []string  `json:"tags,omitempty"`
	InReplyToURI string    `json:"inReplyToUri,omitempty"`
	RepostCount  int       `json:"repostCount,omitempty"`
	LikedBySelf  bool      `json:"likedBySelf,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasTag reports whether the post carries the given lowercase hashtag
func (p *Post) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ReasonKind identifies why an item appears in the home feed
type ReasonKind int

// Reason kinds, normalized once at the access-layer boundary
const (
	ReasonNone ReasonKind = iota
	ReasonLike
	ReasonRepost
	ReasonReply
	ReasonMention
	ReasonQuote
	ReasonFollow
)

// String returns the wire-friendly name of the reason kind
func (k ReasonKind) String() string {
	switch k {
	case ReasonLike:
		return "like"
	case ReasonRepost:
		return "repost"
	case ReasonReply:
		return "reply"
	case ReasonMention:
		return "mention"
	case ReasonQuote:
		return "quote"
	case ReasonFollow:
		return "follow"
	default:
		return "none"
	}
}

// Reason is the closed variant of the wire "reason" union
type Reason struct {
	Kind      ReasonKind `json:"kind"`
	ByDID     string     `json:"byDid,omitempty"`
	ByHandle  string     `json:"byHandle,omitempty"`
	RecordURI string     `json:"recordUri,omitempty"`
	At        time.Time  `json:"at,omitempty"`
}

// FeedItem is one entry of the home timeline: a post plus an optional
// repost reason describing how it got there
type FeedItem struct {
	Post   Post    `json:"post"`
	Reason *Reason `json:"reason,omitempty"`
}

// IsRepost reports whether the item is a repost by a followed account
func (f *FeedItem) IsRepost() bool {
	return f.Reason != nil && f.Reason.Kind == ReasonRepost
}
