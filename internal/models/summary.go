package models

import (
	"strings"
	"time"
)

// PostSummary records the curation decision for one displayable post.
// UniqueID is globally unique: a repost of the same original post by two
// different accounts produces two distinct summaries.
type PostSummary struct {
	UniqueID        string    `gorm:"primaryKey;type:varchar(512);column:unique_id"`
	CID             string    `gorm:"type:varchar(128);column:cid"`
	Username        string    `gorm:"type:varchar(255);not null;index;column:username"`
	AccountDID      string    `gorm:"type:varchar(255);column:account_did"`
	OrigUsername    string    `gorm:"type:varchar(255);column:orig_username"`
	Tags            string    `gorm:"type:text;column:tags"`
	RepostURI       string    `gorm:"type:varchar(512);column:repost_uri"`
	RepostCount     int       `gorm:"column:repost_count"`
	InReplyToURI    string    `gorm:"type:varchar(512);column:in_reply_to_uri"`
	Timestamp       time.Time `gorm:"not null;index;column:timestamp"`
	Engaged         bool      `gorm:"not null;default:false;column:engaged"`
	CurationDropped string    `gorm:"type:varchar(255);column:curation_dropped"`
	CurationMsg     string    `gorm:"type:text;column:curation_msg"`
}

// TableName specifies the table name for PostSummary
func (PostSummary) TableName() string {
	return "post_summaries"
}

// IsRepost reports whether the summary describes a repost
func (s *PostSummary) IsRepost() bool {
	return s.OrigUsername != ""
}

// Shown reports whether the post passed curation
func (s *PostSummary) Shown() bool {
	return s.CurationDropped == ""
}

// TagSet returns the summary's tags as a set
func (s *PostSummary) TagSet() map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Split(s.Tags, ",") {
		t = strings.TrimSpace(strings.ToLower(t))
		if t != "" {
			set[t] = true
		}
	}
	return set
}

// JoinTags serializes a tag list into the stored representation
func JoinTags(tags []string) string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return strings.Join(out, ",")
}
