package curation

import (
	"fmt"
	"strings"
	"time"

	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/internal/sampler"
)

// Drop reasons recorded on summaries
const (
	DropFiltered      = "filtered"
	DropEditionPrefix = "saved for edition "
)

// digestWindow bounds how old a post may be and still land in an edition
const digestWindow = 7 * 24 * time.Hour

// Input carries everything a single curation decision needs
type Input struct {
	Item               *models.FeedItem
	Timestamp          time.Time // assigned post timestamp, may differ from CreatedAt for reposts
	SelfDID            string
	Follows            map[string]models.FollowInfo
	Stats              *models.GlobalStats
	Filter             models.UserFilter
	Secret             string
	EditionCount       int
	BoostAmplification bool
	Now                time.Time
}

// Result is the outcome of curating one feed item
type Result struct {
	Summary models.PostSummary
	// FollowUpdate is set when a periodic admission marker changed and
	// must be persisted
	FollowUpdate *models.FollowInfo
}

// Curate decides whether one post is shown and builds its summary. The
// decision is annotated with a human-readable rationale either way; that is
// the audit trail a user inspects to understand their feed.
func Curate(in Input) (Result, error) {
	item := in.Item
	summary := baseSummary(item, in.Timestamp)
	tags := summary.TagSet()

	// Rule 1: posts by self are always shown, unmarked.
	if summary.AccountDID == in.SelfDID && in.SelfDID != "" {
		summary.CurationMsg = "own post"
		return Result{Summary: summary}, nil
	}

	follow := lookupFollow(in.Follows, summary.Username)

	// Rule 2: never silently hide content before statistics exist.
	if in.Stats == nil || len(in.Filter) == 0 {
		summary.CurationMsg = noStatsMsg(follow)
		return Result{Summary: summary}, nil
	}

	entry, tracked := in.Filter[summary.Username]
	if !tracked {
		summary.CurationMsg = fmt.Sprintf("@%s not tracked in filter yet, shown", summary.Username)
		return Result{Summary: summary}, nil
	}

	priority := IsPriority(item.IsRepost(), tags, follow)

	// Rule 3: periodic-post admission, one per calendar period per class.
	var followUpdate *models.FollowInfo
	if !item.IsRepost() && follow != nil {
		classes := PeriodicClasses(tags)
		admitted := false
		for _, class := range classes {
			last := lastShown(class, follow)
			if !last.IsZero() && samePeriod(class, last, in.Timestamp, follow.Location()) {
				continue
			}
			recordShown(class, follow, in.Timestamp)
			followUpdate = follow
			admitted = true
			summary.CurationMsg = fmt.Sprintf("admitted as %s for @%s", class.Tag(), summary.Username)
			break
		}
		if admitted {
			res := Result{Summary: summary, FollowUpdate: followUpdate}
			res.Summary = maybeRedirectToEdition(res.Summary, item, tags, follow, in)
			return res, nil
		}
		if len(classes) > 0 {
			// A periodic post that missed its slot competes as priority,
			// never as a silently dropped regular post.
			priority = true
		}
	}

	// Rule 4: deterministic probability draw.
	prob := entry.PostProb
	kind := "post"
	if priority {
		prob = entry.PriorityProb
		kind = "priority"
	}
	sample, err := sampler.Sample(in.Secret, "filter", in.SelfDID, summary.UniqueID)
	if err != nil {
		return Result{}, err
	}

	shown := sample <= prob
	boosted := false
	if !shown && in.BoostAmplification && follow != nil && follow.AmpFactor > 1 {
		boostProb := prob * follow.AmpFactor
		if boostProb > 1 {
			boostProb = 1
		}
		if sample <= boostProb {
			shown = true
			boosted = true
		}
	}

	summary.CurationMsg = rateMsg(summary.Username, &entry, kind, prob, sample, boosted)
	if !shown {
		summary.CurationDropped = DropFiltered
		return Result{Summary: summary}, nil
	}

	// Rule 5: digestible posts are saved for the next edition instead of
	// the live feed.
	summary = maybeRedirectToEdition(summary, item, tags, follow, in)
	return Result{Summary: summary}, nil
}

// Reevaluate re-applies the probability decision to an existing summary
// after a statistics recomputation. Periodic admissions are not replayed:
// a summary already shown as periodic stays shown, and one that missed its
// slot competes as priority, matching the original decision path. With an
// unchanged filter the deterministic sample reproduces the prior outcome.
func Reevaluate(s *models.PostSummary, selfDID string, follows map[string]models.FollowInfo, filter models.UserFilter, secret string, boost bool) (dropped, msg string, err error) {
	// A post held for an edition already passed its draw; its payload sits
	// in the edition buffer, so only the flush may clear this state.
	if strings.HasPrefix(s.CurationDropped, DropEditionPrefix) {
		return s.CurationDropped, s.CurationMsg, nil
	}
	if s.AccountDID == selfDID && selfDID != "" {
		return "", "own post", nil
	}

	follow := lookupFollow(follows, s.Username)
	entry, tracked := filter[s.Username]
	if !tracked {
		return "", fmt.Sprintf("@%s not tracked in filter yet, shown", s.Username), nil
	}

	tags := s.TagSet()
	if !s.IsRepost() && IsPeriodic(tags) && s.Shown() {
		return "", fmt.Sprintf("admitted as periodic for @%s", s.Username), nil
	}

	priority := IsPriority(s.IsRepost(), tags, follow)
	if !s.IsRepost() && IsPeriodic(tags) {
		priority = true
	}

	prob := entry.PostProb
	kind := "post"
	if priority {
		prob = entry.PriorityProb
		kind = "priority"
	}
	sample, err := sampler.Sample(secret, "filter", selfDID, s.UniqueID)
	if err != nil {
		return "", "", err
	}

	shown := sample <= prob
	boosted := false
	if !shown && boost && follow != nil && follow.AmpFactor > 1 {
		boostProb := prob * follow.AmpFactor
		if boostProb > 1 {
			boostProb = 1
		}
		if sample <= boostProb {
			shown = true
			boosted = true
		}
	}

	msg = rateMsg(s.Username, &entry, kind, prob, sample, boosted)
	if !shown {
		return DropFiltered, msg, nil
	}
	return "", msg, nil
}

func baseSummary(item *models.FeedItem, ts time.Time) models.PostSummary {
	post := &item.Post
	summary := models.PostSummary{
		UniqueID:     UniqueID(item),
		CID:          post.CID,
		Username:     post.AuthorHandle,
		AccountDID:   post.AuthorDID,
		Tags:         models.JoinTags(post.Tags),
		RepostCount:  post.RepostCount,
		InReplyToURI: post.InReplyToURI,
		Timestamp:    ts,
		Engaged:      post.LikedBySelf,
	}
	if item.IsRepost() {
		summary.Username = item.Reason.ByHandle
		summary.AccountDID = item.Reason.ByDID
		summary.OrigUsername = post.AuthorHandle
		summary.RepostURI = item.Reason.RecordURI
	}
	return summary
}

func lookupFollow(follows map[string]models.FollowInfo, username string) *models.FollowInfo {
	if follows == nil {
		return nil
	}
	if f, ok := follows[username]; ok {
		return &f
	}
	return nil
}

func maybeRedirectToEdition(summary models.PostSummary, item *models.FeedItem, tags map[string]bool, follow *models.FollowInfo, in Input) models.PostSummary {
	if summary.CurationDropped != "" {
		return summary
	}
	if follow == nil || follow.EditionSection == "" {
		return summary
	}
	if in.EditionCount <= 0 {
		return summary
	}
	if item.IsRepost() || item.Post.InReplyToURI != "" || tags[TagNoDigest] {
		return summary
	}
	if in.Now.Sub(item.Post.CreatedAt) > digestWindow {
		return summary
	}
	summary.CurationDropped = DropEditionPrefix + follow.EditionSection
	return summary
}

func noStatsMsg(follow *models.FollowInfo) string {
	if follow == nil {
		return "no statistics yet, shown"
	}
	return fmt.Sprintf("no statistics yet, shown (amp %.3g, topics %q)", follow.AmpFactor, follow.Topics)
}

func rateMsg(username string, entry *models.UserEntry, kind string, prob, sample float64, boosted bool) string {
	msg := fmt.Sprintf("@%s posts %.1f/day, reposts %.1f/day; %s probability %.0f%%, sample %.2f",
		username, entry.PostDaily+entry.PriorityDaily+entry.MotxDaily, entry.RepostDaily, kind, prob*100, sample)
	if boosted {
		msg += " (amplified)"
	}
	return msg
}
