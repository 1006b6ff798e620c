// Package stats rebuilds the curation filter from historical post
// summaries: per-user daily rates, the global skylimit budget, and each
// account's show probabilities.
package stats

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/curation"
	"github.com/skylimit/curator/internal/db"
	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
	"github.com/skylimit/curator/pkg/telemetry"
)

// ErrInsufficientData is returned when no non-sparse interval exists.
// Callers must treat all posts as shown in that state.
var ErrInsufficientData = errors.New("stats: insufficient data for rate estimation")

const (
	// sparseFraction marks an interval sparse when its activity falls below
	// this fraction of the running mean of preceding non-sparse intervals
	sparseFraction = 0.25
	// minIntervals is how many intervals must be seen before sparsity kicks in
	minIntervals = 4
)

// Input is everything one recomputation pass consumes
type Input struct {
	Summaries     []models.PostSummary
	Follows       map[string]models.FollowInfo
	IntervalHours int
	ViewsPerDay   float64
}

type userCounts struct {
	posts    float64
	reposts  float64
	periodic float64
	priority float64
}

type interval struct {
	id     int64
	total  int
	users  map[string]*userCounts
	sparse bool
}

// Compute runs the two-pass algorithm: accumulate per-interval counts with
// sparse-interval exclusion, then normalize to daily rates and solve for
// the skylimit budget.
func Compute(in Input) (*models.GlobalStats, models.UserFilter, error) {
	if in.IntervalHours <= 0 || 24%in.IntervalHours != 0 {
		return nil, nil, errors.New("stats: interval hours must be a positive divisor of 24")
	}

	intervals, shown := accumulate(in)
	if len(intervals) == 0 {
		return nil, nil, ErrInsufficientData
	}

	markSparse(intervals)

	nonSparse := 0
	sparse := 0
	totalByUser := make(map[string]*userCounts)
	accumulated := 0
	for _, iv := range intervals {
		accumulated += iv.total
		if iv.sparse {
			sparse++
			continue
		}
		nonSparse++
		for user, c := range iv.users {
			t := totalByUser[user]
			if t == nil {
				t = &userCounts{}
				totalByUser[user] = t
			}
			t.posts += c.posts
			t.reposts += c.reposts
			t.periodic += c.periodic
			t.priority += c.priority
		}
	}
	if nonSparse == 0 {
		return nil, nil, ErrInsufficientData
	}

	days := float64(nonSparse) * float64(in.IntervalHours) / 24
	filter := make(models.UserFilter, len(totalByUser))
	for user, c := range totalByUser {
		filter[user] = models.UserEntry{
			Username:      user,
			PostDaily:     c.posts / days,
			RepostDaily:   c.reposts / days,
			MotxDaily:     c.periodic / days,
			PriorityDaily: c.priority / days,
		}
	}

	skylimit := solveSkylimit(filter, in.Follows, in.ViewsPerDay)
	for user, entry := range filter {
		amp := 1.0
		if f, ok := in.Follows[user]; ok && f.AmpFactor > 0 {
			amp = f.AmpFactor
		}
		budget := skylimit * amp

		regular := entry.PostDaily + entry.RepostDaily
		entry.PostProb = clampProb(budget, regular)
		entry.PriorityProb = clampProb(budget, entry.PriorityDaily)
		if entry.PriorityProb < entry.PostProb {
			entry.PriorityProb = entry.PostProb
		}
		entry.NetProb = clampProb(budget, entry.NetDaily())
		filter[user] = entry
	}

	stats := &models.GlobalStats{
		ID:               1,
		SkylimitNumber:   skylimit,
		IntervalCount:    len(intervals),
		SparseIntervals:  sparse,
		AccumulatedTotal: int64(accumulated),
		ShownTotal:       shown,
		ComputedAt:       time.Now().UTC(),
	}
	return stats, filter, nil
}

// accumulate groups summaries into fixed-length intervals and tallies
// per-user counts, returning intervals ordered oldest first
func accumulate(in Input) ([]*interval, int64) {
	intervalSec := int64(in.IntervalHours) * 3600
	byID := make(map[int64]*interval)
	var shown int64

	for i := range in.Summaries {
		s := &in.Summaries[i]
		if s.Shown() {
			shown++
		}

		id := s.Timestamp.Unix() / intervalSec
		iv := byID[id]
		if iv == nil {
			iv = &interval{id: id, users: make(map[string]*userCounts)}
			byID[id] = iv
		}
		iv.total++

		c := iv.users[s.Username]
		if c == nil {
			c = &userCounts{}
			iv.users[s.Username] = c
		}

		tags := s.TagSet()
		var follow *models.FollowInfo
		if f, ok := in.Follows[s.Username]; ok {
			follow = &f
		}
		switch {
		case s.IsRepost():
			c.reposts++
		case curation.IsPeriodic(tags):
			c.periodic++
		case curation.IsPriority(false, tags, follow):
			c.priority++
		default:
			c.posts++
		}
	}

	intervals := make([]*interval, 0, len(byID))
	for _, iv := range byID {
		intervals = append(intervals, iv)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].id < intervals[j].id })
	return intervals, shown
}

// markSparse flags intervals whose activity sits far below the running mean
// so outlier lulls do not skew the rate estimates
func markSparse(intervals []*interval) {
	seen := 0
	sum := 0.0
	for _, iv := range intervals {
		if seen >= minIntervals {
			mean := sum / float64(seen)
			if float64(iv.total) < sparseFraction*mean {
				iv.sparse = true
				continue
			}
		}
		seen++
		sum += float64(iv.total)
	}
}

// solveSkylimit finds the guaranteed-views-per-day budget S such that the
// expected daily views, summed over all users weighted by amp factor, meet
// the target. Each user contributes min(dailyVolume, S*amp), which is
// monotonic in S, so a bisection converges quickly.
func solveSkylimit(filter models.UserFilter, follows map[string]models.FollowInfo, viewsPerDay float64) float64 {
	ampOf := func(user string) float64 {
		if f, ok := follows[user]; ok && f.AmpFactor > 0 {
			return f.AmpFactor
		}
		return 1.0
	}

	expected := func(s float64) float64 {
		total := 0.0
		for user, entry := range filter {
			budget := s * ampOf(user)
			daily := entry.NetDaily()
			if daily < budget {
				total += daily
			} else {
				total += budget
			}
		}
		return total
	}

	// Upper bound where every user saturates
	hi := 0.0
	for user, entry := range filter {
		bound := entry.NetDaily() / ampOf(user)
		if bound > hi {
			hi = bound
		}
	}
	if hi == 0 {
		return 0
	}
	if expected(hi) <= viewsPerDay {
		// Total volume fits in the budget; everything is shown
		return hi
	}

	lo := 0.0
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if expected(mid) < viewsPerDay {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

func clampProb(budget, volume float64) float64 {
	if volume <= 0 {
		return 1
	}
	p := budget / volume
	if p > 1 {
		return 1
	}
	return p
}

// Engine loads summaries from the store, recomputes the filter and
// persists the snapshot atomically
type Engine struct {
	cfg       config.CurationConfig
	summaries *db.SummaryRepository
	follows   *db.FollowRepository
	filter    *db.FilterRepository
	logger    *zap.Logger
}

// NewEngine creates a new statistics engine
func NewEngine(cfg config.CurationConfig, summaries *db.SummaryRepository, follows *db.FollowRepository, filter *db.FilterRepository) *Engine {
	return &Engine{
		cfg:       cfg,
		summaries: summaries,
		follows:   follows,
		filter:    filter,
		logger:    logging.WithComponent("stats-engine"),
	}
}

// Recompute rebuilds and persists the statistics snapshot from all
// non-expired summaries
func (e *Engine) Recompute(ctx context.Context) (*models.GlobalStats, models.UserFilter, error) {
	ctx, span := telemetry.StartSpan(ctx, "stats.recompute")
	defer span.End()

	boundary := time.Now().UTC().Add(-time.Duration(e.cfg.RetentionDays) * 24 * time.Hour)
	summaries, err := e.summaries.GetSince(ctx, boundary)
	if err != nil {
		return nil, nil, err
	}
	follows, err := e.follows.AllMap(ctx)
	if err != nil {
		return nil, nil, err
	}

	stats, filter, err := Compute(Input{
		Summaries:     summaries,
		Follows:       follows,
		IntervalHours: e.cfg.IntervalHours,
		ViewsPerDay:   e.cfg.ViewsPerDay,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := e.filter.SaveSnapshot(ctx, stats, filter); err != nil {
		return nil, nil, err
	}

	e.logger.Info("Statistics recomputed",
		zap.Float64("skylimit", stats.SkylimitNumber),
		zap.Int("intervals", stats.IntervalCount),
		zap.Int("sparse", stats.SparseIntervals),
		zap.Int("users", len(filter)))

	return stats, filter, nil
}
