// Package prober estimates whether a full filtered page of fresh posts is
// available without committing anything to the persistent store, so the
// server pagination cursor is never consumed by a probe.
package prober

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/curation"
	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/internal/source"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
	"github.com/skylimit/curator/pkg/telemetry"
)

// hardCeiling caps the raw fetch size regardless of survival estimates
const hardCeiling = 100

// Input carries the curation state a probe evaluates against
type Input struct {
	After        time.Time
	SelfDID      string
	Secret       string
	Follows      map[string]models.FollowInfo
	Stats        *models.GlobalStats
	Filter       models.UserFilter
	EditionCount int
	Boost        bool
}

// Result reports what a probe found
type Result struct {
	PageRaw  int
	Fetched  int
	Shown    int
	FullPage bool
}

// Prober runs curation dry-runs over upcoming posts
type Prober struct {
	src    source.FeedSource
	cfg    config.CurationConfig
	logger *zap.Logger
}

// New creates a new prober
func New(src source.FeedSource, cfg config.CurationConfig) *Prober {
	return &Prober{
		src:    src,
		cfg:    cfg,
		logger: logging.WithComponent("prober"),
	}
}

// PageRaw computes how many raw posts must be pulled to yield one full
// filtered page, given the current survival fraction
func (p *Prober) PageRaw(stats *models.GlobalStats) int {
	survival := stats.SurvivalFraction()
	raw := int(math.Ceil(p.cfg.VarFactor * float64(p.cfg.PageSize) / survival))
	if raw > hardCeiling {
		return hardCeiling
	}
	if raw < p.cfg.PageSize {
		return p.cfg.PageSize
	}
	return raw
}

// Probe fetches upcoming posts and runs them through the curation filter
// without any store writes, reporting whether a full display page of posts
// newer than in.After is available.
func (p *Prober) Probe(ctx context.Context, in Input) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "prober.probe")
	defer span.End()

	pageRaw := p.PageRaw(in.Stats)
	res := Result{PageRaw: pageRaw}

	// Empty cursor: the stored pagination cursor stays untouched
	items, _, err := p.src.FetchHomePage(ctx, "", pageRaw)
	if err != nil {
		return res, err
	}
	res.Fetched = len(items)

	now := time.Now().UTC()
	timestamps := curation.AssignTimestamps(items, now)

	// Scratch copy so intra-probe periodic admissions apply without
	// persisting anything
	follows := make(map[string]models.FollowInfo, len(in.Follows))
	for k, v := range in.Follows {
		follows[k] = v
	}

	for i := range items {
		out, err := curation.Curate(curation.Input{
			Item:               &items[i],
			Timestamp:          timestamps[i],
			SelfDID:            in.SelfDID,
			Follows:            follows,
			Stats:              in.Stats,
			Filter:             in.Filter,
			Secret:             in.Secret,
			EditionCount:       in.EditionCount,
			BoostAmplification: in.Boost,
			Now:                now,
		})
		if err != nil {
			return res, err
		}
		if out.FollowUpdate != nil {
			follows[out.FollowUpdate.Username] = *out.FollowUpdate
		}
		if out.Summary.Shown() && timestamps[i].After(in.After) {
			res.Shown++
		}
	}

	res.FullPage = res.Shown >= p.cfg.PageSize
	p.logger.Debug("Probe complete",
		zap.Int("page_raw", pageRaw),
		zap.Int("fetched", res.Fetched),
		zap.Int("shown", res.Shown),
		zap.Bool("full_page", res.FullPage))
	return res, nil
}
