// Package lookback drives backward pagination against the remote feed to
// build contiguous history. Fresh writes land in an isolated secondary
// cache whenever the primary cache might be disturbed mid-fetch; once the
// two overlap, the secondary rows merge into the primary oldest-first.
package lookback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/db"
	"github.com/skylimit/curator/internal/feedcache"
	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/internal/source"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
	"github.com/skylimit/curator/pkg/telemetry"
)

// BatchSink curates and stores one fetched batch. The implementation must
// be transactional: either the whole batch lands or none of it does.
type BatchSink interface {
	ProcessBatch(ctx context.Context, items []models.FeedItem, secondary bool) (inserted int, oldest time.Time, err error)
}

// Controller runs lookback passes over the remote feed
type Controller struct {
	src        source.FeedSource
	sink       BatchSink
	cache      *feedcache.Manager
	meta       *db.MetaRepository
	cfg        config.CurationConfig
	maxBatches int
	logger     *zap.Logger
}

// NewController creates a new lookback controller
func NewController(src source.FeedSource, sink BatchSink, cache *feedcache.Manager, meta *db.MetaRepository, curationCfg config.CurationConfig, cacheCfg config.CacheConfig) *Controller {
	return &Controller{
		src:        src,
		sink:       sink,
		cache:      cache,
		meta:       meta,
		cfg:        curationCfg,
		maxBatches: cacheCfg.LookbackMaxBatches,
		logger:     logging.WithComponent("lookback"),
	}
}

// Run performs one lookback pass. Errors abort the run but leave the
// primary cache and metadata at the last fully committed batch; partial
// secondary writes are safe to discard and retry.
func (c *Controller) Run(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "lookback.run")
	defer span.End()

	now := time.Now().UTC()
	boundary := now.Add(-time.Duration(c.cfg.LookbackDays) * 24 * time.Hour)
	gapThreshold := time.Duration(c.cfg.IntervalHours) * time.Hour

	meta, err := c.meta.GetFetchMetadata(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &models.FetchMetadata{}
	}

	// Returning from idle: if the primary cache's newest entry is more
	// than one interval behind now, writing fresh pages directly into it
	// would open a gap, so the secondary cache absorbs them instead.
	secondary := meta.SecondaryActive
	if !secondary {
		newest, err := c.cache.NewestPrimary(ctx)
		if err != nil {
			return err
		}
		if newest != nil && now.Sub(newest.PostTimestamp) > gapThreshold {
			secondary = true
			meta.SecondaryActive = true
			meta.LastCursor = "" // restart pagination from the top of the feed
			if err := c.meta.SaveFetchMetadata(ctx, meta); err != nil {
				return err
			}
			c.logger.Info("Primary cache is stale, routing lookback through secondary cache",
				zap.Time("primary_newest", newest.PostTimestamp))
		}
	}

	cursor := meta.LastCursor
	for batch := 0; batch < c.maxBatches; batch++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		items, next, err := c.src.FetchHomePage(ctx, cursor, c.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			meta.LookbackComplete = true
			break
		}

		inserted, oldest, err := c.sink.ProcessBatch(ctx, items, secondary)
		if err != nil {
			return err
		}

		// Metadata advances only after the batch fully committed
		cursor = next
		meta.LastCursor = cursor
		if meta.OldestPostTime.IsZero() || oldest.Before(meta.OldestPostTime) {
			meta.OldestPostTime = oldest
		}
		if err := c.meta.SaveFetchMetadata(ctx, meta); err != nil {
			return err
		}

		if secondary {
			merged, done, err := c.tryMerge(ctx, meta)
			if err != nil {
				return err
			}
			if done {
				secondary = false
				c.logger.Info("Secondary cache merged into primary", zap.Int("merged", merged))
			}
		}

		c.logger.Debug("Lookback batch processed",
			zap.Int("batch", batch),
			zap.Int("inserted", inserted),
			zap.Time("oldest", oldest),
			zap.Bool("secondary", secondary))

		if inserted == 0 {
			// Already caught up with cached history
			break
		}
		if oldest.Before(boundary) {
			meta.LookbackComplete = true
			break
		}
		if next == "" {
			// Server cursor exhausted
			meta.LookbackComplete = true
			break
		}
	}

	return c.meta.SaveFetchMetadata(ctx, meta)
}

// tryMerge merges the secondary cache into the primary once their ranges
// overlap, so contiguity is preserved at every step
func (c *Controller) tryMerge(ctx context.Context, meta *models.FetchMetadata) (int, bool, error) {
	secondaryOldest, err := c.cache.OldestSecondary(ctx)
	if err != nil {
		return 0, false, err
	}
	if secondaryOldest == nil {
		return 0, false, nil
	}
	primaryNewest, err := c.cache.NewestPrimary(ctx)
	if err != nil {
		return 0, false, err
	}
	if primaryNewest != nil && secondaryOldest.PostTimestamp.After(primaryNewest.PostTimestamp) {
		// No overlap yet; keep paging backward
		return 0, false, nil
	}

	merged, err := c.cache.MergeSecondary(ctx)
	if err != nil {
		return 0, false, err
	}
	meta.SecondaryActive = false
	if err := c.meta.SaveFetchMetadata(ctx, meta); err != nil {
		return merged, true, err
	}
	return merged, true, nil
}
