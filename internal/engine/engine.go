// Package engine wires the feed source, curation filter, statistics and
// caches into the long-running curation loop and the operations the HTTP
// surface exposes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/cache"
	"github.com/skylimit/curator/internal/curation"
	"github.com/skylimit/curator/internal/db"
	"github.com/skylimit/curator/internal/feedcache"
	"github.com/skylimit/curator/internal/lookback"
	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/internal/prober"
	"github.com/skylimit/curator/internal/source"
	"github.com/skylimit/curator/internal/stats"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
	"github.com/skylimit/curator/pkg/telemetry"
)

// Errors the HTTP layer maps to status codes
var (
	ErrUnknownAccount = errors.New("engine: account is not followed")
	ErrRateLimited    = errors.New("engine: remote source is rate limited")
)

// pageCacheTTL bounds how stale a memoized display page may be
const pageCacheTTL = 30 * time.Second

// DisplayPost is one rendered feed row: the cached post plus the curation
// rationale from its summary
type DisplayPost struct {
	Item        models.FeedItem `json:"item"`
	Timestamp   time.Time       `json:"timestamp"`
	UniqueID    string          `json:"unique_id"`
	CurationMsg string          `json:"curation_msg,omitempty"`
}

// Engine orchestrates ingestion, recomputation and display reads
type Engine struct {
	cfg        *config.Config
	src        source.FeedSource
	limits     *source.LimitState
	manager    *feedcache.Manager
	ingestor   *Ingestor
	controller *lookback.Controller
	statsEng   *stats.Engine
	prober     *prober.Prober
	hot        *cache.Cache

	summaries *db.SummaryRepository
	follows   *db.FollowRepository
	filter    *db.FilterRepository
	edition   *db.EditionRepository
	meta      *db.MetaRepository

	cron   *cron.Cron
	logger *zap.Logger
}

// New creates a new engine
func New(cfg *config.Config, src source.FeedSource, limits *source.LimitState, repo *db.Repository, manager *feedcache.Manager, hot *cache.Cache) *Engine {
	ingestor := NewIngestor(cfg, manager, repo)
	meta := db.NewMetaRepository(repo)
	summaries := db.NewSummaryRepository(repo)
	follows := db.NewFollowRepository(repo)
	filter := db.NewFilterRepository(repo)

	return &Engine{
		cfg:        cfg,
		src:        src,
		limits:     limits,
		manager:    manager,
		ingestor:   ingestor,
		controller: lookback.NewController(src, ingestor, manager, meta, cfg.Curation, cfg.Cache),
		statsEng:   stats.NewEngine(cfg.Curation, summaries, follows, filter),
		prober:     prober.New(src, cfg.Curation),
		hot:        hot,
		summaries:  summaries,
		follows:    follows,
		filter:     filter,
		edition:    db.NewEditionRepository(repo),
		meta:       meta,
		logger:     logging.WithComponent("engine"),
	}
}

// Start validates the caches, runs an initial lookback and schedules the
// periodic jobs. Blocks until the initial pass finishes; the cron jobs run
// until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.manager.ValidateIntegrity(ctx); err != nil {
		return err
	}
	if err := e.controller.Run(ctx); err != nil {
		e.logger.Warn("Initial lookback failed, continuing with cached history", zap.Error(err))
	}
	if _, _, err := e.RecomputeStatistics(ctx); err != nil && !errors.Is(err, stats.ErrInsufficientData) {
		return err
	}

	e.cron = cron.New()
	if _, err := e.cron.AddFunc("@every 5m", func() { e.runJob("ingest", e.IngestTick) }); err != nil {
		return err
	}
	recomputeSpec := fmt.Sprintf("@every %dh", e.cfg.Curation.IntervalHours)
	if _, err := e.cron.AddFunc(recomputeSpec, func() {
		e.runJob("recompute", func(ctx context.Context) error {
			_, _, err := e.RecomputeStatistics(ctx)
			if errors.Is(err, stats.ErrInsufficientData) {
				return nil
			}
			return err
		})
	}); err != nil {
		return err
	}
	if _, err := e.cron.AddFunc("@hourly", func() {
		e.runJob("cleanup", func(ctx context.Context) error {
			retention := time.Duration(e.cfg.Curation.RetentionDays) * 24 * time.Hour
			_, err := e.manager.Cleanup(ctx, retention)
			return err
		})
	}); err != nil {
		return err
	}
	for _, t := range e.cfg.Edition.Times {
		hour, minute, err := config.ParseEditionTime(t)
		if err != nil {
			return err
		}
		spec := fmt.Sprintf("%d %d * * *", minute, hour)
		if _, err := e.cron.AddFunc(spec, func() { e.runJob("edition-flush", e.FlushEditions) }); err != nil {
			return err
		}
	}
	e.cron.Start()

	e.logger.Info("Engine started",
		zap.Int("edition_times", len(e.cfg.Edition.Times)),
		zap.String("recompute_every", recomputeSpec))
	return nil
}

// Stop halts the periodic jobs and any pending cleanup
func (e *Engine) Stop() {
	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
	e.manager.StopCleanup()
}

func (e *Engine) runJob(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
	}
}

// IngestTick pulls the newest feed page into the primary cache. When the
// primary cache has fallen more than one interval behind, the full lookback
// controller takes over so the gap is filled through the secondary cache.
func (e *Engine) IngestTick(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "engine.ingest_tick")
	defer span.End()

	if e.limits != nil && e.limits.IsLimited() {
		e.logger.Debug("Skipping ingest tick, source rate limited",
			zap.Duration("remaining", e.limits.Remaining()))
		return nil
	}

	newest, err := e.manager.NewestPrimary(ctx)
	if err != nil {
		return err
	}
	gapThreshold := time.Duration(e.cfg.Curation.IntervalHours) * time.Hour
	if newest == nil || time.Now().UTC().Sub(newest.PostTimestamp) > gapThreshold {
		return e.controller.Run(ctx)
	}

	items, _, err := e.src.FetchHomePage(ctx, "", e.cfg.Curation.PageSize)
	if err != nil {
		return err
	}
	inserted, _, err := e.ingestor.ProcessBatch(ctx, items, false)
	if err != nil {
		return err
	}
	if inserted > 0 {
		e.invalidatePages()
		if err := e.advanceNewest(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RefreshNow forces an immediate ingest. Unlike the scheduled tick it
// surfaces the rate-limit state to the caller instead of silently skipping.
func (e *Engine) RefreshNow(ctx context.Context) error {
	if e.limits != nil && e.limits.IsLimited() {
		return ErrRateLimited
	}
	return e.IngestTick(ctx)
}

func (e *Engine) advanceNewest(ctx context.Context) error {
	newest, err := e.manager.NewestPrimary(ctx)
	if err != nil || newest == nil {
		return err
	}
	meta, err := e.meta.GetFetchMetadata(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &models.FetchMetadata{}
	}
	if newest.PostTimestamp.After(meta.NewestPostTime) {
		meta.NewestPostTime = newest.PostTimestamp
		return e.meta.SaveFetchMetadata(ctx, meta)
	}
	return nil
}

// RecomputeStatistics rebuilds the filter snapshot and re-applies the
// probability decisions to existing summaries. Periodic admissions are not
// replayed, and the deterministic sampler keeps unchanged rates stable, so
// only posts whose probabilities genuinely moved flip.
func (e *Engine) RecomputeStatistics(ctx context.Context) (*models.GlobalStats, models.UserFilter, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.recompute")
	defer span.End()

	gstats, filter, err := e.statsEng.Recompute(ctx)
	if err != nil {
		return nil, nil, err
	}

	follows, err := e.follows.AllMap(ctx)
	if err != nil {
		return gstats, filter, err
	}
	boost, err := e.ingestor.boostEnabled(ctx)
	if err != nil {
		return gstats, filter, err
	}

	boundary := time.Now().UTC().Add(-time.Duration(e.cfg.Curation.RetentionDays) * 24 * time.Hour)
	summaries, err := e.summaries.GetSince(ctx, boundary)
	if err != nil {
		return gstats, filter, err
	}

	flipped := 0
	for i := range summaries {
		s := &summaries[i]
		dropped, msg, err := curation.Reevaluate(s, e.cfg.Source.SelfDID, follows, filter, e.cfg.Curation.Secret, boost)
		if err != nil {
			return gstats, filter, err
		}
		if dropped == s.CurationDropped && msg == s.CurationMsg {
			continue
		}
		if err := e.applyFlip(ctx, s, dropped, msg); err != nil {
			return gstats, filter, err
		}
		flipped++
	}
	if flipped > 0 {
		e.invalidatePages()
		e.logger.Info("Re-curation applied", zap.Int("flipped", flipped))
	}
	return gstats, filter, nil
}

// applyFlip updates a summary's curation decision and keeps the display
// cache consistent with it: newly hidden posts leave the cache, newly shown
// posts are refetched so the cached payload exists.
func (e *Engine) applyFlip(ctx context.Context, s *models.PostSummary, dropped, msg string) error {
	wasShown := s.Shown()
	nowShown := dropped == ""

	if wasShown && !nowShown {
		if err := e.manager.DeleteByID(ctx, s.UniqueID); err != nil {
			return err
		}
	}
	if !wasShown && nowShown {
		cached, err := e.manager.ExistsByID(ctx, s.UniqueID)
		if err != nil {
			return err
		}
		if !cached {
			if s.IsRepost() {
				// The summary does not retain the original post URI, so a
				// hidden repost cannot be refetched; it stays hidden until
				// the next lookback sees it again.
				e.logger.Debug("Skipping repost flip, no cached payload", zap.String("unique_id", s.UniqueID))
				return nil
			}
			if err := e.refetchIntoCache(ctx, s); err != nil {
				if errors.Is(err, source.ErrNotFound) {
					// Post no longer exists upstream; leave the prior decision
					e.logger.Debug("Skipping flip, post gone upstream", zap.String("unique_id", s.UniqueID))
					return nil
				}
				return err
			}
		}
	}
	if err := e.summaries.UpdateCuration(ctx, s.UniqueID, dropped, msg); err != nil {
		return err
	}
	s.CurationDropped = dropped
	s.CurationMsg = msg
	return nil
}

// refetchIntoCache pulls an original post back from the source so a
// summary flipped to shown has a displayable payload. Only originals: a
// summary's unique id is the post URI for them.
func (e *Engine) refetchIntoCache(ctx context.Context, s *models.PostSummary) error {
	post, err := e.src.FetchSinglePost(ctx, s.UniqueID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&models.FeedItem{Post: *post})
	if err != nil {
		return err
	}
	_, err = e.manager.PutIfAbsent(ctx, []models.FeedCacheEntry{{
		UniqueID:      s.UniqueID,
		PostURI:       post.URI,
		Payload:       string(payload),
		PostTimestamp: s.Timestamp,
		CachedAt:      time.Now().UTC(),
		IntervalID:    e.manager.IntervalID(s.Timestamp),
	}}, false)
	return err
}

// FlushEditions moves buffered digest posts into the live feed, oldest
// first, and flips their summaries to shown. Safe to re-run: inserts are
// if-absent and deletes are by id.
func (e *Engine) FlushEditions(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "engine.flush_editions")
	defer span.End()

	entries, err := e.edition.All(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC()
	flushed := make([]string, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		var item models.FeedItem
		if err := json.Unmarshal([]byte(entry.Payload), &item); err != nil {
			e.logger.Warn("Dropping unreadable edition entry", zap.String("unique_id", entry.UniqueID), zap.Error(err))
			flushed = append(flushed, entry.UniqueID)
			continue
		}
		if _, err := e.manager.PutIfAbsent(ctx, []models.FeedCacheEntry{{
			UniqueID:      entry.UniqueID,
			PostURI:       item.Post.URI,
			Payload:       entry.Payload,
			PostTimestamp: entry.PostTimestamp,
			CachedAt:      now,
			IntervalID:    e.manager.IntervalID(entry.PostTimestamp),
		}}, false); err != nil {
			return err
		}
		msg := "published in edition " + entry.Section
		if err := e.summaries.UpdateCuration(ctx, entry.UniqueID, "", msg); err != nil {
			return err
		}
		flushed = append(flushed, entry.UniqueID)
	}

	if err := e.edition.DeleteByIDs(ctx, flushed); err != nil {
		return err
	}
	e.invalidatePages()
	e.logger.Info("Edition flushed", zap.Int("posts", len(flushed)))
	return nil
}

// GetDisplayPage returns up to limit feed rows strictly older than before,
// newest first. Pages are memoized in the hot cache briefly.
func (e *Engine) GetDisplayPage(ctx context.Context, before time.Time, limit int) ([]DisplayPost, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.display_page")
	defer span.End()

	if limit <= 0 || limit > e.cfg.Curation.PageSize {
		limit = e.cfg.Curation.PageSize
	}

	key := "feed:" + cache.HashKey("page", strconv.FormatInt(before.UnixMilli(), 10), strconv.Itoa(limit))
	if cached, err := e.hot.Get(key); err == nil {
		var page []DisplayPost
		if err := json.Unmarshal([]byte(cached), &page); err == nil {
			return page, nil
		}
	}

	entries, err := e.manager.ReadBefore(ctx, before, limit)
	if err != nil {
		return nil, err
	}

	page := make([]DisplayPost, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		var item models.FeedItem
		if err := json.Unmarshal([]byte(entry.Payload), &item); err != nil {
			e.logger.Warn("Skipping unreadable cache payload", zap.String("unique_id", entry.UniqueID), zap.Error(err))
			continue
		}
		row := DisplayPost{
			Item:      item,
			Timestamp: entry.PostTimestamp,
			UniqueID:  entry.UniqueID,
		}
		if s, err := e.summaries.GetByID(ctx, entry.UniqueID); err == nil && s != nil {
			row.CurationMsg = s.CurationMsg
		}
		page = append(page, row)
	}

	if encoded, err := json.Marshal(page); err == nil {
		if err := e.hot.Set(key, encoded, pageCacheTTL); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
			e.logger.Debug("Page memoization failed", zap.Error(err))
		}
	}
	return page, nil
}

// NewCount is the result of a new-posts check
type NewCount struct {
	Count    int64 `json:"count"`
	FullPage bool  `json:"full_page"`
}

// GetNewPostsCount reports how many shown posts are newer than after, and
// whether a full display page of them is available. Cached entries answer
// first; the prober is consulted only when the cache alone cannot fill a
// page and the source is not rate limited.
func (e *Engine) GetNewPostsCount(ctx context.Context, after time.Time) (NewCount, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.new_count")
	defer span.End()

	count, err := e.manager.CountAfter(ctx, after)
	if err != nil {
		return NewCount{}, err
	}
	if count >= int64(e.cfg.Curation.PageSize) {
		return NewCount{Count: count, FullPage: true}, nil
	}
	if e.limits != nil && e.limits.IsLimited() {
		return NewCount{Count: count}, nil
	}

	in, err := e.probeInput(ctx, after)
	if err != nil {
		return NewCount{}, err
	}
	res, err := e.prober.Probe(ctx, in)
	if err != nil {
		var rl *source.RateLimitError
		if errors.As(err, &rl) {
			return NewCount{Count: count}, nil
		}
		return NewCount{}, err
	}
	if int64(res.Shown) > count {
		count = int64(res.Shown)
	}
	return NewCount{Count: count, FullPage: res.FullPage}, nil
}

func (e *Engine) probeInput(ctx context.Context, after time.Time) (prober.Input, error) {
	follows, err := e.follows.AllMap(ctx)
	if err != nil {
		return prober.Input{}, err
	}
	gstats, err := e.filter.LoadStats(ctx)
	if err != nil {
		return prober.Input{}, err
	}
	filter, err := e.filter.LoadFilter(ctx)
	if err != nil {
		return prober.Input{}, err
	}
	boost, err := e.ingestor.boostEnabled(ctx)
	if err != nil {
		return prober.Input{}, err
	}
	return prober.Input{
		After:        after,
		SelfDID:      e.cfg.Source.SelfDID,
		Secret:       e.cfg.Curation.Secret,
		Follows:      follows,
		Stats:        gstats,
		Filter:       filter,
		EditionCount: len(e.cfg.Edition.EditionSections()),
		Boost:        boost,
	}, nil
}

// AmpUp doubles an account's amplification factor, clamped to the
// configured ceiling. Synchronous; the new factor takes effect at the next
// recomputation.
func (e *Engine) AmpUp(ctx context.Context, username string) (float64, error) {
	return e.adjustAmp(ctx, username, 2)
}

// AmpDown halves an account's amplification factor, clamped to the
// configured floor
func (e *Engine) AmpDown(ctx context.Context, username string) (float64, error) {
	return e.adjustAmp(ctx, username, 0.5)
}

func (e *Engine) adjustAmp(ctx context.Context, username string, factor float64) (float64, error) {
	follow, err := e.follows.GetByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	if follow == nil {
		return 0, ErrUnknownAccount
	}
	amp := follow.AmpFactor * factor
	if amp < e.cfg.Curation.AmpMin {
		amp = e.cfg.Curation.AmpMin
	}
	if amp > e.cfg.Curation.AmpMax {
		amp = e.cfg.Curation.AmpMax
	}
	follow.AmpFactor = amp
	if err := e.follows.Save(ctx, follow); err != nil {
		return 0, err
	}
	e.logger.Info("Amplification adjusted",
		zap.String("username", username),
		zap.Float64("amp", amp))
	return amp, nil
}

// SaveFollow upserts the curation state for a followed account
func (e *Engine) SaveFollow(ctx context.Context, follow *models.FollowInfo) error {
	if follow.Username == "" {
		return errors.New("engine: follow username is required")
	}
	if follow.AmpFactor <= 0 {
		follow.AmpFactor = 1
	}
	return e.follows.Save(ctx, follow)
}

// DeleteFollow removes an account's curation state on unfollow. Its
// summaries and cached posts age out through retention.
func (e *Engine) DeleteFollow(ctx context.Context, username string) error {
	follow, err := e.follows.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	if follow == nil {
		return ErrUnknownAccount
	}
	return e.follows.Delete(ctx, username)
}

// SetBoost flips the runtime boost-amplification override
func (e *Engine) SetBoost(ctx context.Context, enabled bool) error {
	return e.meta.SetSetting(ctx, models.SettingBoostAmplification, strconv.FormatBool(enabled))
}

// ClearAllCaches wipes the feed caches, the edition buffer, the pagination
// state and the hot cache. The statistics snapshot survives; the next
// lookback rebuilds history from the live feed.
func (e *Engine) ClearAllCaches(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "engine.clear_caches")
	defer span.End()

	if err := e.manager.WipeCaches(ctx); err != nil {
		return err
	}
	if err := e.edition.Clear(ctx); err != nil {
		return err
	}
	e.invalidatePages()
	e.logger.Info("All caches cleared")
	return nil
}

// Health reports readiness of the store
func (e *Engine) Health(ctx context.Context) error {
	_, err := e.summaries.Count(ctx)
	return err
}

func (e *Engine) invalidatePages() {
	if err := e.hot.FlushPrefix("feed:"); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		e.logger.Debug("Hot cache invalidation failed", zap.Error(err))
	}
}
