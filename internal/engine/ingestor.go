package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/curation"
	"github.com/skylimit/curator/internal/db"
	"github.com/skylimit/curator/internal/feedcache"
	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
	"github.com/skylimit/curator/pkg/telemetry"
)

// Ingestor curates fetched batches and commits them to the store. It is
// the batch sink behind both fresh-page ingestion and lookback runs.
type Ingestor struct {
	cfg       *config.Config
	manager   *feedcache.Manager
	summaries *db.SummaryRepository
	follows   *db.FollowRepository
	filter    *db.FilterRepository
	edition   *db.EditionRepository
	meta      *db.MetaRepository
	logger    *zap.Logger
}

// NewIngestor creates a new ingestor
func NewIngestor(cfg *config.Config, manager *feedcache.Manager, repo *db.Repository) *Ingestor {
	return &Ingestor{
		cfg:       cfg,
		manager:   manager,
		summaries: db.NewSummaryRepository(repo),
		follows:   db.NewFollowRepository(repo),
		filter:    db.NewFilterRepository(repo),
		edition:   db.NewEditionRepository(repo),
		meta:      db.NewMetaRepository(repo),
		logger:    logging.WithComponent("ingestor"),
	}
}

// ProcessBatch curates one server-ordered batch (newest first) and commits
// the results. Items already summarized are skipped, so re-fetching an
// overlapping page is harmless. Returns how many cache entries were newly
// inserted and the oldest post timestamp seen in the batch.
func (g *Ingestor) ProcessBatch(ctx context.Context, items []models.FeedItem, secondary bool) (int, time.Time, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.process_batch")
	defer span.End()

	if len(items) == 0 {
		return 0, time.Time{}, nil
	}

	now := time.Now().UTC()
	timestamps := curation.AssignTimestamps(items, now)

	oldest := timestamps[0]
	for _, ts := range timestamps {
		if ts.Before(oldest) {
			oldest = ts
		}
	}

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = curation.UniqueID(&items[i])
	}
	existing, err := g.summaries.ExistingIDs(ctx, ids)
	if err != nil {
		return 0, oldest, err
	}

	follows, err := g.follows.AllMap(ctx)
	if err != nil {
		return 0, oldest, err
	}
	stats, err := g.filter.LoadStats(ctx)
	if err != nil {
		return 0, oldest, err
	}
	filter, err := g.filter.LoadFilter(ctx)
	if err != nil {
		return 0, oldest, err
	}
	boost, err := g.boostEnabled(ctx)
	if err != nil {
		return 0, oldest, err
	}
	editionCount := len(g.cfg.Edition.EditionSections())

	var summaries []models.PostSummary
	var entries []models.FeedCacheEntry
	var editions []models.EditionEntry

	for i := range items {
		if existing[ids[i]] {
			continue
		}

		out, err := curation.Curate(curation.Input{
			Item:               &items[i],
			Timestamp:          timestamps[i],
			SelfDID:            g.cfg.Source.SelfDID,
			Follows:            follows,
			Stats:              stats,
			Filter:             filter,
			Secret:             g.cfg.Curation.Secret,
			EditionCount:       editionCount,
			BoostAmplification: boost,
			Now:                now,
		})
		if err != nil {
			return 0, oldest, err
		}
		if out.FollowUpdate != nil {
			follows[out.FollowUpdate.Username] = *out.FollowUpdate
			if err := g.follows.Save(ctx, out.FollowUpdate); err != nil {
				return 0, oldest, err
			}
		}

		summaries = append(summaries, out.Summary)

		payload, err := json.Marshal(&items[i])
		if err != nil {
			return 0, oldest, err
		}

		reposter := ""
		if items[i].IsRepost() {
			reposter = items[i].Reason.ByDID
		}

		switch {
		case out.Summary.Shown():
			entries = append(entries, models.FeedCacheEntry{
				UniqueID:      out.Summary.UniqueID,
				PostURI:       items[i].Post.URI,
				Payload:       string(payload),
				PostTimestamp: timestamps[i],
				CachedAt:      now,
				IntervalID:    g.manager.IntervalID(timestamps[i]),
				ReposterDID:   reposter,
			})
		case strings.HasPrefix(out.Summary.CurationDropped, curation.DropEditionPrefix):
			editions = append(editions, models.EditionEntry{
				UniqueID:      out.Summary.UniqueID,
				Section:       strings.TrimPrefix(out.Summary.CurationDropped, curation.DropEditionPrefix),
				Payload:       string(payload),
				PostTimestamp: timestamps[i],
				SavedAt:       now,
			})
		}
	}

	inserted, err := g.manager.PutBatch(ctx, summaries, entries, secondary)
	if err != nil {
		return 0, oldest, err
	}
	for i := range editions {
		if err := g.edition.Add(ctx, &editions[i]); err != nil {
			return inserted, oldest, err
		}
	}

	g.logger.Debug("Batch processed",
		zap.Int("items", len(items)),
		zap.Int("new_summaries", len(summaries)),
		zap.Int("cached", inserted),
		zap.Int("edition_saved", len(editions)),
		zap.Bool("secondary", secondary))
	return inserted, oldest, nil
}

// boostEnabled resolves the runtime boost override, falling back to the
// static configuration
func (g *Ingestor) boostEnabled(ctx context.Context) (bool, error) {
	val, err := g.meta.GetSetting(ctx, models.SettingBoostAmplification)
	if err != nil {
		return false, err
	}
	switch val {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return g.cfg.Curation.BoostAmplification, nil
	}
}
