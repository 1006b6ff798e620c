package lookback

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/skylimit/curator/internal/curation"
	"github.com/skylimit/curator/internal/db"
	"github.com/skylimit/curator/internal/feedcache"
	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/pkg/config"
)

// pagedSource serves a fixed timeline of pages, newest first
type pagedSource struct {
	pages   [][]models.FeedItem
	fetches int
}

func (s *pagedSource) FetchHomePage(ctx context.Context, cursor string, limit int) ([]models.FeedItem, string, error) {
	s.fetches++
	page := 0
	if cursor != "" {
		var err error
		page, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", err
		}
	}
	if page >= len(s.pages) {
		return nil, "", nil
	}
	next := strconv.Itoa(page + 1)
	if page == len(s.pages)-1 {
		next = ""
	}
	return s.pages[page], next, nil
}

func (s *pagedSource) FetchSinglePost(ctx context.Context, uri string) (*models.Post, error) {
	return nil, nil
}

// countingSink records batches and pretends everything was new
type countingSink struct {
	batches   int
	secondary []bool
	inserted  func(items []models.FeedItem) int
}

func (s *countingSink) ProcessBatch(ctx context.Context, items []models.FeedItem, secondary bool) (int, time.Time, error) {
	s.batches++
	s.secondary = append(s.secondary, secondary)
	oldest := items[0].Post.CreatedAt
	for i := range items {
		if items[i].Post.CreatedAt.Before(oldest) {
			oldest = items[i].Post.CreatedAt
		}
	}
	n := len(items)
	if s.inserted != nil {
		n = s.inserted(items)
	}
	return n, oldest, nil
}

// storingSink commits batches through the cache manager the way the real
// ingestor does: every item summarized and cached, nothing dropped
type storingSink struct {
	manager *feedcache.Manager
}

func (s *storingSink) ProcessBatch(ctx context.Context, items []models.FeedItem, secondary bool) (int, time.Time, error) {
	now := time.Now().UTC()
	timestamps := curation.AssignTimestamps(items, now)
	oldest := timestamps[0]
	summaries := make([]models.PostSummary, len(items))
	entries := make([]models.FeedCacheEntry, len(items))
	for i := range items {
		if timestamps[i].Before(oldest) {
			oldest = timestamps[i]
		}
		id := curation.UniqueID(&items[i])
		summaries[i] = models.PostSummary{
			UniqueID:   id,
			Username:   items[i].Post.AuthorHandle,
			AccountDID: items[i].Post.AuthorDID,
			Timestamp:  timestamps[i],
		}
		entries[i] = models.FeedCacheEntry{
			UniqueID:      id,
			PostURI:       items[i].Post.URI,
			Payload:       "{}",
			PostTimestamp: timestamps[i],
			CachedAt:      now,
			IntervalID:    s.manager.IntervalID(timestamps[i]),
		}
	}
	inserted, err := s.manager.PutBatch(ctx, summaries, entries, secondary)
	return inserted, oldest, err
}

func pageAt(newest time.Time, n int, step time.Duration) []models.FeedItem {
	items := make([]models.FeedItem, n)
	for i := 0; i < n; i++ {
		ts := newest.Add(-time.Duration(i) * step)
		items[i] = models.FeedItem{Post: models.Post{
			URI:          "at://alice/post/" + ts.Format(time.RFC3339Nano),
			AuthorHandle: "alice",
			CreatedAt:    ts,
		}}
	}
	return items
}

func newTestController(t *testing.T, src *pagedSource, sink *countingSink, maxBatches int) (*Controller, *db.MetaRepository) {
	t.Helper()
	database, err := db.New(&config.DatabaseConfig{Path: ":memory:"}, "ERROR")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	curationCfg := config.CurationConfig{
		IntervalHours: 6,
		RetentionDays: 14,
		LookbackDays:  3,
		PageSize:      10,
	}
	cacheCfg := config.CacheConfig{LookbackMaxBatches: maxBatches, IntegritySample: 8}
	manager := feedcache.NewManager(database.DB, curationCfg, cacheCfg)
	meta := db.NewMetaRepository(db.NewRepository(database.DB))
	return NewController(src, sink, manager, meta, curationCfg, cacheCfg), meta
}

func TestRunStopsAtLookbackBoundary(t *testing.T) {
	now := time.Now().UTC()
	src := &pagedSource{pages: [][]models.FeedItem{
		pageAt(now, 10, time.Hour),                   // newest day
		pageAt(now.Add(-30*time.Hour), 10, time.Hour), // next day and a bit
		pageAt(now.Add(-80*time.Hour), 10, time.Hour), // crosses the 3-day boundary
		pageAt(now.Add(-200*time.Hour), 10, time.Hour),
	}}
	sink := &countingSink{}
	c, meta := newTestController(t, src, sink, 40)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The third page crosses the boundary; the fourth is never fetched
	if sink.batches != 3 {
		t.Errorf("processed %d batches, want 3", sink.batches)
	}
	if src.fetches != 3 {
		t.Errorf("fetched %d pages, want 3", src.fetches)
	}

	state, err := meta.GetFetchMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetFetchMetadata() error = %v", err)
	}
	if state == nil || !state.LookbackComplete {
		t.Error("lookback not marked complete at boundary")
	}
	if state.OldestPostTime.IsZero() {
		t.Error("oldest post time not recorded")
	}
}

func TestRunStopsWhenCursorExhausted(t *testing.T) {
	now := time.Now().UTC()
	src := &pagedSource{pages: [][]models.FeedItem{
		pageAt(now, 5, time.Minute),
		pageAt(now.Add(-time.Hour), 5, time.Minute),
	}}
	sink := &countingSink{}
	c, meta := newTestController(t, src, sink, 40)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sink.batches != 2 {
		t.Errorf("processed %d batches, want 2", sink.batches)
	}
	state, _ := meta.GetFetchMetadata(context.Background())
	if state == nil || !state.LookbackComplete {
		t.Error("exhausted cursor did not complete the lookback")
	}
}

func TestRunStopsWhenNothingNew(t *testing.T) {
	now := time.Now().UTC()
	src := &pagedSource{pages: [][]models.FeedItem{
		pageAt(now, 5, time.Minute),
		pageAt(now.Add(-time.Hour), 5, time.Minute),
		pageAt(now.Add(-2*time.Hour), 5, time.Minute),
	}}
	sink := &countingSink{}
	// Second batch is already fully known
	sink.inserted = func(items []models.FeedItem) int {
		if sink.batches >= 2 {
			return 0
		}
		return len(items)
	}
	c, _ := newTestController(t, src, sink, 40)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sink.batches != 2 {
		t.Errorf("processed %d batches, want 2 (stop on no new inserts)", sink.batches)
	}
}

func TestRunHonorsBatchCap(t *testing.T) {
	now := time.Now().UTC()
	// Plenty of dense recent pages; the cap must stop the run
	pages := make([][]models.FeedItem, 20)
	for i := range pages {
		pages[i] = pageAt(now.Add(-time.Duration(i)*time.Hour), 5, time.Minute)
	}
	src := &pagedSource{pages: pages}
	sink := &countingSink{}
	c, _ := newTestController(t, src, sink, 4)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sink.batches != 4 {
		t.Errorf("processed %d batches, want the cap of 4", sink.batches)
	}
}

func TestRunMergesStalePrimaryWithoutGaps(t *testing.T) {
	now := time.Now().UTC()
	database, err := db.New(&config.DatabaseConfig{Path: ":memory:"}, "ERROR")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	curationCfg := config.CurationConfig{
		IntervalHours: 6,
		RetentionDays: 14,
		LookbackDays:  3,
		PageSize:      10,
	}
	cacheCfg := config.CacheConfig{LookbackMaxBatches: 40, IntegritySample: 8}
	manager := feedcache.NewManager(database.DB, curationCfg, cacheCfg)
	meta := db.NewMetaRepository(db.NewRepository(database.DB))
	sink := &storingSink{manager: manager}
	ctx := context.Background()

	// Primary cache last saw posts ten hours ago, well past one interval
	if _, _, err := sink.ProcessBatch(ctx, pageAt(now.Add(-10*time.Hour), 2, time.Hour), false); err != nil {
		t.Fatalf("failed to seed primary cache: %v", err)
	}

	// Two fresh pages; the second reaches back over the primary's newest
	// entry so the overlap check fires
	src := &pagedSource{pages: [][]models.FeedItem{
		pageAt(now, 6, time.Hour),
		pageAt(now.Add(-6*time.Hour), 6, time.Hour),
	}}
	c := NewController(src, sink, manager, meta, curationCfg, cacheCfg)

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Secondary cache drained into primary
	leftover, err := manager.NewestSecondary(ctx)
	if err != nil {
		t.Fatalf("NewestSecondary() error = %v", err)
	}
	if leftover != nil {
		t.Error("secondary cache not cleared after merge")
	}
	state, err := meta.GetFetchMetadata(ctx)
	if err != nil {
		t.Fatalf("GetFetchMetadata() error = %v", err)
	}
	if state == nil || state.SecondaryActive {
		t.Error("secondary cache still flagged active after merge")
	}

	// The descending scan over the merged primary must be contiguous: no
	// gap wider than one interval between consecutive entries
	entries, err := manager.ReadBefore(ctx, now.Add(time.Hour), 50)
	if err != nil {
		t.Fatalf("ReadBefore() error = %v", err)
	}
	if len(entries) != 12 {
		t.Fatalf("primary cache holds %d entries after merge, want 12", len(entries))
	}
	interval := time.Duration(curationCfg.IntervalHours) * time.Hour
	for i := 1; i < len(entries); i++ {
		gap := entries[i-1].PostTimestamp.Sub(entries[i].PostTimestamp)
		if gap > interval {
			t.Errorf("gap of %v between %v and %v exceeds one interval",
				gap, entries[i-1].PostTimestamp, entries[i].PostTimestamp)
		}
	}
}

func TestRunCancelled(t *testing.T) {
	now := time.Now().UTC()
	src := &pagedSource{pages: [][]models.FeedItem{pageAt(now, 5, time.Minute)}}
	sink := &countingSink{}
	c, _ := newTestController(t, src, sink, 40)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err == nil {
		t.Error("Run() with cancelled context returned nil error")
	}
	if sink.batches != 0 {
		t.Errorf("cancelled run still processed %d batches", sink.batches)
	}
}
