package feedcache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/skylimit/curator/internal/db"
	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/pkg/config"
)

func newTestManager(t *testing.T) (*Manager, *db.DB) {
	t.Helper()
	database, err := db.New(&config.DatabaseConfig{Path: ":memory:"}, "ERROR")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	m := NewManager(database.DB, config.CurationConfig{
		IntervalHours: 6,
		RetentionDays: 14,
		PageSize:      30,
	}, config.CacheConfig{
		IntegritySample: 32,
		// Debounce disabled so tests never race a background cleanup
		CleanupDebounceSec: 0,
	})
	return m, database
}

func batchOf(base time.Time, n int) ([]models.PostSummary, []models.FeedCacheEntry) {
	summaries := make([]models.PostSummary, n)
	entries := make([]models.FeedCacheEntry, n)
	for i := 0; i < n; i++ {
		id := "at://alice/post/" + strconv.Itoa(i)
		ts := base.Add(time.Duration(i) * time.Minute)
		summaries[i] = models.PostSummary{UniqueID: id, Username: "alice", Timestamp: ts}
		entries[i] = models.FeedCacheEntry{
			UniqueID:      id,
			PostURI:       id,
			Payload:       "{}",
			PostTimestamp: ts,
			CachedAt:      base,
		}
	}
	return summaries, entries
}

func TestPutBatchIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	summaries, entries := batchOf(base, 5)
	inserted, err := m.PutBatch(ctx, summaries, entries, false)
	if err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}
	if inserted != 5 {
		t.Errorf("first PutBatch inserted = %d, want 5", inserted)
	}

	inserted, err = m.PutBatch(ctx, summaries, entries, false)
	if err != nil {
		t.Fatalf("second PutBatch() error = %v", err)
	}
	if inserted != 0 {
		t.Errorf("replayed PutBatch inserted = %d, want 0", inserted)
	}

	// Overlapping batch: only the new tail lands
	moreSummaries, moreEntries := batchOf(base, 8)
	inserted, err = m.PutBatch(ctx, moreSummaries, moreEntries, false)
	if err != nil {
		t.Fatalf("overlapping PutBatch() error = %v", err)
	}
	if inserted != 3 {
		t.Errorf("overlapping PutBatch inserted = %d, want 3", inserted)
	}
}

func TestReadBeforeAndAfter(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	summaries, entries := batchOf(base, 10)
	if _, err := m.PutBatch(ctx, summaries, entries, false); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}

	// Strictly-older page, newest first
	page, err := m.ReadBefore(ctx, base.Add(5*time.Minute), 3)
	if err != nil {
		t.Fatalf("ReadBefore() error = %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("ReadBefore() returned %d entries, want 3", len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].PostTimestamp.After(page[i-1].PostTimestamp) {
			t.Errorf("ReadBefore() not newest-first at %d", i)
		}
	}
	if !page[0].PostTimestamp.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("ReadBefore() newest = %v, want %v", page[0].PostTimestamp, base.Add(4*time.Minute))
	}

	newer, err := m.ReadAfter(ctx, base.Add(7*time.Minute), 10)
	if err != nil {
		t.Fatalf("ReadAfter() error = %v", err)
	}
	if len(newer) != 2 {
		t.Errorf("ReadAfter() returned %d entries, want 2", len(newer))
	}

	count, err := m.CountAfter(ctx, base.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("CountAfter() error = %v", err)
	}
	if count != 5 {
		t.Errorf("CountAfter() = %d, want 5", count)
	}
}

func TestSecondaryMerge(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Old history in primary, a fresh disjoint run in secondary
	oldSummaries, oldEntries := batchOf(base, 3)
	if _, err := m.PutBatch(ctx, oldSummaries, oldEntries, false); err != nil {
		t.Fatalf("primary PutBatch() error = %v", err)
	}

	freshSummaries := make([]models.PostSummary, 3)
	freshEntries := make([]models.FeedCacheEntry, 3)
	for i := range freshEntries {
		id := "at://bob/post/" + strconv.Itoa(i)
		ts := base.Add(time.Duration(60+i) * time.Minute)
		freshSummaries[i] = models.PostSummary{UniqueID: id, Username: "bob", Timestamp: ts}
		freshEntries[i] = models.FeedCacheEntry{UniqueID: id, PostURI: id, Payload: "{}", PostTimestamp: ts, CachedAt: base}
	}
	if _, err := m.PutBatch(ctx, freshSummaries, freshEntries, true); err != nil {
		t.Fatalf("secondary PutBatch() error = %v", err)
	}

	newestSecondary, err := m.NewestSecondary(ctx)
	if err != nil || newestSecondary == nil {
		t.Fatalf("NewestSecondary() = %v, %v", newestSecondary, err)
	}

	merged, err := m.MergeSecondary(ctx)
	if err != nil {
		t.Fatalf("MergeSecondary() error = %v", err)
	}
	if merged != 3 {
		t.Errorf("MergeSecondary() = %d, want 3", merged)
	}

	leftover, err := m.NewestSecondary(ctx)
	if err != nil {
		t.Fatalf("NewestSecondary() after merge error = %v", err)
	}
	if leftover != nil {
		t.Error("secondary cache not empty after merge")
	}

	count, err := m.CountAfter(ctx, time.Time{})
	if err != nil {
		t.Fatalf("CountAfter() error = %v", err)
	}
	if count != 6 {
		t.Errorf("primary holds %d entries after merge, want 6", count)
	}
}

func TestValidateIntegrityWipesOnOrphan(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	summaries, entries := batchOf(base, 4)
	if _, err := m.PutBatch(ctx, summaries, entries, false); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}

	ok, err := m.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatalf("ValidateIntegrity() error = %v", err)
	}
	if !ok {
		t.Fatal("consistent cache reported invalid")
	}

	// Orphan a cached entry by deleting its summary out from under it
	if err := database.DB.Where("unique_id = ?", "at://alice/post/2").
		Delete(&models.PostSummary{}).Error; err != nil {
		t.Fatalf("failed to orphan entry: %v", err)
	}

	ok, err = m.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatalf("ValidateIntegrity() error = %v", err)
	}
	if ok {
		t.Fatal("orphaned cache reported valid")
	}

	count, err := m.CountAfter(ctx, time.Time{})
	if err != nil {
		t.Fatalf("CountAfter() error = %v", err)
	}
	if count != 0 {
		t.Errorf("cache holds %d entries after wipe, want 0", count)
	}
}

func TestCleanupKeepsInvariant(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// One expired entry, one live entry
	old := now.Add(-20 * 24 * time.Hour)
	summaries := []models.PostSummary{
		{UniqueID: "old", Username: "alice", Timestamp: old},
		{UniqueID: "live", Username: "alice", Timestamp: now},
	}
	entries := []models.FeedCacheEntry{
		{UniqueID: "old", PostURI: "old", Payload: "{}", PostTimestamp: old, CachedAt: now},
		{UniqueID: "live", PostURI: "live", Payload: "{}", PostTimestamp: now, CachedAt: now},
	}
	if _, err := m.PutBatch(ctx, summaries, entries, false); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}

	removed, err := m.Cleanup(ctx, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed = %d, want 1", removed)
	}

	exists, err := m.ExistsByID(ctx, "live")
	if err != nil || !exists {
		t.Errorf("live entry missing after cleanup: %v, %v", exists, err)
	}
	exists, err = m.ExistsByID(ctx, "old")
	if err != nil || exists {
		t.Errorf("expired entry survived cleanup: %v, %v", exists, err)
	}

	var summaryCount int64
	if err := database.DB.Model(&models.PostSummary{}).Count(&summaryCount).Error; err != nil {
		t.Fatalf("summary count error = %v", err)
	}
	if summaryCount != 1 {
		t.Errorf("summaries after cleanup = %d, want 1", summaryCount)
	}
}

func TestIntervalID(t *testing.T) {
	m, _ := newTestManager(t)

	a := time.Date(2026, 5, 1, 0, 10, 0, 0, time.UTC)
	b := time.Date(2026, 5, 1, 5, 50, 0, 0, time.UTC)
	c := time.Date(2026, 5, 1, 6, 10, 0, 0, time.UTC)

	if m.IntervalID(a) != m.IntervalID(b) {
		t.Error("timestamps in the same interval got different ids")
	}
	if m.IntervalID(b) == m.IntervalID(c) {
		t.Error("timestamps across an interval boundary share an id")
	}
}
