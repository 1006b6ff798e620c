package stats

import (
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/skylimit/curator/internal/models"
)

func summariesAt(username string, base time.Time, perInterval, intervals int, intervalHours int) []models.PostSummary {
	var out []models.PostSummary
	for iv := 0; iv < intervals; iv++ {
		for p := 0; p < perInterval; p++ {
			ts := base.Add(time.Duration(iv)*time.Duration(intervalHours)*time.Hour +
				time.Duration(p)*time.Minute)
			out = append(out, models.PostSummary{
				UniqueID:  "at://" + username + "/post/" + strconv.Itoa(iv*perInterval+p),
				Username:  username,
				Timestamp: ts,
			})
		}
	}
	return out
}

func TestComputeSingleUserBudget(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC)

	// 5 posts per 6h interval over one day: 20 posts/day against a budget
	// of 5 views/day gives a show probability of one quarter
	in := Input{
		Summaries:     summariesAt("alice", base, 5, 4, 6),
		Follows:       map[string]models.FollowInfo{"alice": {Username: "alice", AmpFactor: 1}},
		IntervalHours: 6,
		ViewsPerDay:   5,
	}

	stats, filter, err := Compute(in)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if math.Abs(stats.SkylimitNumber-5) > 0.01 {
		t.Errorf("SkylimitNumber = %v, want 5", stats.SkylimitNumber)
	}
	entry, ok := filter["alice"]
	if !ok {
		t.Fatal("alice missing from filter")
	}
	if math.Abs(entry.PostDaily-20) > 0.01 {
		t.Errorf("PostDaily = %v, want 20", entry.PostDaily)
	}
	if math.Abs(entry.PostProb-0.25) > 0.01 {
		t.Errorf("PostProb = %v, want 0.25", entry.PostProb)
	}
	if stats.IntervalCount != 4 {
		t.Errorf("IntervalCount = %d, want 4", stats.IntervalCount)
	}
	if stats.SparseIntervals != 0 {
		t.Errorf("SparseIntervals = %d, want 0", stats.SparseIntervals)
	}
}

func TestComputeEverythingFitsBudget(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC)

	// 4 posts/day against 200 views/day: everything shows
	in := Input{
		Summaries:     summariesAt("alice", base, 1, 4, 6),
		Follows:       map[string]models.FollowInfo{"alice": {Username: "alice", AmpFactor: 1}},
		IntervalHours: 6,
		ViewsPerDay:   200,
	}

	_, filter, err := Compute(in)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if filter["alice"].PostProb != 1 {
		t.Errorf("PostProb = %v, want 1 when volume fits the budget", filter["alice"].PostProb)
	}
}

func TestComputeAmplificationSkewsBudget(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC)

	summaries := append(
		summariesAt("alice", base, 5, 4, 6),
		summariesAt("bob", base.Add(5*time.Minute), 5, 4, 6)...)
	follows := map[string]models.FollowInfo{
		"alice": {Username: "alice", AmpFactor: 4},
		"bob":   {Username: "bob", AmpFactor: 1},
	}

	_, filter, err := Compute(Input{
		Summaries:     summaries,
		Follows:       follows,
		IntervalHours: 6,
		ViewsPerDay:   10,
	})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if filter["alice"].PostProb <= filter["bob"].PostProb {
		t.Errorf("amplified account should get a higher probability: alice %v, bob %v",
			filter["alice"].PostProb, filter["bob"].PostProb)
	}
}

func TestComputeSparseIntervalExcluded(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC)

	// Eight busy intervals then one almost-empty interval: the lull must
	// not dilute the rates
	summaries := summariesAt("alice", base, 8, 8, 6)
	summaries = append(summaries, models.PostSummary{
		UniqueID:  "at://alice/post/lone",
		Username:  "alice",
		Timestamp: base.Add(8 * 6 * time.Hour),
	})

	stats, filter, err := Compute(Input{
		Summaries:     summaries,
		Follows:       map[string]models.FollowInfo{"alice": {Username: "alice", AmpFactor: 1}},
		IntervalHours: 6,
		ViewsPerDay:   5,
	})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if stats.SparseIntervals != 1 {
		t.Errorf("SparseIntervals = %d, want 1", stats.SparseIntervals)
	}
	// 8 posts per interval over 2 days of non-sparse intervals: 32/day
	if math.Abs(filter["alice"].PostDaily-32) > 0.01 {
		t.Errorf("PostDaily = %v, want 32 with the sparse interval excluded", filter["alice"].PostDaily)
	}
}

func TestComputeClassifiesKinds(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC)

	summaries := []models.PostSummary{
		{UniqueID: "a1", Username: "alice", Timestamp: base},
		{UniqueID: "a2", Username: "alice", Timestamp: base.Add(time.Minute), Tags: "motd"},
		{UniqueID: "a3", Username: "alice", Timestamp: base.Add(2 * time.Minute), Tags: "priority"},
		{UniqueID: "a4", Username: "alice", Timestamp: base.Add(3 * time.Minute), OrigUsername: "bob"},
	}

	_, filter, err := Compute(Input{
		Summaries:     summaries,
		Follows:       map[string]models.FollowInfo{"alice": {Username: "alice", AmpFactor: 1}},
		IntervalHours: 24,
		ViewsPerDay:   100,
	})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	entry := filter["alice"]
	if entry.PostDaily != 1 || entry.MotxDaily != 1 || entry.PriorityDaily != 1 || entry.RepostDaily != 1 {
		t.Errorf("daily rates = post %v, motx %v, priority %v, repost %v; want 1 each",
			entry.PostDaily, entry.MotxDaily, entry.PriorityDaily, entry.RepostDaily)
	}
}

func TestComputeInsufficientData(t *testing.T) {
	_, _, err := Compute(Input{IntervalHours: 6, ViewsPerDay: 5})
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Compute() error = %v, want ErrInsufficientData", err)
	}
}

func TestComputeRejectsBadInterval(t *testing.T) {
	for _, hours := range []int{0, -1, 5, 7, 25} {
		_, _, err := Compute(Input{IntervalHours: hours, ViewsPerDay: 5})
		if err == nil {
			t.Errorf("Compute() accepted interval of %d hours", hours)
		}
	}
}

func TestSurvivalFraction(t *testing.T) {
	tests := []struct {
		name  string
		stats *models.GlobalStats
		want  float64
	}{
		{"nil stats", nil, 1},
		{"no accumulation", &models.GlobalStats{}, 1},
		{"half shown", &models.GlobalStats{AccumulatedTotal: 100, ShownTotal: 50}, 0.5},
		{"floored", &models.GlobalStats{AccumulatedTotal: 1000, ShownTotal: 1}, 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.SurvivalFraction(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("SurvivalFraction() = %v, want %v", got, tt.want)
			}
		})
	}
}
