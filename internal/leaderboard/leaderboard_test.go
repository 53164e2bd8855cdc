package leaderboard

import (
	"context"
	"testing"
	"time"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
	"github.com/indraafito/EcoTrade-sub000/internal/store"
)

var testTiers = []model.RankTier{
	{Name: "Gold", MinPoints: 1500, SortOrder: 3},
	{Name: "Bronze", MinPoints: 0, SortOrder: 1},
	{Name: "Silver", MinPoints: 500, SortOrder: 2},
}

func TestTierFor(t *testing.T) {
	cases := map[int]string{
		0:    "Bronze",
		499:  "Bronze",
		500:  "Silver",
		1499: "Silver",
		1500: "Gold",
		9000: "Gold",
	}
	for points, want := range cases {
		if got := TierFor(testTiers, points); got != want {
			t.Errorf("TierFor(%d) = %q, want %q", points, got, want)
		}
	}

	if got := TierFor([]model.RankTier{{Name: "Silver", MinPoints: 500}}, 10); got != "" {
		t.Errorf("below every threshold = %q, want empty", got)
	}
}

func TestRankSharesTiedPositions(t *testing.T) {
	rows := []store.LeaderboardRow{
		{UserID: "c", Points: 100},
		{UserID: "a", Points: 600},
		{UserID: "b", Points: 600},
	}
	got := Rank(rows, testTiers)

	want := []struct {
		user string
		pos  int
		tier string
	}{
		{"a", 1, "Silver"},
		{"b", 1, "Silver"},
		{"c", 3, "Bronze"},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].UserID != w.user || got[i].Position != w.pos || got[i].Tier != w.tier {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], w)
		}
	}
}

type fakeRepo struct {
	since time.Time
	rows  []store.LeaderboardRow
}

func (f *fakeRepo) PointsSince(_ context.Context, since time.Time, _ int) ([]store.LeaderboardRow, error) {
	f.since = since
	return f.rows, nil
}

func (f *fakeRepo) RankTiers(context.Context) ([]model.RankTier, error) {
	return testTiers, nil
}

func TestMonthlyUsesCurrentUTCMonth(t *testing.T) {
	repo := &fakeRepo{rows: []store.LeaderboardRow{{UserID: "a", Points: 20}}}
	svc := New(repo)
	jakarta := time.FixedZone("WIB", 7*3600)
	svc.now = func() time.Time { return time.Date(2024, 6, 1, 3, 0, 0, 0, jakarta) }

	entries, err := svc.Monthly(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC); !repo.since.Equal(want) {
		t.Fatalf("since = %v, want %v", repo.since, want)
	}
	if len(entries) != 1 || entries[0].Position != 1 {
		t.Fatalf("entries = %+v", entries)
	}
}
