// Package leaderboard ranks users by monthly points and resolves rank tiers.
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
	"github.com/indraafito/EcoTrade-sub000/internal/store"
)

// Repository is the storage the leaderboard reads from.
type Repository interface {
	PointsSince(ctx context.Context, since time.Time, limit int) ([]store.LeaderboardRow, error)
	RankTiers(ctx context.Context) ([]model.RankTier, error)
}

// SortTiers orders tiers by ascending threshold, then by SortOrder.
func SortTiers(tiers []model.RankTier) []model.RankTier {
	out := append([]model.RankTier(nil), tiers...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MinPoints != out[j].MinPoints {
			return out[i].MinPoints < out[j].MinPoints
		}
		return out[i].SortOrder < out[j].SortOrder
	})
	return out
}

// TierFor returns the highest tier whose threshold points reaches. Points below
// every threshold yield an empty name.
func TierFor(tiers []model.RankTier, points int) string {
	name := ""
	for _, t := range SortTiers(tiers) {
		if points < t.MinPoints {
			break
		}
		name = t.Name
	}
	return name
}

// MonthStart returns midnight UTC on the first day of the month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Rank turns per-user totals into positioned entries. Users with equal points
// share a position.
func Rank(rows []store.LeaderboardRow, tiers []model.RankTier) []model.LeaderboardEntry {
	sorted := append([]store.LeaderboardRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Points != sorted[j].Points {
			return sorted[i].Points > sorted[j].Points
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	entries := make([]model.LeaderboardEntry, 0, len(sorted))
	for i, r := range sorted {
		pos := i + 1
		if i > 0 && r.Points == sorted[i-1].Points {
			pos = entries[i-1].Position
		}
		entries = append(entries, model.LeaderboardEntry{
			Position: pos,
			UserID:   r.UserID,
			Username: r.Username,
			Points:   r.Points,
			Bottles:  r.Bottles,
			Tier:     TierFor(tiers, r.Points),
		})
	}
	return entries
}

// Service builds the monthly leaderboard.
type Service struct {
	repo Repository
	now  func() time.Time
}

// New returns a Service reading from repo.
func New(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Monthly ranks users by points earned since the start of the current UTC month.
func (s *Service) Monthly(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.repo.PointsSince(ctx, MonthStart(s.now()), limit)
	if err != nil {
		return nil, fmt.Errorf("load monthly points: %w", err)
	}
	tiers, err := s.repo.RankTiers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rank tiers: %w", err)
	}
	return Rank(rows, tiers), nil
}
