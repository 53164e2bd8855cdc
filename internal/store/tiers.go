package store

import (
	"context"
	"fmt"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
)

// DefaultRankTiers seed an empty rank_tiers table.
var DefaultRankTiers = []model.RankTier{
	{Name: "Bronze", MinPoints: 0, SortOrder: 1},
	{Name: "Silver", MinPoints: 500, SortOrder: 2},
	{Name: "Gold", MinPoints: 1500, SortOrder: 3},
	{Name: "Platinum", MinPoints: 5000, SortOrder: 4},
}

func (s *Store) seedRankTiers(ctx context.Context) error {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM rank_tiers;`); err != nil {
		return fmt.Errorf("count rank tiers: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.ReplaceRankTiers(ctx, DefaultRankTiers)
}

// RankTiers returns the configured tiers ordered by threshold.
func (s *Store) RankTiers(ctx context.Context) ([]model.RankTier, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var rows []struct {
		Name      string `db:"name"`
		MinPoints int    `db:"min_points"`
		SortOrder int    `db:"sort_order"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT name, min_points, sort_order FROM rank_tiers ORDER BY min_points ASC, sort_order ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query rank tiers: %w", err)
	}

	tiers := make([]model.RankTier, 0, len(rows))
	for _, r := range rows {
		tiers = append(tiers, model.RankTier{Name: r.Name, MinPoints: r.MinPoints, SortOrder: r.SortOrder})
	}
	return tiers, nil
}

// ReplaceRankTiers swaps the full tier table in one transaction.
func (s *Store) ReplaceRankTiers(ctx context.Context, tiers []model.RankTier) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tiers tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rank_tiers;`); err != nil {
		return fmt.Errorf("clear rank tiers: %w", err)
	}

	insert := tx.Rebind(`INSERT INTO rank_tiers (name, min_points, sort_order) VALUES (?, ?, ?);`)
	for _, t := range tiers {
		if _, err := tx.ExecContext(ctx, insert, t.Name, t.MinPoints, t.SortOrder); err != nil {
			return fmt.Errorf("insert rank tier %q: %w", t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rank tiers: %w", err)
	}
	return nil
}
