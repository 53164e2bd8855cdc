package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
)

type profileRow struct {
	UserID        string  `db:"user_id"`
	Username      string  `db:"username"`
	Points        int     `db:"points"`
	TotalBottles  int     `db:"total_bottles"`
	TotalWeightKg float64 `db:"total_weight_kg"`
	Rank          string  `db:"rank"`
	UpdatedAt     string  `db:"updated_at"`
}

// ReplaceProfileAggregate overwrites the totals of a profile, creating it when
// missing. An empty username never replaces a stored one.
func (s *Store) ReplaceProfileAggregate(ctx context.Context, userID, username string, agg model.Aggregate, rank string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		s.db.Rebind(`INSERT INTO profiles (user_id, username, points, total_bottles, total_weight_kg, rank, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			username = CASE WHEN excluded.username = '' THEN profiles.username ELSE excluded.username END,
			points = excluded.points,
			total_bottles = excluded.total_bottles,
			total_weight_kg = excluded.total_weight_kg,
			rank = excluded.rank,
			updated_at = excluded.updated_at;`),
		userID,
		username,
		agg.Points,
		agg.TotalBottles,
		agg.TotalWeightKg,
		rank,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("replace profile aggregate: %w", err)
	}
	return nil
}

// GetProfile loads a profile. Users without deposits have none and yield ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	if s.db == nil {
		return model.Profile{}, fmt.Errorf("store not initialized")
	}

	var row profileRow
	err := s.db.GetContext(
		ctx,
		&row,
		s.db.Rebind(`SELECT user_id, username, points, total_bottles, total_weight_kg, rank, updated_at FROM profiles WHERE user_id = ?;`),
		userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, ErrNotFound
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("get profile: %w", err)
	}

	return model.Profile{
		UserID:   row.UserID,
		Username: row.Username,
		Aggregate: model.Aggregate{
			Points:        row.Points,
			TotalBottles:  row.TotalBottles,
			TotalWeightKg: row.TotalWeightKg,
		},
		Rank:      row.Rank,
		UpdatedAt: parseTime(row.UpdatedAt),
	}, nil
}
