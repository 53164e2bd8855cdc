package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
)

type activityRow struct {
	ID           string  `db:"id"`
	UserID       string  `db:"user_id"`
	LocationID   string  `db:"location_id"`
	BottlesCount int     `db:"bottles_count"`
	WeightKg     float64 `db:"weight_kg"`
	PointsEarned int     `db:"points_earned"`
	CreatedAt    string  `db:"created_at"`
}

func (r activityRow) model() model.Activity {
	return model.Activity{
		ID:           r.ID,
		UserID:       r.UserID,
		LocationID:   r.LocationID,
		BottlesCount: r.BottlesCount,
		WeightKg:     r.WeightKg,
		PointsEarned: r.PointsEarned,
		CreatedAt:    parseTime(r.CreatedAt),
	}
}

func activityModels(rows []activityRow) []model.Activity {
	out := make([]model.Activity, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

const activityColumns = `id, user_id, location_id, bottles_count, weight_kg, points_earned, created_at`

// InsertActivity records a deposit and marks the pending scan it came from as
// confirmed, in one transaction. The stored row is read back; a nil activity with
// a nil error means the row was not visible yet.
// Repeating the call with the same activity ID after it committed returns the
// stored row. Any other call on a scan that is no longer pending fails with
// ErrScanNotPending.
func (s *Store) InsertActivity(ctx context.Context, scanID string, a model.Activity) (*model.Activity, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activity tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(
		ctx,
		tx.Rebind(`UPDATE scans SET status = ?, activity_id = ?, updated_at = ? WHERE id = ? AND user_id = ? AND status = ?;`),
		string(model.ScanConfirmed),
		a.ID,
		formatTime(a.CreatedAt),
		scanID,
		a.UserID,
		string(model.ScanPending),
	)
	if err != nil {
		return nil, fmt.Errorf("consume scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume scan: %w", err)
	}
	if n == 0 {
		return s.replayedActivity(ctx, tx, scanID, a)
	}

	_, err = tx.ExecContext(
		ctx,
		tx.Rebind(`INSERT INTO activities (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?);`),
		a.ID,
		a.UserID,
		a.LocationID,
		a.BottlesCount,
		a.WeightKg,
		a.PointsEarned,
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activity: %w", err)
	}

	var row activityRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+activityColumns+` FROM activities WHERE id = ?;`), a.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read back activity: %w", err)
	}
	stored := row.model()
	return &stored, nil
}

// replayedActivity resolves an insert whose scan was already consumed. It reads
// inside tx because SQLite runs on a single connection.
func (s *Store) replayedActivity(ctx context.Context, tx *sqlx.Tx, scanID string, a model.Activity) (*model.Activity, error) {
	var activityID string
	err := tx.GetContext(
		ctx,
		&activityID,
		tx.Rebind(`SELECT activity_id FROM scans WHERE id = ? AND user_id = ? AND status = ?;`),
		scanID,
		a.UserID,
		string(model.ScanConfirmed),
	)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && activityID != a.ID) {
		return nil, ErrScanNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("load consumed scan: %w", err)
	}

	var row activityRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+activityColumns+` FROM activities WHERE id = ?;`), a.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScanNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("read back activity: %w", err)
	}
	stored := row.model()
	return &stored, nil
}

// ActivitiesByUser returns every activity of a user, oldest first.
func (s *Store) ActivitiesByUser(ctx context.Context, userID string) ([]model.Activity, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var rows []activityRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+activityColumns+` FROM activities WHERE user_id = ? ORDER BY created_at ASC;`), userID)
	if err != nil {
		return nil, fmt.Errorf("query user activities: %w", err)
	}
	return activityModels(rows), nil
}

// RecentActivities returns a user's most recent activities, newest first.
func (s *Store) RecentActivities(ctx context.Context, userID string, limit int) ([]model.Activity, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	var rows []activityRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+activityColumns+` FROM activities WHERE user_id = ? ORDER BY created_at DESC LIMIT ?;`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent activities: %w", err)
	}
	return activityModels(rows), nil
}

// AllActivities returns every stored activity ordered by creation time.
func (s *Store) AllActivities(ctx context.Context) ([]model.Activity, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+activityColumns+` FROM activities ORDER BY created_at ASC;`); err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	return activityModels(rows), nil
}

// LeaderboardRow carries one user's totals for a period.
type LeaderboardRow struct {
	UserID   string `db:"user_id"`
	Username string `db:"username"`
	Points   int    `db:"points"`
	Bottles  int    `db:"bottles"`
}

// PointsSince sums activity points per user from since onwards, highest first.
func (s *Store) PointsSince(ctx context.Context, since time.Time, limit int) ([]LeaderboardRow, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	var rows []LeaderboardRow
	err := s.db.SelectContext(
		ctx,
		&rows,
		s.db.Rebind(`SELECT a.user_id AS user_id,
			COALESCE(MAX(p.username), '') AS username,
			SUM(a.points_earned) AS points,
			SUM(a.bottles_count) AS bottles
		 FROM activities a
		 LEFT JOIN profiles p ON p.user_id = a.user_id
		 WHERE a.created_at >= ?
		 GROUP BY a.user_id
		 ORDER BY points DESC, a.user_id ASC
		 LIMIT ?;`),
		formatTime(since),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	return rows, nil
}
