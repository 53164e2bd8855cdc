package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
)

type scanRow struct {
	ID         string `db:"id"`
	UserID     string `db:"user_id"`
	LocationID string `db:"location_id"`
	Raw        string `db:"raw"`
	Source     string `db:"source"`
	Status     string `db:"status"`
	Reason     string `db:"reason"`
	ActivityID string `db:"activity_id"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

func (r scanRow) model() model.Scan {
	return model.Scan{
		ID:         r.ID,
		UserID:     r.UserID,
		LocationID: r.LocationID,
		Raw:        r.Raw,
		Source:     model.ScanSource(r.Source),
		Status:     model.ScanStatus(r.Status),
		Reason:     r.Reason,
		ActivityID: r.ActivityID,
		CreatedAt:  parseTime(r.CreatedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
}

// InsertScan records a scan attempt. A blank ID is generated.
func (s *Store) InsertScan(ctx context.Context, scan model.Scan) (model.Scan, error) {
	if s.db == nil {
		return model.Scan{}, fmt.Errorf("store not initialized")
	}

	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = now
	}
	scan.UpdatedAt = scan.CreatedAt
	if scan.Status == "" {
		scan.Status = model.ScanPending
	}

	_, err := s.db.ExecContext(
		ctx,
		s.db.Rebind(`INSERT INTO scans (id, user_id, location_id, raw, source, status, reason, activity_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		scan.ID,
		scan.UserID,
		scan.LocationID,
		scan.Raw,
		string(scan.Source),
		string(scan.Status),
		scan.Reason,
		scan.ActivityID,
		formatTime(scan.CreatedAt),
		formatTime(scan.UpdatedAt),
	)
	if err != nil {
		return model.Scan{}, fmt.Errorf("insert scan: %w", err)
	}
	return scan, nil
}

// GetScan loads a scan owned by userID.
func (s *Store) GetScan(ctx context.Context, id, userID string) (model.Scan, error) {
	if s.db == nil {
		return model.Scan{}, fmt.Errorf("store not initialized")
	}

	var row scanRow
	err := s.db.GetContext(
		ctx,
		&row,
		s.db.Rebind(`SELECT id, user_id, location_id, raw, source, status, reason, activity_id, created_at, updated_at
		 FROM scans WHERE id = ? AND user_id = ?;`),
		id,
		userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Scan{}, ErrNotFound
	}
	if err != nil {
		return model.Scan{}, fmt.Errorf("get scan: %w", err)
	}
	return row.model(), nil
}
