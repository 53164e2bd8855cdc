package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
)

type locationRow struct {
	ID        string  `db:"id"`
	Name      string  `db:"name"`
	Address   string  `db:"address"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
	IsActive  bool    `db:"is_active"`
	CreatedAt string  `db:"created_at"`
}

func (r locationRow) model() model.Location {
	return model.Location{
		ID:        r.ID,
		Name:      r.Name,
		Address:   r.Address,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		IsActive:  r.IsActive,
		CreatedAt: parseTime(r.CreatedAt),
	}
}

const locationColumns = `id, name, address, latitude, longitude, is_active, created_at`

// CreateLocation persists a new collection point. A blank ID is generated.
func (s *Store) CreateLocation(ctx context.Context, loc model.Location) (model.Location, error) {
	if s.db == nil {
		return model.Location{}, fmt.Errorf("store not initialized")
	}

	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		s.db.Rebind(`INSERT INTO locations (id, name, address, latitude, longitude, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`),
		loc.ID,
		loc.Name,
		loc.Address,
		loc.Latitude,
		loc.Longitude,
		loc.IsActive,
		formatTime(loc.CreatedAt),
	)
	if err != nil {
		return model.Location{}, fmt.Errorf("insert location: %w", err)
	}
	return loc, nil
}

// SetLocationActive flips the active flag of a location.
func (s *Store) SetLocationActive(ctx context.Context, id string, active bool) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE locations SET is_active = ? WHERE id = ?;`), active, id)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLocation returns a location regardless of its active flag.
func (s *Store) GetLocation(ctx context.Context, id string) (model.Location, error) {
	if s.db == nil {
		return model.Location{}, fmt.Errorf("store not initialized")
	}

	var row locationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+locationColumns+` FROM locations WHERE id = ?;`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, ErrNotFound
	}
	if err != nil {
		return model.Location{}, fmt.Errorf("get location: %w", err)
	}
	return row.model(), nil
}

// ActiveLocations lists the collection points currently accepting deposits.
func (s *Store) ActiveLocations(ctx context.Context) ([]model.Location, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var rows []locationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+locationColumns+` FROM locations WHERE is_active = ? ORDER BY name ASC;`), true); err != nil {
		return nil, fmt.Errorf("query active locations: %w", err)
	}

	locations := make([]model.Location, 0, len(rows))
	for _, r := range rows {
		locations = append(locations, r.model())
	}
	return locations, nil
}

// ActiveLocationWithQR returns an active location together with its QR snapshot.
// Missing or inactive locations yield ErrNotFound; a location without a snapshot
// yields a nil snapshot.
func (s *Store) ActiveLocationWithQR(ctx context.Context, id string) (model.Location, *model.LocationQRSnapshot, error) {
	if s.db == nil {
		return model.Location{}, nil, fmt.Errorf("store not initialized")
	}

	var row locationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+locationColumns+` FROM locations WHERE id = ? AND is_active = ?;`), id, true)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, nil, ErrNotFound
	}
	if err != nil {
		return model.Location{}, nil, fmt.Errorf("get active location: %w", err)
	}

	snap, err := s.QRSnapshot(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return row.model(), nil, nil
	}
	if err != nil {
		return model.Location{}, nil, err
	}
	return row.model(), snap, nil
}

// UpsertQRSnapshot stores the payload issued for a location, replacing any previous one.
func (s *Store) UpsertQRSnapshot(ctx context.Context, snap model.LocationQRSnapshot) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	data, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("encode qr snapshot: %w", err)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(
		ctx,
		s.db.Rebind(`INSERT INTO location_qr_codes (id, location_id, qr_data, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(location_id) DO UPDATE SET qr_data = excluded.qr_data, created_at = excluded.created_at;`),
		uuid.NewString(),
		snap.LocationID,
		string(data),
		formatTime(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert qr snapshot: %w", err)
	}
	return nil
}

// QRSnapshot loads the current snapshot for a location.
func (s *Store) QRSnapshot(ctx context.Context, locationID string) (*model.LocationQRSnapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var row struct {
		LocationID string `db:"location_id"`
		Data       string `db:"qr_data"`
		CreatedAt  string `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT location_id, qr_data, created_at FROM location_qr_codes WHERE location_id = ?;`), locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get qr snapshot: %w", err)
	}

	snap := &model.LocationQRSnapshot{LocationID: row.LocationID, CreatedAt: parseTime(row.CreatedAt)}
	if err := json.Unmarshal([]byte(row.Data), &snap.Data); err != nil {
		return nil, fmt.Errorf("decode qr snapshot: %w", err)
	}
	return snap, nil
}

// Locations lists every location, active or not.
func (s *Store) Locations(ctx context.Context) ([]model.Location, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var rows []locationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+locationColumns+` FROM locations ORDER BY name ASC;`); err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}

	locations := make([]model.Location, 0, len(rows))
	for _, r := range rows {
		locations = append(locations, r.model())
	}
	return locations, nil
}
