package model

import (
	"math"
	"time"
)

// Location is a physical collection point where bottles are deposited.
type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// QRPayload is the content encoded into a location's QR code.
type QRPayload struct {
	LocationID   string `json:"locationId"`
	LocationName string `json:"locationName"`
	Timestamp    string `json:"timestamp"`
}

// LocationQRSnapshot is the copy of the payload stored when a location's code was issued.
type LocationQRSnapshot struct {
	LocationID string    `json:"location_id"`
	Data       QRPayload `json:"qr_data"`
	CreatedAt  time.Time `json:"created_at"`
}

// Activity records one confirmed deposit. It is never updated.
type Activity struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	LocationID   string    `json:"location_id"`
	BottlesCount int       `json:"bottles_count"`
	WeightKg     float64   `json:"weight_kg"`
	PointsEarned int       `json:"points_earned"`
	CreatedAt    time.Time `json:"created_at"`
}

// Aggregate holds per-user running totals.
type Aggregate struct {
	Points        int     `json:"points"`
	TotalBottles  int     `json:"total_bottles"`
	TotalWeightKg float64 `json:"total_weight_kg"`
}

// SumActivities recomputes the aggregate over a complete activity set.
// Weight is rounded to whole grams.
func SumActivities(activities []Activity) Aggregate {
	var agg Aggregate
	for _, a := range activities {
		agg.Points += a.PointsEarned
		agg.TotalBottles += a.BottlesCount
		agg.TotalWeightKg += a.WeightKg
	}
	agg.TotalWeightKg = RoundKg(agg.TotalWeightKg)
	return agg
}

// RoundKg rounds a weight to whole grams.
func RoundKg(kg float64) float64 {
	return math.Round(kg*1000) / 1000
}

// Profile is the per-user record carrying the aggregate totals.
type Profile struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Aggregate
	Rank      string    `json:"rank"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScanStatus tracks a scan through confirmation.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanConfirmed ScanStatus = "confirmed"
	ScanRejected  ScanStatus = "rejected"
)

// ScanSource identifies where a scan was captured.
type ScanSource string

const (
	SourceApp   ScanSource = "app"
	SourceKiosk ScanSource = "kiosk"
	SourceImage ScanSource = "image"
)

// Scan is one recognized QR scan attempt.
type Scan struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	LocationID string     `json:"location_id,omitempty"`
	Raw        string     `json:"raw"`
	Source     ScanSource `json:"source"`
	Status     ScanStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	ActivityID string     `json:"activity_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RankTier is an admin-configured ranking threshold.
type RankTier struct {
	Name      string `json:"name"`
	MinPoints int    `json:"min_points"`
	SortOrder int    `json:"sort_order"`
}

// LeaderboardEntry is one row of the monthly leaderboard.
type LeaderboardEntry struct {
	Position int    `json:"position"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Points   int    `json:"points"`
	Bottles  int    `json:"bottles"`
	Tier     string `json:"tier"`
}
