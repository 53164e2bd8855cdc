// Package deposit turns scanned collection-point codes into recorded deposits.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/indraafito/EcoTrade-sub000/internal/leaderboard"
	"github.com/indraafito/EcoTrade-sub000/internal/model"
	"github.com/indraafito/EcoTrade-sub000/internal/qr"
	"github.com/indraafito/EcoTrade-sub000/internal/retry"
	"github.com/indraafito/EcoTrade-sub000/internal/store"
)

const (
	WeightPerBottleKg = 0.025
	PointsPerBottle   = 10
	MinBottles        = 1
	MaxBottles        = 5
)

var (
	ErrNotOfficialCode     = errors.New("not an official QR code")
	ErrUnparseable         = errors.New("unreadable QR payload")
	ErrInvalidQR           = errors.New("invalid QR code")
	ErrUnknownScan         = errors.New("unknown scan")
	ErrSaveFailed          = errors.New("failed to save deposit")
	ErrProfileUpdateFailed = errors.New("deposit saved but profile update failed")
)

// PartialError reports a deposit whose activity was stored while the profile
// aggregate could not be refreshed. The next successful deposit corrects it.
type PartialError struct {
	Activity model.Activity
	Err      error
}

func (e *PartialError) Error() string {
	return ErrProfileUpdateFailed.Error() + ": " + e.Err.Error()
}

func (e *PartialError) Unwrap() []error {
	return []error{ErrProfileUpdateFailed, e.Err}
}

// Repository is the storage the deposit flow needs.
type Repository interface {
	ActiveLocationWithQR(ctx context.Context, id string) (model.Location, *model.LocationQRSnapshot, error)
	InsertScan(ctx context.Context, scan model.Scan) (model.Scan, error)
	GetScan(ctx context.Context, id, userID string) (model.Scan, error)
	InsertActivity(ctx context.Context, scanID string, a model.Activity) (*model.Activity, error)
	ActivitiesByUser(ctx context.Context, userID string) ([]model.Activity, error)
	RankTiers(ctx context.Context) ([]model.RankTier, error)
	ReplaceProfileAggregate(ctx context.Context, userID, username string, agg model.Aggregate, rank string) error
}

// BottleCounter reports how many bottles were deposited. There is no sensor
// input yet, so the default draws a pseudo-random count.
type BottleCounter func() int

// RandomBottles returns a count in [MinBottles, MaxBottles].
func RandomBottles() int {
	return MinBottles + rand.Intn(MaxBottles-MinBottles+1)
}

// Config tunes a Service.
type Config struct {
	Retry   retry.Config
	Counter BottleCounter
}

// Service validates scans and records deposits.
type Service struct {
	repo    Repository
	retry   retry.Config
	counter BottleCounter
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New returns a Service backed by repo.
func New(repo Repository, cfg Config, logger *slog.Logger) *Service {
	if cfg.Counter == nil {
		cfg.Counter = RandomBottles
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		retry:    cfg.Retry,
		counter:  cfg.Counter,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// ScanRequest is one decoded code presented by a user.
type ScanRequest struct {
	ScanID string
	UserID string
	Raw    string
	Source model.ScanSource
}

// ScanResult is a recognized, validated scan awaiting confirmation.
type ScanResult struct {
	Scan     model.Scan
	Location model.Location
	Payload  model.QRPayload
}

// ConfirmRequest confirms a pending scan. Payload is optional; when nil it is
// parsed from the stored scan.
type ConfirmRequest struct {
	ScanID   string
	UserID   string
	Username string
	Payload  *model.QRPayload
}

// Result is the outcome of a confirmation.
type Result struct {
	Scan      model.Scan
	Activity  *model.Activity
	Aggregate model.Aggregate
	Rank      string
	Duplicate bool
}

// Validate checks a payload against the stored location and its issued code.
// Anything short of an active location whose snapshot names the same location
// is rejected with ErrInvalidQR.
func (s *Service) Validate(ctx context.Context, p model.QRPayload) (model.Location, error) {
	var (
		loc  model.Location
		snap *model.LocationQRSnapshot
	)
	err := retry.Do(ctx, s.retryConfig("validate"), func(ctx context.Context) error {
		var err error
		loc, snap, err = s.repo.ActiveLocationWithQR(ctx, p.LocationID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.Location{}, ErrInvalidQR
	}
	if err != nil {
		return model.Location{}, fmt.Errorf("load location: %w", err)
	}
	if snap == nil || snap.Data.LocationID != p.LocationID {
		return model.Location{}, ErrInvalidQR
	}
	return loc, nil
}

// Scan recognizes, parses and validates raw text, then records it as a pending
// scan. Recognized codes that fail are recorded as rejected.
// A ScanID that already exists for the user resumes that scan instead.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (ScanResult, error) {
	if !qr.Recognizable(req.Raw) {
		return ScanResult{}, ErrNotOfficialCode
	}

	if req.ScanID != "" {
		existing, err := s.repo.GetScan(ctx, req.ScanID, req.UserID)
		if err == nil {
			return s.resume(ctx, existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return ScanResult{}, fmt.Errorf("load scan: %w", err)
		}
	}

	scan := model.Scan{
		ID:     req.ScanID,
		UserID: req.UserID,
		Raw:    req.Raw,
		Source: req.Source,
		Status: model.ScanPending,
	}

	p, ok := qr.Parse(req.Raw)
	if !ok {
		s.reject(ctx, scan, "unparseable")
		return ScanResult{}, ErrUnparseable
	}
	scan.LocationID = p.LocationID

	loc, err := s.Validate(ctx, *p)
	if err != nil {
		if errors.Is(err, ErrInvalidQR) {
			s.reject(ctx, scan, "invalid_qr")
		}
		return ScanResult{}, err
	}

	err = retry.Do(ctx, s.retryConfig("record scan"), func(ctx context.Context) error {
		var err error
		scan, err = s.repo.InsertScan(ctx, scan)
		return err
	})
	if err != nil {
		return ScanResult{}, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	return ScanResult{Scan: scan, Location: loc, Payload: *p}, nil
}

func (s *Service) resume(ctx context.Context, scan model.Scan) (ScanResult, error) {
	if scan.Status == model.ScanRejected {
		return ScanResult{}, rejectionError(scan)
	}
	p, ok := qr.Parse(scan.Raw)
	if !ok {
		return ScanResult{}, ErrUnparseable
	}
	if scan.Status == model.ScanConfirmed {
		return ScanResult{Scan: scan, Payload: *p}, nil
	}
	loc, err := s.Validate(ctx, *p)
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{Scan: scan, Location: loc, Payload: *p}, nil
}

// rejectionError repeats the error a rejected scan was first reported with.
func rejectionError(scan model.Scan) error {
	if scan.Reason == "unparseable" {
		return ErrUnparseable
	}
	return ErrInvalidQR
}

func (s *Service) reject(ctx context.Context, scan model.Scan, reason string) {
	scan.Status = model.ScanRejected
	scan.Reason = reason
	if _, err := s.repo.InsertScan(ctx, scan); err != nil {
		s.logger.Warn("record rejected scan failed", "user_id", scan.UserID, "reason", reason, "err", err)
	}
}

// Confirm records a deposit for a pending scan and refreshes the user's profile
// aggregate from the complete activity set. Overlapping or repeated calls for
// the same scan return a Duplicate result without error.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (Result, error) {
	if !s.acquire(req.ScanID) {
		s.logger.Debug("confirmation already in flight", "scan_id", req.ScanID)
		return Result{Duplicate: true}, nil
	}
	defer s.release(req.ScanID)

	scan, err := s.repo.GetScan(ctx, req.ScanID, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrUnknownScan
	}
	if err != nil {
		return Result{}, fmt.Errorf("load scan: %w", err)
	}
	switch scan.Status {
	case model.ScanConfirmed:
		return Result{Scan: scan, Duplicate: true}, nil
	case model.ScanRejected:
		return Result{}, rejectionError(scan)
	}

	payload := req.Payload
	if payload == nil {
		p, ok := qr.Parse(scan.Raw)
		if !ok {
			return Result{}, ErrUnparseable
		}
		payload = p
	}
	if payload.LocationID != scan.LocationID {
		return Result{}, ErrInvalidQR
	}

	loc, err := s.Validate(ctx, *payload)
	if err != nil {
		return Result{}, err
	}

	bottles := s.counter()
	activity := model.Activity{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		LocationID:   loc.ID,
		BottlesCount: bottles,
		WeightKg:     model.RoundKg(float64(bottles) * WeightPerBottleKg),
		PointsEarned: bottles * PointsPerBottle,
	}

	saved, err := retry.Fetch(ctx, s.insertRetryConfig(), func(ctx context.Context) (*model.Activity, error) {
		return s.repo.InsertActivity(ctx, scan.ID, activity)
	})
	if errors.Is(err, store.ErrScanNotPending) {
		saved, err = s.committedActivity(ctx, scan.ID, activity)
		if err == nil && saved == nil {
			return Result{Scan: scan, Duplicate: true}, nil
		}
	}
	if err != nil {
		s.logger.Error("save deposit failed", "scan_id", scan.ID, "user_id", req.UserID, "err", err)
		return Result{}, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	scan.Status = model.ScanConfirmed
	scan.ActivityID = saved.ID

	agg, rank, err := s.refreshProfile(ctx, req.UserID, req.Username)
	if err != nil {
		s.logger.Error("profile update failed", "scan_id", scan.ID, "user_id", req.UserID, "activity_id", saved.ID, "err", err)
		return Result{Scan: scan, Activity: saved}, &PartialError{Activity: *saved, Err: err}
	}

	s.logger.Info("deposit confirmed",
		"scan_id", scan.ID,
		"user_id", req.UserID,
		"location_id", loc.ID,
		"bottles", saved.BottlesCount,
		"points", saved.PointsEarned,
		"total_points", agg.Points,
	)
	return Result{Scan: scan, Activity: saved, Aggregate: agg, Rank: rank}, nil
}

// committedActivity tells an insert that committed on an earlier attempt apart
// from a scan consumed by another confirmation. It returns nil, nil for the latter.
func (s *Service) committedActivity(ctx context.Context, scanID string, activity model.Activity) (*model.Activity, error) {
	scan, err := s.repo.GetScan(ctx, scanID, activity.UserID)
	if err != nil {
		return nil, fmt.Errorf("reload scan: %w", err)
	}
	if scan.ActivityID != activity.ID {
		return nil, nil
	}

	s.logger.Warn("activity insert committed before a retry", "scan_id", scanID, "activity_id", activity.ID)
	activities, err := s.repo.ActivitiesByUser(ctx, activity.UserID)
	if err != nil {
		return nil, fmt.Errorf("reload activity: %w", err)
	}
	for i := range activities {
		if activities[i].ID == activity.ID {
			return &activities[i], nil
		}
	}
	return &activity, nil
}

// refreshProfile re-reads every activity of the user and overwrites the profile
// totals with their sum. Each step runs only after the previous one succeeded.
func (s *Service) refreshProfile(ctx context.Context, userID, username string) (model.Aggregate, string, error) {
	var activities []model.Activity
	err := retry.Do(ctx, s.retryConfig("load activities"), func(ctx context.Context) error {
		var err error
		activities, err = s.repo.ActivitiesByUser(ctx, userID)
		if err == nil && len(activities) == 0 {
			return retry.ErrNoData
		}
		return err
	})
	if err != nil {
		return model.Aggregate{}, "", fmt.Errorf("load activities: %w", err)
	}

	agg := model.SumActivities(activities)

	var tiers []model.RankTier
	err = retry.Do(ctx, s.retryConfig("load tiers"), func(ctx context.Context) error {
		var err error
		tiers, err = s.repo.RankTiers(ctx)
		return err
	})
	if err != nil {
		return model.Aggregate{}, "", fmt.Errorf("load rank tiers: %w", err)
	}
	rank := leaderboard.TierFor(tiers, agg.Points)

	err = retry.Do(ctx, s.retryConfig("update profile"), func(ctx context.Context) error {
		return s.repo.ReplaceProfileAggregate(ctx, userID, username, agg, rank)
	})
	if err != nil {
		return model.Aggregate{}, "", fmt.Errorf("update profile: %w", err)
	}
	return agg, rank, nil
}

// Code names the failure class of err for API and kiosk clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotOfficialCode), errors.Is(err, ErrUnparseable):
		return "not_official_code"
	case errors.Is(err, ErrInvalidQR):
		return "invalid_qr"
	case errors.Is(err, ErrUnknownScan):
		return "unknown_scan"
	case errors.Is(err, ErrProfileUpdateFailed):
		return "profile_update_failed"
	case errors.Is(err, ErrSaveFailed):
		return "save_failed"
	default:
		return "internal"
	}
}

func (s *Service) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

func (s *Service) retryConfig(op string) retry.Config {
	cfg := s.retry
	next := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error) {
		s.logger.Warn("retrying", "op", op, "attempt", attempt, "err", err)
		if next != nil {
			next(attempt, err)
		}
	}
	return cfg
}

// insertRetryConfig never retries a scan that another confirmation consumed.
func (s *Service) insertRetryConfig() retry.Config {
	cfg := s.retryConfig("insert activity")
	base := cfg.ShouldRetry
	if base == nil {
		base = retry.DefaultShouldRetry
	}
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, store.ErrScanNotPending) && base(err)
	}
	return cfg
}
