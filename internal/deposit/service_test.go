package deposit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
	"github.com/indraafito/EcoTrade-sub000/internal/qr"
	"github.com/indraafito/EcoTrade-sub000/internal/retry"
	"github.com/indraafito/EcoTrade-sub000/internal/store"
)

const (
	activeID   = "3f2b8c1e-9a4d-4e6f-8b21-0c5d7e9f1a23"
	inactiveID = "7a1d0c4b-2e3f-4a5b-9c8d-1e2f3a4b5c6d"
	swappedID  = "0b9e8d7c-6f5a-4b3c-8d2e-1f0a9b8c7d6e"
)

type memRepo struct {
	mu         sync.Mutex
	locations  map[string]model.Location
	snapshots  map[string]model.LocationQRSnapshot
	scans      map[string]model.Scan
	activities []model.Activity
	profiles   map[string]model.Profile

	insertDelay   time.Duration
	failInsert    error
	failProfile   error
	profileWrites int

	// lostResults makes the next inserts commit but answer with lostErr,
	// as if the reply never reached the caller.
	lostResults int
	lostErr     error
	insertCalls int
}

func newMemRepo() *memRepo {
	r := &memRepo{
		locations: map[string]model.Location{},
		snapshots: map[string]model.LocationQRSnapshot{},
		scans:     map[string]model.Scan{},
		profiles:  map[string]model.Profile{},
	}
	r.addLocation(activeID, true, activeID)
	r.addLocation(inactiveID, false, inactiveID)
	r.addLocation(swappedID, true, activeID)
	return r
}

func (r *memRepo) addLocation(id string, active bool, snapshotFor string) {
	r.locations[id] = model.Location{ID: id, Name: "Loc " + id[:4], IsActive: active}
	r.snapshots[id] = model.LocationQRSnapshot{
		LocationID: id,
		Data:       model.QRPayload{LocationID: snapshotFor, LocationName: "Loc", Timestamp: "2024-01-01T00:00:00.000Z"},
	}
}

func (r *memRepo) ActiveLocationWithQR(_ context.Context, id string) (model.Location, *model.LocationQRSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, ok := r.locations[id]
	if !ok || !loc.IsActive {
		return model.Location{}, nil, store.ErrNotFound
	}
	snap, ok := r.snapshots[id]
	if !ok {
		return loc, nil, nil
	}
	return loc, &snap, nil
}

func (r *memRepo) InsertScan(_ context.Context, scan model.Scan) (model.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	r.scans[scan.ID] = scan
	return scan, nil
}

func (r *memRepo) GetScan(_ context.Context, id, userID string) (model.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scan, ok := r.scans[id]
	if !ok || scan.UserID != userID {
		return model.Scan{}, store.ErrNotFound
	}
	return scan, nil
}

func (r *memRepo) InsertActivity(_ context.Context, scanID string, a model.Activity) (*model.Activity, error) {
	time.Sleep(r.insertDelay)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertCalls++
	if r.failInsert != nil {
		return nil, r.failInsert
	}
	scan := r.scans[scanID]
	if scan.Status != model.ScanPending {
		return nil, store.ErrScanNotPending
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	scan.Status = model.ScanConfirmed
	scan.ActivityID = a.ID
	r.scans[scanID] = scan
	r.activities = append(r.activities, a)
	if r.lostResults > 0 {
		r.lostResults--
		return nil, r.lostErr
	}
	return &a, nil
}

func (r *memRepo) ActivitiesByUser(_ context.Context, userID string) ([]model.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Activity
	for _, a := range r.activities {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) RankTiers(context.Context) ([]model.RankTier, error) {
	return store.DefaultRankTiers, nil
}

func (r *memRepo) ReplaceProfileAggregate(_ context.Context, userID, username string, agg model.Aggregate, rank string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profileWrites++
	if r.failProfile != nil {
		return r.failProfile
	}
	r.profiles[userID] = model.Profile{UserID: userID, Username: username, Aggregate: agg, Rank: rank}
	return nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestService(repo *memRepo, bottles int) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, Config{Retry: fastRetry(), Counter: func() int { return bottles }}, logger)
}

func jsonCode(t *testing.T, locationID string) string {
	t.Helper()
	raw, err := qr.EncodeJSON(model.QRPayload{LocationID: locationID, LocationName: "Loc", Timestamp: "2024-01-01T00:00:00.000Z"})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestValidateFailsClosed(t *testing.T) {
	svc := newTestService(newMemRepo(), 1)
	ctx := context.Background()

	if _, err := svc.Validate(ctx, model.QRPayload{LocationID: activeID}); err != nil {
		t.Fatalf("active location rejected: %v", err)
	}

	cases := map[string]string{
		"inactive":          inactiveID,
		"snapshot mismatch": swappedID,
		"missing":           "00000000-0000-0000-0000-000000000000",
	}
	for name, id := range cases {
		if _, err := svc.Validate(ctx, model.QRPayload{LocationID: id}); !errors.Is(err, ErrInvalidQR) {
			t.Errorf("%s: err = %v, want ErrInvalidQR", name, err)
		}
	}
}

func TestValidateRejectsLocationWithoutSnapshot(t *testing.T) {
	repo := newMemRepo()
	delete(repo.snapshots, activeID)
	svc := newTestService(repo, 1)

	if _, err := svc.Validate(context.Background(), model.QRPayload{LocationID: activeID}); !errors.Is(err, ErrInvalidQR) {
		t.Fatalf("err = %v, want ErrInvalidQR", err)
	}
}

func TestScanClassifiesCodes(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, 1)
	ctx := context.Background()

	if _, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: "https://example.com"}); !errors.Is(err, ErrNotOfficialCode) {
		t.Fatalf("foreign code err = %v", err)
	}
	if _, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: `{"locationId":"x"}`}); !errors.Is(err, ErrUnparseable) {
		t.Fatalf("incomplete json err = %v", err)
	}
	if _, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: jsonCode(t, inactiveID)}); !errors.Is(err, ErrInvalidQR) {
		t.Fatalf("inactive err = %v", err)
	}

	res, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: qr.Encode(activeID, "Loc", time.Unix(1700000000, 0)), Source: model.SourceApp})
	if err != nil {
		t.Fatal(err)
	}
	if res.Scan.Status != model.ScanPending || res.Location.ID != activeID || res.Scan.ID == "" {
		t.Fatalf("result = %+v", res)
	}

	rejected := 0
	for _, s := range repo.scans {
		if s.Status == model.ScanRejected {
			rejected++
		}
	}
	if rejected != 2 {
		t.Fatalf("rejected scans = %d, want 2", rejected)
	}
}

func TestConfirmEndToEnd(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, 3)
	ctx := context.Background()

	scanned, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: jsonCode(t, activeID), Source: model.SourceApp})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Confirm(ctx, ConfirmRequest{ScanID: scanned.Scan.ID, UserID: "u1", Username: "sari"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Activity == nil || res.Activity.WeightKg != 0.075 || res.Activity.PointsEarned != 30 {
		t.Fatalf("activity = %+v", res.Activity)
	}

	p := repo.profiles["u1"]
	if p.Points != 30 || p.TotalBottles != 3 || p.TotalWeightKg != 0.075 || p.Rank != "Bronze" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestConfirmSelfHealsAfterPartialFailure(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, 2)
	ctx := context.Background()

	first, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: jsonCode(t, activeID)})
	if err != nil {
		t.Fatal(err)
	}
	repo.failProfile = retry.ErrNetwork
	_, err = svc.Confirm(ctx, ConfirmRequest{ScanID: first.Scan.ID, UserID: "u1"})

	var partial *PartialError
	if !errors.As(err, &partial) || !errors.Is(err, ErrProfileUpdateFailed) {
		t.Fatalf("err = %v, want PartialError", err)
	}
	if partial.Activity.PointsEarned != 20 {
		t.Fatalf("partial activity = %+v", partial.Activity)
	}
	if repo.profileWrites != 3 {
		t.Fatalf("profile writes = %d, want 3 attempts", repo.profileWrites)
	}
	if len(repo.activities) != 1 {
		t.Fatalf("activities = %d, want 1", len(repo.activities))
	}

	repo.failProfile = nil
	svc.counter = func() int { return 4 }
	second, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: jsonCode(t, activeID)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, ConfirmRequest{ScanID: second.Scan.ID, UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	want := model.SumActivities(repo.activities)
	if got := repo.profiles["u1"].Aggregate; got != want || got.Points != 60 {
		t.Fatalf("aggregate = %+v, want %+v", got, want)
	}
}

func TestConfirmRecoversInsertCommittedBeforeRetry(t *testing.T) {
	cases := map[string]error{
		"row not visible":   nil,
		"transient failure": retry.ErrNetwork,
	}
	for name, lostErr := range cases {
		t.Run(name, func(t *testing.T) {
			repo := newMemRepo()
			repo.lostResults = 1
			repo.lostErr = lostErr
			svc := newTestService(repo, 4)
			ctx := context.Background()

			scanned, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: jsonCode(t, activeID)})
			if err != nil {
				t.Fatal(err)
			}

			res, err := svc.Confirm(ctx, ConfirmRequest{ScanID: scanned.Scan.ID, UserID: "u1", Username: "sari"})
			if err != nil {
				t.Fatalf("Confirm() error = %v", err)
			}
			if res.Duplicate {
				t.Fatal("committed deposit reported as duplicate")
			}
			if repo.insertCalls != 2 {
				t.Fatalf("insert calls = %d, want 2", repo.insertCalls)
			}
			if res.Activity == nil || res.Activity.PointsEarned != 40 || res.Activity.ID != repo.scans[scanned.Scan.ID].ActivityID {
				t.Fatalf("activity = %+v", res.Activity)
			}
			if len(repo.activities) != 1 || repo.profileWrites != 1 {
				t.Fatalf("activities = %d profile writes = %d", len(repo.activities), repo.profileWrites)
			}
			if p := repo.profiles["u1"]; p.Points != 40 || p.TotalBottles != 4 {
				t.Fatalf("profile = %+v", p)
			}
		})
	}
}

func TestConfirmSaveFailurePersistsNothing(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, 1)
	ctx := context.Background()

	scanned, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: jsonCode(t, activeID)})
	if err != nil {
		t.Fatal(err)
	}
	repo.failInsert = &retry.StatusError{Op: "insert", Status: 503}

	_, err = svc.Confirm(ctx, ConfirmRequest{ScanID: scanned.Scan.ID, UserID: "u1"})
	if !errors.Is(err, ErrSaveFailed) || errors.Is(err, ErrProfileUpdateFailed) {
		t.Fatalf("err = %v, want ErrSaveFailed", err)
	}
	if len(repo.activities) != 0 || repo.profileWrites != 0 {
		t.Fatalf("persisted activities=%d profile writes=%d", len(repo.activities), repo.profileWrites)
	}
}

func TestConfirmOverlappingCallsCreateOneActivity(t *testing.T) {
	repo := newMemRepo()
	repo.insertDelay = 20 * time.Millisecond
	svc := newTestService(repo, 2)
	ctx := context.Background()

	scanned, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: jsonCode(t, activeID)})
	if err != nil {
		t.Fatal(err)
	}

	const callers = 4
	results := make([]Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Confirm(ctx, ConfirmRequest{ScanID: scanned.Scan.ID, UserID: "u1"})
		}(i)
	}
	wg.Wait()

	saved := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].Duplicate {
			saved++
		}
	}
	if saved != 1 || len(repo.activities) != 1 {
		t.Fatalf("saved=%d activities=%d, want 1", saved, len(repo.activities))
	}

	again, err := svc.Confirm(ctx, ConfirmRequest{ScanID: scanned.Scan.ID, UserID: "u1"})
	if err != nil || !again.Duplicate {
		t.Fatalf("repeat confirm = %+v, %v", again, err)
	}
}

func TestConfirmRejectsForeignScanAndPayloadSwap(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, 1)
	ctx := context.Background()

	scanned, err := svc.Scan(ctx, ScanRequest{UserID: "u1", Raw: jsonCode(t, activeID)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Confirm(ctx, ConfirmRequest{ScanID: scanned.Scan.ID, UserID: "u2"}); !errors.Is(err, ErrUnknownScan) {
		t.Fatalf("other user err = %v, want ErrUnknownScan", err)
	}

	other := &model.QRPayload{LocationID: swappedID, LocationName: "Loc", Timestamp: "t"}
	if _, err := svc.Confirm(ctx, ConfirmRequest{ScanID: scanned.Scan.ID, UserID: "u1", Payload: other}); !errors.Is(err, ErrInvalidQR) {
		t.Fatalf("swapped payload err = %v, want ErrInvalidQR", err)
	}
	if len(repo.activities) != 0 {
		t.Fatalf("activities = %d, want 0", len(repo.activities))
	}
}

func TestRandomBottlesInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		if n := RandomBottles(); n < MinBottles || n > MaxBottles {
			t.Fatalf("RandomBottles() = %d", n)
		}
	}
}

func TestScanResumesKnownScanID(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, 1)
	ctx := context.Background()
	raw := jsonCode(t, activeID)

	first, err := svc.Scan(ctx, ScanRequest{ScanID: "kiosk-1", UserID: "u1", Raw: raw, Source: model.SourceKiosk})
	if err != nil {
		t.Fatal(err)
	}
	again, err := svc.Scan(ctx, ScanRequest{ScanID: "kiosk-1", UserID: "u1", Raw: raw, Source: model.SourceKiosk})
	if err != nil {
		t.Fatal(err)
	}
	if again.Scan.ID != first.Scan.ID || len(repo.scans) != 1 {
		t.Fatalf("scans = %d, ids %q %q", len(repo.scans), first.Scan.ID, again.Scan.ID)
	}
}

func TestScanResumedRejectionKeepsReason(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, 1)
	ctx := context.Background()

	cases := map[string]struct {
		raw  string
		want error
	}{
		"kiosk-bad":      {raw: `{"locationId":"x"}`, want: ErrUnparseable},
		"kiosk-inactive": {raw: jsonCode(t, inactiveID), want: ErrInvalidQR},
	}
	for scanID, tc := range cases {
		for attempt := 1; attempt <= 2; attempt++ {
			_, err := svc.Scan(ctx, ScanRequest{ScanID: scanID, UserID: "u1", Raw: tc.raw, Source: model.SourceKiosk})
			if !errors.Is(err, tc.want) {
				t.Fatalf("%s attempt %d err = %v, want %v", scanID, attempt, err, tc.want)
			}
		}
		_, err := svc.Confirm(ctx, ConfirmRequest{ScanID: scanID, UserID: "u1"})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s confirm err = %v, want %v", scanID, err, tc.want)
		}
		if got := Code(err); got != Code(tc.want) {
			t.Fatalf("%s code = %q, want %q", scanID, got, Code(tc.want))
		}
	}
}

func TestCode(t *testing.T) {
	cases := map[string]error{
		"not_official_code":     ErrUnparseable,
		"invalid_qr":            fmt.Errorf("wrap: %w", ErrInvalidQR),
		"save_failed":           fmt.Errorf("%w: %w", ErrSaveFailed, retry.ErrNetwork),
		"profile_update_failed": &PartialError{Err: retry.ErrNetwork},
		"internal":              errors.New("boom"),
	}
	for want, err := range cases {
		if got := Code(err); got != want {
			t.Errorf("Code(%v) = %q, want %q", err, got, want)
		}
	}
}
