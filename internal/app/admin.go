package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
	"github.com/indraafito/EcoTrade-sub000/internal/qr"
	"github.com/indraafito/EcoTrade-sub000/internal/store"
)

// QR formats accepted by the admin endpoints.
const (
	qrFormatDelimited = "delimited"
	qrFormatJSON      = "json"
)

func (a *App) handleAllLocations(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	locations, err := a.store.Locations(ctx)
	if err != nil {
		a.logger.Error("failed to load locations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load locations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations})
}

type locationBody struct {
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	IsActive  *bool   `json:"is_active"`
}

func (a *App) handleCreateLocation(c *gin.Context) {
	var body locationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid payload"})
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "name is required"})
		return
	}
	format, ok := qrFormat(c)
	if !ok {
		return
	}

	active := true
	if body.IsActive != nil {
		active = *body.IsActive
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	loc, err := a.store.CreateLocation(ctx, model.Location{
		Name:      body.Name,
		Address:   strings.TrimSpace(body.Address),
		Latitude:  body.Latitude,
		Longitude: body.Longitude,
		IsActive:  active,
	})
	if err != nil {
		a.logger.Error("failed to create location", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to create location"})
		return
	}

	code, payload, err := a.issueQR(ctx, loc, format)
	if err != nil {
		a.logger.Error("failed to issue qr code", "location_id", loc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "location created but its QR code could not be issued", "location": loc})
		return
	}

	a.logger.Info("location created", "location_id", loc.ID, "name", loc.Name, "active", loc.IsActive)
	c.JSON(http.StatusCreated, gin.H{"location": loc, "qr": gin.H{"code": code, "payload": payload}})
}

func (a *App) handleSetLocationActive(c *gin.Context) {
	var body struct {
		IsActive *bool `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "is_active is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	id := c.Param("id")
	err := a.store.SetLocationActive(ctx, id, *body.IsActive)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "location not found"})
		return
	}
	if err != nil {
		a.logger.Error("failed to update location", "location_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to update location"})
		return
	}

	a.logger.Info("location updated", "location_id", id, "active", *body.IsActive)
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": *body.IsActive})
}

func (a *App) handleReissueQR(c *gin.Context) {
	format, ok := qrFormat(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	loc, ok := a.loadLocation(ctx, c)
	if !ok {
		return
	}

	code, payload, err := a.issueQR(ctx, loc, format)
	if err != nil {
		a.logger.Error("failed to issue qr code", "location_id", loc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to issue QR code"})
		return
	}

	a.logger.Info("qr code reissued", "location_id", loc.ID)
	c.JSON(http.StatusOK, gin.H{"code": code, "payload": payload})
}

func (a *App) handleQRImage(c *gin.Context) {
	format, ok := qrFormat(c)
	if !ok {
		return
	}
	size := qr.DefaultImageSize
	if v := c.Query("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 128 && parsed <= 2048 {
			size = parsed
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	loc, ok := a.loadLocation(ctx, c)
	if !ok {
		return
	}

	snap, err := a.store.QRSnapshot(ctx, loc.ID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no QR code issued for this location"})
		return
	}
	if err != nil {
		a.logger.Error("failed to load qr snapshot", "location_id", loc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load QR code"})
		return
	}

	code, err := renderCode(snap.Data, format)
	if err != nil {
		a.logger.Error("failed to encode qr code", "location_id", loc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to encode QR code"})
		return
	}
	png, err := qr.RenderPNG(code, size)
	if err != nil {
		a.logger.Error("failed to render qr code", "location_id", loc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to render QR code"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=ecotrade_%s.png", loc.ID))
	c.Data(http.StatusOK, "image/png", png)
}

func (a *App) loadLocation(ctx context.Context, c *gin.Context) (model.Location, bool) {
	id := c.Param("id")
	loc, err := a.store.GetLocation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "location not found"})
		return model.Location{}, false
	}
	if err != nil {
		a.logger.Error("failed to load location", "location_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load location"})
		return model.Location{}, false
	}
	return loc, true
}

// issueQR stores a fresh snapshot for loc and returns the code text to print.
// Timestamps carry whole seconds so both code forms parse back to the snapshot.
func (a *App) issueQR(ctx context.Context, loc model.Location, format string) (string, model.QRPayload, error) {
	now := time.Now().UTC().Truncate(time.Second)
	payload := model.QRPayload{
		LocationID:   loc.ID,
		LocationName: loc.Name,
		Timestamp:    now.Format(qr.TimestampLayout),
	}

	if err := a.store.UpsertQRSnapshot(ctx, model.LocationQRSnapshot{LocationID: loc.ID, Data: payload, CreatedAt: now}); err != nil {
		return "", model.QRPayload{}, err
	}

	code, err := renderCode(payload, format)
	if err != nil {
		return "", model.QRPayload{}, err
	}
	return code, payload, nil
}

func renderCode(p model.QRPayload, format string) (string, error) {
	if format == qrFormatJSON {
		return qr.EncodeJSON(p)
	}
	issued, err := time.Parse(qr.TimestampLayout, p.Timestamp)
	if err != nil {
		return "", fmt.Errorf("parse snapshot timestamp: %w", err)
	}
	return qr.Encode(p.LocationID, p.LocationName, issued), nil
}

func qrFormat(c *gin.Context) (string, bool) {
	switch f := strings.ToLower(c.DefaultQuery("format", qrFormatDelimited)); f {
	case qrFormatDelimited, qrFormatJSON:
		return f, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "format must be delimited or json"})
		return "", false
	}
}

func (a *App) handleRankTiers(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	tiers, err := a.store.RankTiers(ctx)
	if err != nil {
		a.logger.Error("failed to load rank tiers", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load rank tiers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

func (a *App) handleReplaceRankTiers(c *gin.Context) {
	var body struct {
		Tiers []model.RankTier `json:"tiers"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid payload"})
		return
	}
	if err := validateTiers(body.Tiers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.ReplaceRankTiers(ctx, body.Tiers); err != nil {
		a.logger.Error("failed to replace rank tiers", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to replace rank tiers"})
		return
	}

	a.logger.Info("rank tiers replaced", "count", len(body.Tiers))
	c.JSON(http.StatusOK, gin.H{"tiers": body.Tiers})
}

func validateTiers(tiers []model.RankTier) error {
	if len(tiers) == 0 {
		return errors.New("at least one tier is required")
	}
	seen := make(map[string]struct{}, len(tiers))
	for i := range tiers {
		tiers[i].Name = strings.TrimSpace(tiers[i].Name)
		t := tiers[i]
		if t.Name == "" {
			return errors.New("tier name is required")
		}
		if t.MinPoints < 0 {
			return fmt.Errorf("tier %q: min_points must not be negative", t.Name)
		}
		key := strings.ToLower(t.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("tier %q is listed twice", t.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// handleExportActivities streams every deposit as CSV in creation order with
// running per-user totals, optionally bounded by since/until (RFC 3339).
func (a *App) handleExportActivities(c *gin.Context) {
	since, sinceOK := parseTimeQuery(c.Query("since"))
	until, untilOK := parseTimeQuery(c.Query("until"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	activities, err := a.store.AllActivities(ctx)
	if err != nil {
		a.logger.Error("export: failed to load activities", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load activities"})
		return
	}

	locations, err := a.store.Locations(ctx)
	if err != nil {
		a.logger.Error("export: failed to load locations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load locations"})
		return
	}
	names := make(map[string]string, len(locations))
	for _, l := range locations {
		names[l.ID] = l.Name
	}

	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].CreatedAt.Before(activities[j].CreatedAt)
	})

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=ecotrade_activities.csv")
	c.Status(http.StatusOK)

	csvWriter := csv.NewWriter(c.Writer)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{
		"created_at",
		"activity_id",
		"user_id",
		"location_id",
		"location_name",
		"bottles_count",
		"weight_kg",
		"points_earned",
		"user_total_points",
		"user_total_bottles",
	}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	// Totals accumulate over the full history so bounded exports still show lifetime figures.
	totals := make(map[string]model.Aggregate)
	for _, act := range activities {
		agg := totals[act.UserID]
		agg.Points += act.PointsEarned
		agg.TotalBottles += act.BottlesCount
		totals[act.UserID] = agg

		if sinceOK && act.CreatedAt.Before(since) {
			continue
		}
		if untilOK && !act.CreatedAt.Before(until) {
			break
		}

		row := []string{
			act.CreatedAt.UTC().Format(time.RFC3339Nano),
			act.ID,
			act.UserID,
			act.LocationID,
			truncateString(names[act.LocationID], 128),
			strconv.Itoa(act.BottlesCount),
			fmt.Sprintf("%.3f", act.WeightKg),
			strconv.Itoa(act.PointsEarned),
			strconv.Itoa(agg.Points),
			strconv.Itoa(agg.TotalBottles),
		}
		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}

	if err := csvWriter.Error(); err != nil {
		a.logger.Error("export: writer error", "error", err)
	}
}

func parseTimeQuery(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts, true
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
