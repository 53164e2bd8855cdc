package app

import (
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/indraafito/EcoTrade-sub000/internal/deposit"
	"github.com/indraafito/EcoTrade-sub000/internal/leaderboard"
	"github.com/indraafito/EcoTrade-sub000/internal/model"
	"github.com/indraafito/EcoTrade-sub000/internal/store"
)

const (
	requestTimeout = 2 * time.Second
	// Confirmation spans several retried store round-trips.
	confirmTimeout  = 30 * time.Second
	insightsTimeout = 60 * time.Second
	maxImageBytes   = 10 << 20
)

func (a *App) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *App) handleReadyz(c *gin.Context) {
	if a.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store unreachable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable"})
		return
	}
	resp := gin.H{"status": "ready"}
	if a.kiosk != nil {
		resp["kiosk_bridge"] = a.kiosk.IsConnected()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *App) handleActiveLocations(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	locations, err := a.store.ActiveLocations(ctx)
	if err != nil {
		a.logger.Error("failed to load locations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load locations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations})
}

type scanBody struct {
	ScanID string `json:"scan_id"`
	Code   string `json:"code"`
}

func (a *App) handleScan(c *gin.Context) {
	var body scanBody
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "code is required"})
		return
	}
	a.scan(c, body.ScanID, body.Code, model.SourceApp)
}

func (a *App) handleScanImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes)

	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "multipart field \"image\" is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "unreadable upload"})
		return
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "upload is not a PNG or JPEG image"})
		return
	}

	text, ok, err := a.decoder.Decode(img)
	if err != nil {
		a.logger.Warn("image decode failed", "error", err)
	}
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_code_found", "message": "no QR code found in the image"})
		return
	}
	a.scan(c, c.PostForm("scan_id"), text, model.SourceImage)
}

func (a *App) scan(c *gin.Context, scanID, raw string, source model.ScanSource) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), confirmTimeout)
	defer cancel()

	res, err := a.deposits.Scan(ctx, deposit.ScanRequest{
		ScanID: strings.TrimSpace(scanID),
		UserID: c.GetString(ctxUserID),
		Raw:    raw,
		Source: source,
	})
	if err != nil {
		a.writeDepositError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"scan":     res.Scan,
		"location": res.Location,
		"payload":  res.Payload,
	})
}

type confirmBody struct {
	Payload *model.QRPayload `json:"payload"`
}

func (a *App) handleConfirm(c *gin.Context) {
	var body confirmBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid payload"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), confirmTimeout)
	defer cancel()

	res, err := a.deposits.Confirm(ctx, deposit.ConfirmRequest{
		ScanID:   c.Param("id"),
		UserID:   c.GetString(ctxUserID),
		Username: c.GetString(ctxUsername),
		Payload:  body.Payload,
	})
	if err != nil {
		a.writeDepositError(c, err)
		return
	}
	if res.Duplicate {
		c.JSON(http.StatusAccepted, gin.H{"status": "duplicate"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "confirmed",
		"activity":  res.Activity,
		"aggregate": res.Aggregate,
		"rank":      res.Rank,
	})
}

func (a *App) writeDepositError(c *gin.Context, err error) {
	code := deposit.Code(err)
	body := gin.H{"error": code, "message": err.Error()}

	var status int
	switch code {
	case "not_official_code", "invalid_qr":
		status = http.StatusUnprocessableEntity
	case "unknown_scan":
		status = http.StatusNotFound
	case "save_failed":
		status = http.StatusServiceUnavailable
		body["message"] = "deposit could not be saved, please try again"
	case "profile_update_failed":
		status = http.StatusInternalServerError
		body["message"] = "deposit saved, profile totals will refresh on the next deposit"
		var partial *deposit.PartialError
		if errors.As(err, &partial) {
			body["activity"] = partial.Activity
		}
	default:
		status = http.StatusInternalServerError
		body["message"] = "internal error"
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error("deposit request failed", "path", c.FullPath(), "user_id", c.GetString(ctxUserID), "code", code, "error", err)
	}
	c.JSON(status, body)
}

func (a *App) handleProfile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	userID := c.GetString(ctxUserID)
	profile, err := a.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		tiers, terr := a.store.RankTiers(ctx)
		if terr != nil {
			a.logger.Error("failed to load rank tiers", "error", terr)
		}
		profile = model.Profile{
			UserID:   userID,
			Username: c.GetString(ctxUsername),
			Rank:     leaderboard.TierFor(tiers, 0),
		}
		err = nil
	}
	if err != nil {
		a.logger.Error("failed to load profile", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load profile"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (a *App) handleActivities(c *gin.Context) {
	limit := queryLimit(c, 25, 250)

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	activities, err := a.store.RecentActivities(ctx, c.GetString(ctxUserID), limit)
	if err != nil {
		a.logger.Error("failed to load activities", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load activities"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": activities})
}

func (a *App) handleLeaderboard(c *gin.Context) {
	limit := queryLimit(c, 50, 100)

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	entries, err := a.board.Monthly(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load leaderboard", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to load leaderboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"month":   leaderboard.MonthStart(time.Now()).Format("2006-01"),
		"entries": entries,
	})
}

func (a *App) handleInsights(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), insightsTimeout)
	defer cancel()

	report, err := a.insights.ForUser(ctx, c.GetString(ctxUserID))
	if err != nil {
		a.logger.Error("failed to build insights", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to build insights"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= max {
				limit = parsed
			}
		}
	}
	return limit
}
