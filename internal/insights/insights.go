// Package insights summarises a user's recycling history, through a Mistral
// agent when one is configured and locally otherwise.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/indraafito/EcoTrade-sub000/internal/deposit"
	"github.com/indraafito/EcoTrade-sub000/internal/leaderboard"
	"github.com/indraafito/EcoTrade-sub000/internal/model"
	"github.com/indraafito/EcoTrade-sub000/internal/retry"
)

// Source values for Report.Source.
const (
	SourceAI       = "ai"
	SourceFallback = "fallback"
)

// co2PerBottleKg approximates the emissions avoided by recycling one PET bottle.
const co2PerBottleKg = 0.08

var errBadReply = errors.New("reply does not match the insight schema")

// Insight is one titled observation.
type Insight struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Report is the payload returned to the client.
type Report struct {
	Headline       string    `json:"headline"`
	Insights       []Insight `json:"insights"`
	Recommendation string    `json:"recommendation"`
	Source         string    `json:"source"`
}

// Stats are the aggregate figures a report is built from.
type Stats struct {
	model.Aggregate
	Deposits       int
	Locations      int
	ActiveDays     int
	MonthPoints    int
	Rank           string
	NextTier       string
	PointsToNext   int
	LastDepositAge time.Duration
}

// ComputeStats derives Stats from a user's complete activity set.
func ComputeStats(activities []model.Activity, tiers []model.RankTier, now time.Time) Stats {
	st := Stats{Aggregate: model.SumActivities(activities), Deposits: len(activities)}

	locations := map[string]struct{}{}
	days := map[string]struct{}{}
	monthStart := leaderboard.MonthStart(now)
	var last time.Time
	for _, a := range activities {
		locations[a.LocationID] = struct{}{}
		days[a.CreatedAt.UTC().Format("2006-01-02")] = struct{}{}
		if !a.CreatedAt.Before(monthStart) {
			st.MonthPoints += a.PointsEarned
		}
		if a.CreatedAt.After(last) {
			last = a.CreatedAt
		}
	}
	st.Locations = len(locations)
	st.ActiveDays = len(days)
	if !last.IsZero() {
		st.LastDepositAge = now.Sub(last)
	}

	st.Rank = leaderboard.TierFor(tiers, st.Points)
	for _, t := range leaderboard.SortTiers(tiers) {
		if t.MinPoints > st.Points {
			st.NextTier = t.Name
			st.PointsToNext = t.MinPoints - st.Points
			break
		}
	}
	return st
}

// Asker sends a prompt to a text model.
type Asker interface {
	Enabled() bool
	Ask(ctx context.Context, prompt string) (string, error)
}

// Repository is the storage insights read from.
type Repository interface {
	ActivitiesByUser(ctx context.Context, userID string) ([]model.Activity, error)
	RankTiers(ctx context.Context) ([]model.RankTier, error)
}

// Service produces reports.
type Service struct {
	repo    Repository
	asker   Asker
	retry   retry.Config
	printer *message.Printer
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Service. locale selects number formatting; an unknown tag falls back to English.
func New(repo Repository, asker Asker, cfg retry.Config, locale string, logger *slog.Logger) *Service {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		asker:   asker,
		retry:   cfg,
		printer: message.NewPrinter(tag),
		logger:  logger,
		now:     time.Now,
	}
}

// ForUser builds the report for a user. Model failures never surface; the
// local report is returned instead.
func (s *Service) ForUser(ctx context.Context, userID string) (Report, error) {
	activities, err := s.repo.ActivitiesByUser(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("load activities: %w", err)
	}
	tiers, err := s.repo.RankTiers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load rank tiers: %w", err)
	}
	st := ComputeStats(activities, tiers, s.now())

	if s.asker == nil || !s.asker.Enabled() {
		return s.Fallback(st), nil
	}

	var reply string
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		reply, err = s.asker.Ask(ctx, s.prompt(st))
		return err
	})
	if err != nil {
		s.logger.Warn("insight generation failed, using fallback", "user_id", userID, "err", err)
		return s.Fallback(st), nil
	}

	report, err := ParseReply(reply)
	if err != nil {
		s.logger.Warn("insight reply rejected, using fallback", "user_id", userID, "err", err)
		return s.Fallback(st), nil
	}
	return report, nil
}

func (s *Service) prompt(st Stats) string {
	var b strings.Builder
	b.WriteString("You are a recycling coach. Using the statistics below, reply with only a JSON object of the form ")
	b.WriteString(`{"headline": string, "insights": [{"title": string, "body": string}], "recommendation": string}`)
	b.WriteString(" with two to four insights.\n\n")
	fmt.Fprintf(&b, "Total points: %d\n", st.Points)
	fmt.Fprintf(&b, "Points this month: %d\n", st.MonthPoints)
	fmt.Fprintf(&b, "Bottles recycled: %d\n", st.TotalBottles)
	fmt.Fprintf(&b, "Weight recycled (kg): %.3f\n", st.TotalWeightKg)
	fmt.Fprintf(&b, "Deposits: %d over %d days at %d locations\n", st.Deposits, st.ActiveDays, st.Locations)
	fmt.Fprintf(&b, "Rank: %s\n", st.Rank)
	if st.NextTier != "" {
		fmt.Fprintf(&b, "Points to %s: %d\n", st.NextTier, st.PointsToNext)
	}
	return b.String()
}

// ParseReply extracts the insight object embedded in free text.
func ParseReply(text string) (Report, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Report{}, errBadReply
	}

	var r Report
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return Report{}, fmt.Errorf("%w: %w", errBadReply, err)
	}
	if r.Headline == "" || len(r.Insights) == 0 {
		return Report{}, errBadReply
	}
	for _, in := range r.Insights {
		if in.Title == "" || in.Body == "" {
			return Report{}, errBadReply
		}
	}
	r.Source = SourceAI
	return r, nil
}

// Fallback computes a deterministic report from st.
func (s *Service) Fallback(st Stats) Report {
	p := s.printer
	if st.Deposits == 0 {
		return Report{
			Headline: "Start your recycling journey",
			Insights: []Insight{{
				Title: "No deposits yet",
				Body:  "Scan the QR code at any collection point to record your first bottles.",
			}},
			Recommendation: "Find the nearest active collection point and make your first deposit.",
			Source:         SourceFallback,
		}
	}

	r := Report{
		Headline: p.Sprintf("%d bottles recycled, %d points earned", st.TotalBottles, st.Points),
		Source:   SourceFallback,
	}
	r.Insights = append(r.Insights,
		Insight{
			Title: "Impact",
			Body:  p.Sprintf("You kept %.2f kg of plastic out of landfill and avoided about %.2f kg of CO2.", st.TotalWeightKg, float64(st.TotalBottles)*co2PerBottleKg),
		},
		Insight{
			Title: "Habit",
			Body:  p.Sprintf("%d deposits over %d active days, averaging %.1f bottles per deposit.", st.Deposits, st.ActiveDays, float64(st.TotalBottles)/float64(st.Deposits)),
		},
		Insight{
			Title: "This month",
			Body:  p.Sprintf("%d points earned since the start of the month.", st.MonthPoints),
		},
	)
	if st.Locations > 1 {
		r.Insights = append(r.Insights, Insight{
			Title: "Explorer",
			Body:  p.Sprintf("You have recycled at %d different collection points.", st.Locations),
		})
	}

	switch {
	case st.NextTier != "":
		bottles := (st.PointsToNext + deposit.PointsPerBottle - 1) / deposit.PointsPerBottle
		r.Recommendation = p.Sprintf("Recycle about %d more bottles to reach %s.", bottles, st.NextTier)
	case st.LastDepositAge > 7*24*time.Hour:
		now := s.now()
		last := humanize.RelTime(now.Add(-st.LastDepositAge), now, "ago", "from now")
		r.Recommendation = "Your last deposit was " + last + ". Keep your streak going."
	default:
		r.Recommendation = "You are at the top tier. Keep recycling to hold your place on the leaderboard."
	}
	return r
}
