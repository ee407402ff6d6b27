// Package recovery appends recovery snapshots to completed analyses and raises
// an escalation alert whenever a new snapshot scores below the previous one.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/metrics"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
	"github.com/mr1hm/disaster-sentinel/internal/scheduler"
)

const (
	maxScore    = 100.0
	eventLimit  = 1000
	alertLimit  = 100
	minIncrease = 3.0
	maxIncrease = 9.0
)

type Store interface {
	repository.EventRepository
	repository.AnalysisRepository
	repository.AlertRepository
}

type Notifier interface {
	Notify(ctx context.Context, typ string, data any)
}

// Estimator produces the recovery score of the next snapshot from the last one.
type Estimator interface {
	NextScore(last models.RecoverySnapshot) float64
}

type EstimatorFunc func(last models.RecoverySnapshot) float64

func (f EstimatorFunc) NextScore(last models.RecoverySnapshot) float64 {
	return f(last)
}

// uniformEstimator improves the score by a uniform step until it reaches 100.
// It stands in until real pass availability is checked.
type uniformEstimator struct{}

func (uniformEstimator) NextScore(last models.RecoverySnapshot) float64 {
	return last.RecoveryScore + minIncrease + rand.Float64()*(maxIncrease-minIncrease)
}

type Tracker struct {
	store     Store
	notifier  Notifier
	estimator Estimator
	now       func() time.Time
}

func NewTracker(store Store, notifier Notifier) *Tracker {
	return &Tracker{
		store:     store,
		notifier:  notifier,
		estimator: uniformEstimator{},
		now:       time.Now,
	}
}

func (t *Tracker) WithEstimator(e Estimator) *Tracker {
	t.estimator = e
	return t
}

type Result struct {
	Checked     int
	Appended    int
	Regressions int
}

func (t *Tracker) Jobs(sched config.ScheduleConfig) []scheduler.Job {
	return []scheduler.Job{{
		Name:        "recovery_check",
		Interval:    sched.RecoveryInterval,
		SkipInitial: true,
		Run: func(ctx context.Context) error {
			_, err := t.Run(ctx)
			return err
		},
	}}
}

// Run computes at most one new snapshot per active event.
func (t *Tracker) Run(ctx context.Context) (Result, error) {
	var res Result
	events, err := t.store.ListEvents(ctx, repository.EventFilter{ActiveOnly: true, Limit: eventLimit})
	if err != nil {
		return res, fmt.Errorf("list active events: %w", err)
	}

	for i := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		appended, regressed, err := t.advance(ctx, &events[i])
		if err != nil {
			slog.Error("recovery check failed", "event_id", events[i].ID, "error", err)
			continue
		}
		if appended {
			res.Appended++
		}
		if regressed {
			res.Regressions++
		}
	}

	if res.Appended > 0 {
		t.notifyEvents(ctx)
	}
	if res.Regressions > 0 {
		t.notifyAlerts(ctx)
	}
	slog.Info("recovery check complete", "checked", res.Checked, "appended", res.Appended, "regressions", res.Regressions)
	return res, nil
}

func (t *Tracker) advance(ctx context.Context, e *models.Event) (appended, regressed bool, err error) {
	a, err := t.store.LatestAnalysis(ctx, e.ID, models.StatusComplete)
	if errors.Is(err, repository.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("load latest analysis: %w", err)
	}
	if len(a.RecoveryHistory) == 0 {
		return false, false, nil
	}

	last := a.RecoveryHistory[len(a.RecoveryHistory)-1]
	if last.RecoveryScore >= maxScore {
		return false, false, nil
	}

	next := Snapshot(last, t.estimator.NextScore(last), t.now())
	regressed = next.RecoveryScore < last.RecoveryScore

	// a regression and its alert are written together or not at all
	var alert *models.Alert
	if regressed {
		alert = t.escalation(e, a, len(a.RecoveryHistory), last.RecoveryScore, next.RecoveryScore)
	}

	history := append(a.RecoveryHistory[:len(a.RecoveryHistory):len(a.RecoveryHistory)], next)
	alerted, err := t.store.AppendRecoverySnapshot(ctx, a.ID, history, alert)
	if err != nil {
		return false, false, fmt.Errorf("append recovery snapshot: %w", err)
	}
	if alerted {
		metrics.AlertsInserted.WithLabelValues(string(alert.Type)).Inc()
		slog.Warn("recovery regression", "event_id", e.ID, "analysis_id", a.ID, "before", last.RecoveryScore, "after", next.RecoveryScore)
	}
	slog.Debug("recovery snapshot appended", "event_id", e.ID, "analysis_id", a.ID, "score", next.RecoveryScore)
	return true, regressed, nil
}

// Snapshot derives the next snapshot. The score is capped at 100 and the
// high severity area shrinks in proportion to the score delta.
func Snapshot(last models.RecoverySnapshot, score float64, now time.Time) models.RecoverySnapshot {
	score = roundTo(math.Max(0, math.Min(maxScore, score)), 1)
	high := last.HighSeverityKM2 * (1 - (score-last.RecoveryScore)/100)
	return models.RecoverySnapshot{
		Date:             now.UTC().Format("2006-01-02"),
		HighSeverityKM2:  roundTo(math.Max(0, high), 2),
		TotalAffectedKM2: last.TotalAffectedKM2,
		RecoveryScore:    score,
	}
}

// escalation builds the alert for a regression at the given snapshot index.
// The key allows one alert per snapshot position.
func (t *Tracker) escalation(e *models.Event, a *models.Analysis, index int, before, after float64) *models.Alert {
	msg := fmt.Sprintf("Damage worsening detected at %s: recovery score dropped from %.1f%% to %.1f%%", e.Title, before, after)
	return &models.Alert{
		ID:       uuid.NewString(),
		EventID:  e.ID,
		Type:     models.AlertTypeSeverityEscalation,
		Severity: models.AlertSeverityCritical,
		Message:  msg,
		Metadata: map[string]any{
			"before":      before,
			"after":       after,
			"analysis_id": a.ID,
		},
		DedupKey:  fmt.Sprintf("%s:%d", a.ID, index),
		CreatedAt: t.now().UTC(),
	}
}

func (t *Tracker) notifyEvents(ctx context.Context) {
	if t.notifier == nil {
		return
	}
	events, err := t.store.ListEvents(ctx, repository.EventFilter{ActiveOnly: true, Limit: alertLimit})
	if err != nil {
		slog.Warn("failed to load active events for broadcast", "error", err)
		return
	}
	t.notifier.Notify(ctx, broadcast.TypeEventsUpdate, events)
}

func (t *Tracker) notifyAlerts(ctx context.Context) {
	if t.notifier == nil {
		return
	}
	alerts, err := t.store.ListUnacknowledged(ctx, alertLimit)
	if err != nil {
		slog.Warn("failed to load alerts for broadcast", "error", err)
		return
	}
	t.notifier.Notify(ctx, broadcast.TypeAlertsUpdate, alerts)
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
