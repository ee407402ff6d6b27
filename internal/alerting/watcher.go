// Package alerting evaluates the threshold rules and writes deduplicated alerts.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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
	CriticalEventWindow = 24 * time.Hour
	FacilityWindow      = 6 * time.Hour
	DisputeWindow       = 12 * time.Hour

	maxFacilityAlerts  = 10
	facilityCandidates = 200
	minDisputed        = 5
	broadcastLimit     = 100
)

var ErrAlertNotFound = errors.New("alert not found")

type Notifier interface {
	Notify(ctx context.Context, typ string, data any)
}

type Watcher struct {
	store    repository.AlertRepository
	notifier Notifier
	now      func() time.Time
}

func NewWatcher(store repository.AlertRepository, notifier Notifier) *Watcher {
	return &Watcher{
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

type Result struct {
	CriticalEvents int
	Facilities     int
	Disputes       int
}

func (r Result) Total() int {
	return r.CriticalEvents + r.Facilities + r.Disputes
}

func (w *Watcher) Jobs(sched config.ScheduleConfig) []scheduler.Job {
	return []scheduler.Job{{
		Name:     "alert_watch",
		Interval: sched.AlertInterval,
		Run: func(ctx context.Context) error {
			_, err := w.Run(ctx)
			return err
		},
	}}
}

// Run evaluates every rule once. A failing rule does not stop the others; their
// errors are joined into the returned error.
func (w *Watcher) Run(ctx context.Context) (Result, error) {
	var res Result
	before, err := w.store.CountUnacknowledged(ctx)
	if err != nil {
		return res, fmt.Errorf("count unacknowledged alerts: %w", err)
	}

	now := w.now().UTC()
	var errs []error
	if res.CriticalEvents, err = w.watchCriticalEvents(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("critical events: %w", err))
	}
	if res.Facilities, err = w.watchFacilities(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("infrastructure at risk: %w", err))
	}
	if res.Disputes, err = w.watchDisputes(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("dispute density: %w", err))
	}

	if res.Total() > 0 {
		slog.Info("alerts raised", "critical_events", res.CriticalEvents, "facilities", res.Facilities, "disputes", res.Disputes)
	}

	after, err := w.store.CountUnacknowledged(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("count unacknowledged alerts: %w", err))
	} else if after > before {
		w.notify(ctx)
	}
	return res, errors.Join(errs...)
}

// Acknowledge marks an alert as seen. Acknowledging twice keeps the first timestamp.
func (w *Watcher) Acknowledge(ctx context.Context, id string) error {
	err := w.store.AcknowledgeAlert(ctx, id, w.now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return ErrAlertNotFound
	}
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	w.notify(ctx)
	return nil
}

func (w *Watcher) watchCriticalEvents(ctx context.Context, now time.Time) (int, error) {
	since := now.Add(-CriticalEventWindow)
	events, err := w.store.CriticalEventCandidates(ctx, since)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, e := range events {
		ok, err := w.insert(ctx, &models.Alert{
			EventID:  e.ID,
			Type:     models.AlertTypeNewCriticalEvent,
			Severity: models.AlertSeverityCritical,
			Message:  fmt.Sprintf("CRITICAL EVENT: %s. Red alert %s event detected", e.Title, e.Type),
			Metadata: map[string]any{
				"event_title": e.Title,
				"event_type":  e.Type,
			},
		}, now, since)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (w *Watcher) watchFacilities(ctx context.Context, now time.Time) (int, error) {
	since := now.Add(-FacilityWindow)
	candidates, err := w.store.AtRiskFacilityCandidates(ctx, since, facilityCandidates)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, c := range candidates {
		if inserted >= maxFacilityAlerts {
			break
		}
		kind := strings.ToUpper(strings.ReplaceAll(string(c.FacilityType), "_", " "))
		// several analyses of one event can list the same facility; the insert dedups them
		ok, err := w.insert(ctx, &models.Alert{
			EventID:  c.EventID,
			Type:     models.AlertTypeInfrastructureAtRisk,
			Severity: models.AlertSeverityCritical,
			Message:  fmt.Sprintf("%s AT RISK: %s in %s damage zone (%s)", kind, c.DedupKey(), c.RiskLevel, c.EventTitle),
			Metadata: map[string]any{
				"facility_name": c.Name,
				"facility_type": c.FacilityType,
				"risk_level":    c.RiskLevel,
				"osm_id":        c.OSMID,
				"analysis_id":   c.AnalysisID,
			},
			DedupKey: c.DedupKey(),
		}, now, since)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (w *Watcher) watchDisputes(ctx context.Context, now time.Time) (int, error) {
	since := now.Add(-DisputeWindow)
	candidates, err := w.store.DisputeCandidates(ctx, since, minDisputed)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, c := range candidates {
		ok, err := w.insert(ctx, &models.Alert{
			EventID:  c.EventID,
			Type:     models.AlertTypeHighDisputeDensity,
			Severity: models.AlertSeverityWarning,
			Message:  fmt.Sprintf("HIGH DISPUTE DENSITY: %d field reports disagree with the satellite assessment, field verification recommended", c.Count),
			Metadata: map[string]any{"dispute_count": c.Count},
		}, now, since)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (w *Watcher) insert(ctx context.Context, a *models.Alert, now, since time.Time) (bool, error) {
	a.ID = uuid.NewString()
	a.CreatedAt = now
	ok, err := w.store.InsertAlertUnlessRecent(ctx, a, since)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.AlertsInserted.WithLabelValues(string(a.Type)).Inc()
		slog.Info("alert raised", "type", a.Type, "event_id", a.EventID, "dedup_key", a.DedupKey)
	}
	return ok, nil
}

func (w *Watcher) notify(ctx context.Context) {
	if w.notifier == nil {
		return
	}
	alerts, err := w.store.ListUnacknowledged(ctx, broadcastLimit)
	if err != nil {
		slog.Warn("failed to load alerts for broadcast", "error", err)
		return
	}
	w.notifier.Notify(ctx, broadcast.TypeAlertsUpdate, alerts)
}
