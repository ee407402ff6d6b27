package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/metrics"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
	"github.com/mr1hm/disaster-sentinel/internal/scheduler"
)

type Notifier interface {
	Notify(ctx context.Context, typ string, data any)
}

// TriggerFunc hands a newly created event to the assessment pipeline.
type TriggerFunc func(eventID string) bool

type Manager struct {
	cfg      config.SourcesConfig
	repo     repository.EventRepository
	notifier Notifier
	trigger  TriggerFunc
	sources  map[string]Source
	now      func() time.Time
}

func NewManager(cfg *config.Config, repo repository.EventRepository, notifier Notifier) *Manager {
	m := &Manager{
		cfg:      cfg.Sources,
		repo:     repo,
		notifier: notifier,
		sources:  make(map[string]Source),
		now:      time.Now,
	}

	client := newFeedClient(cfg.Sources.HTTPTimeout, cfg.Sources.RetryCount)
	if cfg.Sources.GDACSEnabled {
		m.AddSource(NewGDACSSource(client, cfg.Sources.GDACSURL))
	}
	if cfg.Sources.USGSEnabled {
		m.AddSource(NewUSGSSource(client, cfg.Sources.USGSURL))
	}
	if cfg.Sources.EONETEnabled {
		m.AddSource(NewEONETSource(client, cfg.Sources.EONETURL))
	}
	return m
}

func (m *Manager) AddSource(s Source) {
	m.sources[s.Name()] = s
}

// OnNewEvent registers the pipeline trigger for events created by a poll.
func (m *Manager) OnNewEvent(fn TriggerFunc) {
	m.trigger = fn
}

// Jobs returns one scheduled poll per enabled source plus the stale sweep.
func (m *Manager) Jobs(sched config.ScheduleConfig) []scheduler.Job {
	intervals := map[string]time.Duration{
		models.SourceGDACS: m.cfg.GDACSPollInterval,
		models.SourceUSGS:  m.cfg.USGSPollInterval,
		models.SourceEONET: m.cfg.EONETPollInterval,
	}

	var jobs []scheduler.Job
	for _, name := range []string{models.SourceGDACS, models.SourceUSGS, models.SourceEONET} {
		src, ok := m.sources[name]
		if !ok {
			continue
		}
		jobs = append(jobs, scheduler.Job{
			Name:     "poll_" + name,
			Interval: intervals[name],
			Run: func(ctx context.Context) error {
				_, err := m.Poll(ctx, src)
				return err
			},
		})
	}

	jobs = append(jobs, scheduler.Job{
		Name:     "stale_sweep",
		Interval: sched.StaleSweepInterval,
		Run: func(ctx context.Context) error {
			_, err := m.SweepStale(ctx)
			return err
		},
	})
	return jobs
}

type PollResult struct {
	Fetched int
	Created int
	Seen    int
}

// Poll fetches one source and upserts every entry. A failed fetch mutates nothing.
func (m *Manager) Poll(ctx context.Context, src Source) (PollResult, error) {
	slog.Debug("polling", "source", src.Name())

	events, err := src.Fetch(ctx)
	if err != nil {
		metrics.FeedPollErrors.WithLabelValues(src.Name()).Inc()
		return PollResult{}, fmt.Errorf("poll %s: %w", src.Name(), err)
	}

	res := PollResult{Fetched: len(events)}
	seenAt := m.now()
	var created []*models.Event

	for _, e := range events {
		isNew, err := m.repo.UpsertEvent(ctx, e, seenAt)
		if err != nil {
			slog.Error("error upserting event", "source", src.Name(), "external_id", e.ExternalID(), "error", err)
			metrics.EventsIngested.WithLabelValues(src.Name(), "error").Inc()
			continue
		}
		if isNew {
			res.Created++
			created = append(created, e)
			metrics.EventsIngested.WithLabelValues(src.Name(), "created").Inc()
			slog.Info("new event added", "event_id", e.ID, "title", e.Title, "type", e.Type, "severity", e.Severity)
		} else {
			res.Seen++
			metrics.EventsIngested.WithLabelValues(src.Name(), "refreshed").Inc()
		}
	}

	if m.trigger != nil {
		for _, e := range created {
			if !m.trigger(e.ID) {
				slog.Debug("pipeline trigger deferred to sweep", "event_id", e.ID)
			}
		}
	}

	if len(created) > 0 {
		m.notifyActive(ctx)
	}

	slog.Info("poll complete", "source", src.Name(), "fetched", res.Fetched, "created", res.Created, "seen", res.Seen)
	return res, nil
}

// SweepStale deactivates events not seen in any feed within the staleness window.
func (m *Manager) SweepStale(ctx context.Context) (int64, error) {
	staleAfter := m.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 72 * time.Hour
	}
	n, err := m.repo.DeactivateStale(ctx, m.now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("deactivate stale events: %w", err)
	}
	if n > 0 {
		metrics.EventsDeactivated.Add(float64(n))
		slog.Info("deactivated stale events", "count", n)
		m.notifyActive(ctx)
	}
	return n, nil
}

func (m *Manager) notifyActive(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	events, err := m.repo.ListEvents(ctx, repository.EventFilter{ActiveOnly: true, Limit: 100})
	if err != nil {
		slog.Warn("failed to load active events for broadcast", "error", err)
		return
	}
	m.notifier.Notify(ctx, broadcast.TypeEventsUpdate, events)
}
