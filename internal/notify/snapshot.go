package notify

import (
	"context"
	"fmt"

	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
)

const snapshotLimit = 100

type SnapshotSource interface {
	ListEvents(ctx context.Context, opts repository.EventFilter) ([]models.Event, error)
	ListUnacknowledged(ctx context.Context, limit int) ([]models.Alert, error)
}

// Snapshot builds the envelopes a viewer receives on connect: the active events
// followed by the unacknowledged alerts.
func Snapshot(ctx context.Context, src SnapshotSource) ([]broadcast.Envelope, error) {
	events, err := src.ListEvents(ctx, repository.EventFilter{ActiveOnly: true, Limit: snapshotLimit})
	if err != nil {
		return nil, fmt.Errorf("load active events: %w", err)
	}
	alerts, err := src.ListUnacknowledged(ctx, snapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("load unacknowledged alerts: %w", err)
	}
	if events == nil {
		events = []models.Event{}
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	eventsEnv, err := broadcast.NewEnvelope(broadcast.TypeEventsUpdate, events)
	if err != nil {
		return nil, err
	}
	alertsEnv, err := broadcast.NewEnvelope(broadcast.TypeAlertsUpdate, alerts)
	if err != nil {
		return nil, err
	}
	return []broadcast.Envelope{eventsEnv, alertsEnv}, nil
}
