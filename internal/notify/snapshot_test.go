package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
)

func TestSnapshot(t *testing.T) {
	db, err := repository.NewSQLiteDB(":memory:", 0)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	envs, err := Snapshot(ctx, db)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, broadcast.TypeEventsUpdate, envs[0].Type)
	assert.JSONEq(t, `[]`, string(envs[0].Data), "empty lists encode as arrays")
	assert.Equal(t, broadcast.TypeAlertsUpdate, envs[1].Type)

	_, err = db.UpsertEvent(ctx, &models.Event{
		ID: "evt-1", USGSID: "us1", Title: "M 7.1", Type: models.EventTypeEarthquake,
		Severity: models.SeverityRed, EventDate: time.Now(),
	}, time.Now())
	require.NoError(t, err)

	envs, err = Snapshot(ctx, db)
	require.NoError(t, err)
	var events []models.Event
	require.NoError(t, json.Unmarshal(envs[0].Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Contains(t, string(envs[0].Payload), `"type":"events_update"`)
}
