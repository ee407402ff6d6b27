package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

const eventColumns = `id, gdacs_id, usgs_id, eonet_id, title, event_type, severity, lat, lon, event_date,
	country, affected_population, active, pipeline_triggered, last_seen_in_feed, created_at`

func (s *SQLiteDB) UpsertEvent(ctx context.Context, e *models.Event, seenAt time.Time) (bool, error) {
	var idColumn string
	switch e.Source() {
	case models.SourceGDACS:
		idColumn = "gdacs_id"
	case models.SourceUSGS:
		idColumn = "usgs_id"
	case models.SourceEONET:
		idColumn = "eonet_id"
	default:
		return false, fmt.Errorf("event %q has no source id", e.Title)
	}
	if !e.Severity.Persisted() {
		return false, fmt.Errorf("severity %q is not persisted", e.Severity)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		e.ID, nullString(e.GDACSID), nullString(e.USGSID), nullString(e.EONETID),
		e.Title, e.Type, e.Severity, e.Latitude, e.Longitude, toMillis(e.EventDate),
		e.Country, e.AffectedPopulation, toMillis(seenAt), toMillis(seenAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// idColumn comes from the switch above, never from input
	_, err = s.db.ExecContext(ctx,
		`UPDATE events SET last_seen_in_feed = ?, active = 1 WHERE `+idColumn+` = ?`,
		toMillis(seenAt), e.ExternalID(),
	)
	if err != nil {
		return false, fmt.Errorf("refresh event: %w", err)
	}
	return false, nil
}

func (s *SQLiteDB) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteDB) ListEvents(ctx context.Context, opts EventFilter) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}

	if opts.ActiveOnly {
		query += " AND active = 1"
	}
	if opts.Severity != nil {
		query += " AND severity = ?"
		args = append(args, *opts.Severity)
	}
	if opts.Type != nil {
		query += " AND event_type = ?"
		args = append(args, *opts.Type)
	}
	if opts.Since != nil {
		query += " AND event_date >= ?"
		args = append(args, toMillis(*opts.Since))
	}

	query += " ORDER BY event_date DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	return s.queryEvents(ctx, query, args...)
}

// DeactivateStale clears the active flag on events not seen in any feed since cutoff.
func (s *SQLiteDB) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET active = 0 WHERE active = 1 AND last_seen_in_feed < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteDB) MarkPipelineTriggered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET pipeline_triggered = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUntriggered returns active events that have never had the pipeline started, oldest first.
func (s *SQLiteDB) ListUntriggered(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE active = 1 AND pipeline_triggered = 0
		 ORDER BY created_at ASC LIMIT ?`,
		limit,
	)
}

func (s *SQLiteDB) queryEvents(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(sc scanner) (*models.Event, error) {
	var (
		e                            models.Event
		gdacsID, usgsID, eonetID     sql.NullString
		eventDate, lastSeen, created int64
		active, triggered            int
		eventType, severity          string
	)
	err := sc.Scan(
		&e.ID, &gdacsID, &usgsID, &eonetID, &e.Title, &eventType, &severity,
		&e.Latitude, &e.Longitude, &eventDate, &e.Country, &e.AffectedPopulation,
		&active, &triggered, &lastSeen, &created,
	)
	if err != nil {
		return nil, err
	}
	e.GDACSID = gdacsID.String
	e.USGSID = usgsID.String
	e.EONETID = eonetID.String
	e.Type = models.EventType(strings.ToUpper(eventType))
	e.Severity = models.Severity(severity)
	e.EventDate = fromMillis(eventDate)
	e.Active = active == 1
	e.PipelineTriggered = triggered == 1
	e.LastSeenInFeed = fromMillis(lastSeen)
	e.CreatedAt = fromMillis(created)
	return &e, nil
}
