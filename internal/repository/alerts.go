package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

const alertSelect = `SELECT a.id, a.event_id, COALESCE(e.title, ''), a.alert_type, a.severity, a.message, a.metadata,
	a.dedup_key, a.acknowledged, a.acknowledged_at, a.created_at
	FROM alert_log a LEFT JOIN events e ON e.id = a.event_id`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteDB) InsertAlertUnlessRecent(ctx context.Context, a *models.Alert, since time.Time) (bool, error) {
	return insertAlertUnlessRecent(ctx, s.db, a, since)
}

func insertAlertUnlessRecent(ctx context.Context, ex execer, a *models.Alert, since time.Time) (bool, error) {
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("encode alert metadata: %w", err)
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO alert_log (id, event_id, alert_type, severity, message, metadata, dedup_key, acknowledged, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, 0, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM alert_log
			WHERE event_id = ? AND alert_type = ? AND dedup_key = ? AND created_at > ?
		)
	`,
		a.ID, a.EventID, a.Type, a.Severity, a.Message, string(metaJSON), a.DedupKey, toMillis(a.CreatedAt),
		a.EventID, a.Type, a.DedupKey, toMillis(since),
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CriticalEventCandidates returns active red events without a new_critical_event alert since the cutoff.
func (s *SQLiteDB) CriticalEventCandidates(ctx context.Context, since time.Time) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events ev
		WHERE ev.active = 1 AND ev.severity = ?
		AND NOT EXISTS (
			SELECT 1 FROM alert_log a
			WHERE a.event_id = ev.id AND a.alert_type = ? AND a.dedup_key = '' AND a.created_at > ?
		)
		ORDER BY ev.created_at ASC
	`, models.SeverityRed, models.AlertTypeNewCriticalEvent, toMillis(since))
}

// AtRiskFacilityCandidates returns high and critical facilities that have not been alerted since the
// cutoff, critical first. Events retired by the stale sweep still qualify. A facility assessed by several analyses appears once per row.
func (s *SQLiteDB) AtRiskFacilityCandidates(ctx context.Context, since time.Time, limit int) ([]FacilityCandidate, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ir.id, ir.analysis_id, ir.event_id, ir.osm_id, ir.facility_type, ir.name, ir.lat, ir.lon,
			ir.risk_level, ir.overlap_pct, e.title
		FROM infrastructure_risk ir
		JOIN events e ON e.id = ir.event_id
		WHERE ir.risk_level IN (?, ?)
		AND NOT EXISTS (
			SELECT 1 FROM alert_log a
			WHERE a.event_id = ir.event_id AND a.alert_type = ?
			AND a.dedup_key = COALESCE(NULLIF(ir.name, ''), ir.facility_type)
			AND a.created_at > ?
		)
		ORDER BY CASE ir.risk_level WHEN 'critical' THEN 0 ELSE 1 END, ir.id DESC
		LIMIT ?
	`, models.RiskCritical, models.RiskHigh, models.AlertTypeInfrastructureAtRisk, toMillis(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FacilityCandidate
	for rows.Next() {
		var title string
		f, err := scanFacility(rows, &title)
		if err != nil {
			return nil, err
		}
		out = append(out, FacilityCandidate{InfrastructureRisk: *f, EventTitle: title})
	}
	return out, rows.Err()
}

func (s *SQLiteDB) DisputeCandidates(ctx context.Context, since time.Time, minDisputed int) ([]DisputeCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gr.event_id, COUNT(*) FROM ground_reports gr
		WHERE gr.disputed = 1
		AND NOT EXISTS (
			SELECT 1 FROM alert_log a
			WHERE a.event_id = gr.event_id AND a.alert_type = ? AND a.dedup_key = '' AND a.created_at > ?
		)
		GROUP BY gr.event_id
		HAVING COUNT(*) >= ?
		ORDER BY gr.event_id
	`, models.AlertTypeHighDisputeDensity, toMillis(since), minDisputed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DisputeCandidate
	for rows.Next() {
		var c DisputeCandidate
		if err := rows.Scan(&c.EventID, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) CountUnacknowledged(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_log WHERE acknowledged = 0`).Scan(&n)
	return n, err
}

// ListUnacknowledged orders critical alerts first, then newest first.
func (s *SQLiteDB) ListUnacknowledged(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAlerts(ctx, alertSelect+`
		WHERE a.acknowledged = 0
		ORDER BY CASE a.severity WHEN 'critical' THEN 0 ELSE 1 END, a.created_at DESC, a.rowid DESC
		LIMIT ?`, limit)
}

func (s *SQLiteDB) ListAlertsForEvent(ctx context.Context, eventID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAlerts(ctx, alertSelect+`
		WHERE a.event_id = ?
		ORDER BY a.created_at DESC, a.rowid DESC
		LIMIT ?`, eventID, limit)
}

func (s *SQLiteDB) AcknowledgeAlert(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_log SET acknowledged = 1, acknowledged_at = COALESCE(acknowledged_at, ?) WHERE id = ?`,
		toMillis(at), id,
	)
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

func (s *SQLiteDB) queryAlerts(ctx context.Context, query string, args ...any) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var (
			a         models.Alert
			alertType string
			severity  string
			metadata  string
			acked     int
			ackedAt   sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.EventID, &a.EventTitle, &alertType, &severity, &a.Message, &metadata,
			&a.DedupKey, &acked, &ackedAt, &createdAt); err != nil {
			return nil, err
		}
		a.Type = models.AlertType(alertType)
		a.Severity = models.AlertSeverity(severity)
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert metadata: %w", err)
		}
		a.Acknowledged = acked == 1
		if ackedAt.Valid {
			t := fromMillis(ackedAt.Int64)
			a.AcknowledgedAt = &t
		}
		a.CreatedAt = fromMillis(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
