package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

func (s *SQLiteDB) AddGroundReport(ctx context.Context, r *models.GroundReport) error {
	var satClass, agreement sql.NullInt64
	if r.SatelliteClass != nil {
		satClass = sql.NullInt64{Int64: int64(*r.SatelliteClass), Valid: true}
	}
	if r.Agreement != nil {
		agreement = sql.NullInt64{Int64: int64(boolToInt(*r.Agreement)), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ground_reports
			(id, event_id, lat, lon, damage_class, damage_label, ai_confidence, description, photo_url,
			 satellite_class, agreement, disputed, submitter_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.EventID, r.Latitude, r.Longitude, r.DamageClass, r.DamageLabel, r.AIConfidence,
		r.Description, r.PhotoURL, satClass, agreement, boolToInt(r.Disputed), r.SubmitterHash,
		toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ground report: %w", err)
	}
	return nil
}

func (s *SQLiteDB) CountRecentSubmissions(ctx context.Context, eventID, submitterHash string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ground_reports
		WHERE event_id = ? AND submitter_hash = ? AND created_at > ?
	`, eventID, submitterHash, toMillis(since)).Scan(&n)
	return n, err
}

func (s *SQLiteDB) ListGroundReports(ctx context.Context, eventID string) ([]models.GroundReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, lat, lon, damage_class, damage_label, ai_confidence, description, photo_url,
			satellite_class, agreement, disputed, submitter_hash, created_at
		FROM ground_reports WHERE event_id = ?
		ORDER BY created_at DESC
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GroundReport
	for rows.Next() {
		var (
			r                   models.GroundReport
			satClass, agreement sql.NullInt64
			disputed            int
			created             int64
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.Latitude, &r.Longitude, &r.DamageClass, &r.DamageLabel,
			&r.AIConfidence, &r.Description, &r.PhotoURL, &satClass, &agreement, &disputed,
			&r.SubmitterHash, &created); err != nil {
			return nil, err
		}
		if satClass.Valid {
			c := int(satClass.Int64)
			r.SatelliteClass = &c
		}
		if agreement.Valid {
			a := agreement.Int64 == 1
			r.Agreement = &a
		}
		r.Disputed = disputed == 1
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
