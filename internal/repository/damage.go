package repository

import (
	"context"
	"fmt"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

// InsertAssessment writes the building and infrastructure rows of one analysis atomically.
// Rows already present for the same (analysis, osm id) are skipped.
func (s *SQLiteDB) InsertAssessment(ctx context.Context, buildings []models.BuildingDamage, infra []models.InfrastructureRisk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(buildings) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO building_damage
				(analysis_id, event_id, osm_id, lat, lon, damage_class, damage_label, confidence, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		for _, b := range buildings {
			if _, err := stmt.ExecContext(ctx,
				b.AnalysisID, b.EventID, b.OSMID, b.Latitude, b.Longitude,
				b.DamageClass, b.DamageLabel, b.Confidence, b.Source,
			); err != nil {
				stmt.Close()
				return fmt.Errorf("insert building %s: %w", b.OSMID, err)
			}
		}
		stmt.Close()
	}

	if len(infra) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO infrastructure_risk
				(analysis_id, event_id, osm_id, facility_type, name, lat, lon, risk_level, overlap_pct)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		for _, f := range infra {
			if _, err := stmt.ExecContext(ctx,
				f.AnalysisID, f.EventID, f.OSMID, f.FacilityType, f.Name,
				f.Latitude, f.Longitude, f.RiskLevel, f.OverlapPct,
			); err != nil {
				stmt.Close()
				return fmt.Errorf("insert facility %s: %w", f.OSMID, err)
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

func (s *SQLiteDB) ListBuildings(ctx context.Context, opts DamageFilter) ([]models.BuildingDamage, error) {
	query, args := damageWhere(`SELECT id, analysis_id, event_id, osm_id, lat, lon, damage_class, damage_label, confidence, source
		FROM building_damage WHERE 1=1`, opts)
	query += " ORDER BY damage_class DESC, id ASC"
	query, args = withLimit(query, args, opts.Limit, 5000)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BuildingDamage
	for rows.Next() {
		var b models.BuildingDamage
		if err := rows.Scan(&b.ID, &b.AnalysisID, &b.EventID, &b.OSMID, &b.Latitude, &b.Longitude,
			&b.DamageClass, &b.DamageLabel, &b.Confidence, &b.Source); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) ListInfrastructure(ctx context.Context, opts DamageFilter) ([]models.InfrastructureRisk, error) {
	query, args := damageWhere(`SELECT id, analysis_id, event_id, osm_id, facility_type, name, lat, lon, risk_level, overlap_pct
		FROM infrastructure_risk WHERE 1=1`, opts)
	query += ` ORDER BY CASE risk_level
		WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'moderate' THEN 2 WHEN 'low' THEN 3 ELSE 4 END, id ASC`
	query, args = withLimit(query, args, opts.Limit, 1000)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.InfrastructureRisk
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanFacility(sc scanner, extra ...any) (*models.InfrastructureRisk, error) {
	var (
		f            models.InfrastructureRisk
		facilityType string
		risk         string
	)
	dest := []any{&f.ID, &f.AnalysisID, &f.EventID, &f.OSMID, &facilityType, &f.Name,
		&f.Latitude, &f.Longitude, &risk, &f.OverlapPct}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	f.FacilityType = models.FacilityType(facilityType)
	f.RiskLevel = models.RiskLevel(risk)
	return &f, nil
}

func damageWhere(query string, opts DamageFilter) (string, []any) {
	var args []any
	if opts.AnalysisID != "" {
		query += " AND analysis_id = ?"
		args = append(args, opts.AnalysisID)
	}
	if opts.EventID != "" {
		query += " AND event_id = ?"
		args = append(args, opts.EventID)
	}
	return query, args
}

func withLimit(query string, args []any, limit, fallback int) (string, []any) {
	if limit <= 0 {
		limit = fallback
	}
	return query + " LIMIT ?", append(args, limit)
}
