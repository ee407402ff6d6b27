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

const analysisColumns = `id, job_id, event_id, status, damage_geojson, stats, pre_thumbnail_url, post_thumbnail_url,
	infrastructure, population, recovery_history, report, public_slug, error_message, created_at, updated_at`

func (s *SQLiteDB) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, job_id, event_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.JobID, a.EventID, a.Status, toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	return s.getAnalysis(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
}

func (s *SQLiteDB) GetAnalysisBySlug(ctx context.Context, slug string) (*models.Analysis, error) {
	if slug == "" {
		return nil, ErrNotFound
	}
	return s.getAnalysis(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE public_slug = ?`, slug)
}

// LatestAnalysis returns the newest analysis for the event, optionally restricted to statuses.
func (s *SQLiteDB) LatestAnalysis(ctx context.Context, eventID string, statuses ...models.AnalysisStatus) (*models.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE event_id = ?`
	args := []any{eventID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT 1"
	return s.getAnalysis(ctx, query, args...)
}

func (s *SQLiteDB) HasInFlightAnalysis(ctx context.Context, eventID string) (bool, error) {
	inflight := models.NonTerminalStatuses()
	args := []any{eventID}
	for _, st := range inflight {
		args = append(args, st)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analyses WHERE event_id = ? AND status IN (`+placeholders(len(inflight))+`)`,
		args...,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TransitionAnalysis moves an analysis from one status to the next and persists u in the same
// statement. It fails with ErrStatusConflict when the row is no longer in from.
func (s *SQLiteDB) TransitionAnalysis(ctx context.Context, id string, from, to models.AnalysisStatus, u AnalysisUpdate) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, toMillis(time.Now())}

	addJSON := func(column string, v any) error {
		ns, err := marshalNullable(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", column, err)
		}
		sets = append(sets, column+" = ?")
		args = append(args, ns)
		return nil
	}

	if u.DamageGeometry != nil {
		if err := addJSON("damage_geojson", u.DamageGeometry); err != nil {
			return err
		}
	}
	if u.Stats != nil {
		if err := addJSON("stats", u.Stats); err != nil {
			return err
		}
	}
	if u.Infrastructure != nil {
		if err := addJSON("infrastructure", u.Infrastructure); err != nil {
			return err
		}
	}
	if u.Population != nil {
		if err := addJSON("population", u.Population); err != nil {
			return err
		}
	}
	if u.RecoveryHistory != nil {
		if err := addJSON("recovery_history", u.RecoveryHistory); err != nil {
			return err
		}
	}
	if u.Report != nil {
		if err := addJSON("report", u.Report); err != nil {
			return err
		}
	}
	if u.PreThumbnailURL != "" {
		sets = append(sets, "pre_thumbnail_url = ?")
		args = append(args, u.PreThumbnailURL)
	}
	if u.PostThumbnailURL != "" {
		sets = append(sets, "post_thumbnail_url = ?")
		args = append(args, u.PostThumbnailURL)
	}
	if u.PublicSlug != "" {
		sets = append(sets, "public_slug = ?")
		args = append(args, u.PublicSlug)
	}
	if u.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, u.ErrorMessage)
	}

	args = append(args, id, from)
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLiteDB) UpdateRecoveryHistory(ctx context.Context, id string, history []models.RecoverySnapshot) error {
	return updateRecoveryHistory(ctx, s.db, id, history)
}

// AppendRecoverySnapshot rewrites the recovery history and, when escalation is set, inserts it in the
// same transaction. The escalation is deduplicated by its key with no time window. alerted reports
// whether a new alert row was written.
func (s *SQLiteDB) AppendRecoverySnapshot(ctx context.Context, id string, history []models.RecoverySnapshot, escalation *models.Alert) (alerted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := updateRecoveryHistory(ctx, tx, id, history); err != nil {
		return false, err
	}
	if escalation != nil {
		alerted, err = insertAlertUnlessRecent(ctx, tx, escalation, time.Time{})
		if err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return alerted, nil
}

func updateRecoveryHistory(ctx context.Context, ex execer, id string, history []models.RecoverySnapshot) error {
	ns, err := marshalNullable(history)
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE analyses SET recovery_history = ?, updated_at = ? WHERE id = ?`,
		ns, toMillis(time.Now()), id,
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

// FailStaleAnalyses moves in-flight analyses last touched before startedBefore to error.
// Used at startup to release analyses orphaned by a crash.
func (s *SQLiteDB) FailStaleAnalyses(ctx context.Context, startedBefore time.Time, message string) (int64, error) {
	inflight := models.NonTerminalStatuses()
	args := []any{models.StatusError, message, toMillis(time.Now())}
	for _, st := range inflight {
		args = append(args, st)
	}
	args = append(args, toMillis(startedBefore))
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = ?, error_message = ?, updated_at = ?
		 WHERE status IN (`+placeholders(len(inflight))+`) AND updated_at < ?`,
		args...,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteDB) getAnalysis(ctx context.Context, query string, args ...any) (*models.Analysis, error) {
	a, err := scanAnalysis(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func scanAnalysis(sc scanner) (*models.Analysis, error) {
	var (
		a                                     models.Analysis
		status                                string
		geojson, stats, infra, pop, hist, rep sql.NullString
		slug                                  sql.NullString
		created, updated                      int64
	)
	err := sc.Scan(
		&a.ID, &a.JobID, &a.EventID, &status, &geojson, &stats, &a.PreThumbnailURL, &a.PostThumbnailURL,
		&infra, &pop, &hist, &rep, &slug, &a.ErrorMessage, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.AnalysisStatus(status)
	a.PublicSlug = slug.String
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)

	if geojson.Valid {
		a.DamageGeometry = &models.DamageGeometry{}
		if err := unmarshalNullable(geojson, a.DamageGeometry); err != nil {
			return nil, fmt.Errorf("decode damage_geojson: %w", err)
		}
	}
	if stats.Valid {
		a.Stats = &models.DamageStats{}
		if err := unmarshalNullable(stats, a.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	if infra.Valid {
		a.Infrastructure = &models.InfrastructureSummary{}
		if err := unmarshalNullable(infra, a.Infrastructure); err != nil {
			return nil, fmt.Errorf("decode infrastructure: %w", err)
		}
	}
	if pop.Valid {
		a.Population = &models.PopulationEstimate{}
		if err := unmarshalNullable(pop, a.Population); err != nil {
			return nil, fmt.Errorf("decode population: %w", err)
		}
	}
	if err := unmarshalNullable(hist, &a.RecoveryHistory); err != nil {
		return nil, fmt.Errorf("decode recovery_history: %w", err)
	}
	if rep.Valid {
		a.Report = &models.Report{}
		if err := unmarshalNullable(rep, a.Report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
	}
	return &a, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
