package repository

import (
	"context"
	"time"
)

func (s *SQLiteDB) ImageryUsage(ctx context.Context, periodKey string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(units), 0) FROM imagery_quota_log WHERE period_key = ?`, periodKey,
	).Scan(&used)
	return used, err
}

func (s *SQLiteDB) RecordImageryUsage(ctx context.Context, periodKey string, units int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO imagery_quota_log (period_key, units, recorded_at) VALUES (?, ?, ?)`,
		periodKey, units, toMillis(at),
	)
	return err
}

func (s *SQLiteDB) VisionUsage(ctx context.Context, dayKey string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(calls), 0) FROM vision_quota_log WHERE day_key = ?`, dayKey,
	).Scan(&used)
	return used, err
}

func (s *SQLiteDB) IncrementVisionUsage(ctx context.Context, dayKey string, calls int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vision_quota_log (day_key, calls, recorded_at) VALUES (?, ?, ?)
		ON CONFLICT(day_key) DO UPDATE SET calls = calls + excluded.calls, recorded_at = excluded.recorded_at
	`, dayKey, calls, toMillis(at))
	return err
}
