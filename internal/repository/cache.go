package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetCachedGeodata returns the payload stored under key if it has not expired at now.
func (s *SQLiteDB) GetCachedGeodata(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM osm_cache WHERE cache_key = ? AND expires_at > ?`, key, toMillis(now),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (s *SQLiteDB) PutCachedGeodata(ctx context.Context, key, bbox string, payload []byte, featureCount int, now, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO osm_cache (cache_key, bbox, payload, feature_count, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			bbox = excluded.bbox,
			payload = excluded.payload,
			feature_count = excluded.feature_count,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at
	`, key, bbox, string(payload), featureCount, toMillis(now), toMillis(expiresAt))
	return err
}
