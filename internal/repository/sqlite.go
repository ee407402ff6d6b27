package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string, maxOpenConns int) (*SQLiteDB, error) {
	dsn := path
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		maxOpenConns = 1
	} else if !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

// NewFromDB wraps an existing handle without migrating it.
func NewFromDB(db *sql.DB) *SQLiteDB {
	return &SQLiteDB{db: db}
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			gdacs_id TEXT UNIQUE,
			usgs_id TEXT UNIQUE,
			eonet_id TEXT UNIQUE,
			title TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL CHECK (severity IN ('red', 'orange')),
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			event_date INTEGER NOT NULL,
			country TEXT NOT NULL DEFAULT '',
			affected_population INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			pipeline_triggered INTEGER NOT NULL DEFAULT 0,
			last_seen_in_feed INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL REFERENCES events(id),
			status TEXT NOT NULL,
			damage_geojson TEXT,
			stats TEXT,
			pre_thumbnail_url TEXT NOT NULL DEFAULT '',
			post_thumbnail_url TEXT NOT NULL DEFAULT '',
			infrastructure TEXT,
			population TEXT,
			recovery_history TEXT,
			report TEXT,
			public_slug TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS building_damage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			analysis_id TEXT NOT NULL REFERENCES analyses(id),
			event_id TEXT NOT NULL,
			osm_id TEXT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			damage_class INTEGER NOT NULL,
			damage_label TEXT NOT NULL,
			confidence REAL NOT NULL,
			source TEXT NOT NULL,
			UNIQUE (analysis_id, osm_id)
		);

		CREATE TABLE IF NOT EXISTS infrastructure_risk (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			analysis_id TEXT NOT NULL REFERENCES analyses(id),
			event_id TEXT NOT NULL,
			osm_id TEXT NOT NULL,
			facility_type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			risk_level TEXT NOT NULL,
			overlap_pct REAL NOT NULL DEFAULT 0,
			UNIQUE (analysis_id, osm_id)
		);

		CREATE TABLE IF NOT EXISTS ground_reports (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES events(id),
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			damage_class INTEGER NOT NULL,
			damage_label TEXT NOT NULL,
			ai_confidence REAL NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			satellite_class INTEGER,
			agreement INTEGER,
			disputed INTEGER NOT NULL DEFAULT 0,
			submitter_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alert_log (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			dedup_key TEXT NOT NULL DEFAULT '',
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_at INTEGER,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS osm_cache (
			cache_key TEXT PRIMARY KEY,
			bbox TEXT NOT NULL,
			payload TEXT NOT NULL,
			feature_count INTEGER NOT NULL DEFAULT 0,
			fetched_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS imagery_quota_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			period_key TEXT NOT NULL,
			units INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vision_quota_log (
			day_key TEXT PRIMARY KEY,
			calls INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_active ON events(active, last_seen_in_feed);
		CREATE INDEX IF NOT EXISTS idx_analyses_event ON analyses(event_id, status, created_at);
		CREATE INDEX IF NOT EXISTS idx_analyses_slug ON analyses(public_slug);
		CREATE INDEX IF NOT EXISTS idx_buildings_event ON building_damage(event_id);
		CREATE INDEX IF NOT EXISTS idx_infra_event ON infrastructure_risk(event_id, risk_level);
		CREATE INDEX IF NOT EXISTS idx_ground_reports_event ON ground_reports(event_id, submitter_hash, created_at);
		CREATE INDEX IF NOT EXISTS idx_alert_dedup ON alert_log(event_id, alert_type, dedup_key, created_at);
		CREATE INDEX IF NOT EXISTS idx_alert_unacked ON alert_log(acknowledged, created_at);
		CREATE INDEX IF NOT EXISTS idx_imagery_quota_period ON imagery_quota_log(period_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *SQLiteDB) DB() *sql.DB {
	return s.db
}

// Timestamps are stored as unix milliseconds so window comparisons stay numeric.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// marshalNullable encodes v as JSON, or SQL NULL when v is nil.
func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullable(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

type scanner interface {
	Scan(dest ...any) error
}
