package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *SQLiteDB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewFromDB(db)
}

func TestUpsertEvent_RefreshesBySourceColumn(t *testing.T) {
	mock, repo := setupMockDB(t)

	mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE events SET last_seen_in_feed = \?, active = 1 WHERE usgs_id = \?`).
		WithArgs(testNow.UnixMilli(), "us7000abcd").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := testEvent("ev", "", models.SeverityRed)
	e.USGSID = "us7000abcd"
	created, err := repo.UpsertEvent(context.Background(), e, testNow)

	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEvent_InsertFailure(t *testing.T) {
	mock, repo := setupMockDB(t)

	mock.ExpectExec(`INSERT INTO events`).WillReturnError(errors.New("disk I/O error"))

	_, err := repo.UpsertEvent(context.Background(), testEvent("ev", "1", models.SeverityRed), testNow)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionAnalysis_Conflict(t *testing.T) {
	mock, repo := setupMockDB(t)

	mock.ExpectExec(`UPDATE analyses SET status = \?, updated_at = \?, error_message = \? WHERE id = \? AND status = \?`).
		WithArgs(models.StatusError, sqlmock.AnyArg(), "boom", "an-1", models.StatusGeneratingReport).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.TransitionAnalysis(context.Background(), "an-1",
		models.StatusGeneratingReport, models.StatusError, AnalysisUpdate{ErrorMessage: "boom"})

	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAssessment_RollsBackOnFailure(t *testing.T) {
	mock, repo := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT OR IGNORE INTO building_damage`)
	mock.ExpectExec(`INSERT OR IGNORE INTO building_damage`).WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := repo.InsertAssessment(context.Background(), []models.BuildingDamage{
		{AnalysisID: "an", EventID: "ev", OSMID: "w1", DamageLabel: "no-damage", Source: models.BuildingSourceSatellite},
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "w1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeAlert_NotFound(t *testing.T) {
	mock, repo := setupMockDB(t)

	mock.ExpectExec(`UPDATE alert_log SET acknowledged = 1`).
		WithArgs(testNow.UnixMilli(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AcknowledgeAlert(context.Background(), "missing", testNow)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRecoverySnapshot_RollsBackHistoryWhenAlertFails(t *testing.T) {
	mock, repo := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analyses SET recovery_history = \?, updated_at = \? WHERE id = \?`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_log`).WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	alerted, err := repo.AppendRecoverySnapshot(context.Background(), "an-1",
		[]models.RecoverySnapshot{{RecoveryScore: 40}, {RecoveryScore: 30}},
		&models.Alert{ID: "al-1", EventID: "ev", Type: models.AlertTypeSeverityEscalation, DedupKey: "an-1:1"})

	require.Error(t, err)
	assert.False(t, alerted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRecoverySnapshot_CommitsWithoutAlert(t *testing.T) {
	mock, repo := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analyses SET recovery_history`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	alerted, err := repo.AppendRecoverySnapshot(context.Background(), "an-1",
		[]models.RecoverySnapshot{{RecoveryScore: 40}, {RecoveryScore: 45}}, nil)

	require.NoError(t, err)
	assert.False(t, alerted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
