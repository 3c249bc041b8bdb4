package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

func TestNewJobStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJobStore(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewJobStore(mock, "jobs; DROP TABLE x")
	require.Error(t, err)

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)
	require.Equal(t, DefaultJobsTable, store.table)
}

func TestJobStoreUpsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(90 * time.Second)
	job := capture.Job{
		TargetID:        "prop-1",
		RunID:           "run-1",
		Address:         "84 White St",
		OriginalAddress: "84 White St, Manhattan, NY 10013",
		Status:          capture.JobStatusFailed,
		StartedAt:       started,
		CompletedAt:     &finished,
		Error:           "capture failed",
	}

	mock.ExpectExec("INSERT INTO streetview_jobs").
		WithArgs(
			job.TargetID,
			job.RunID,
			job.Address,
			job.OriginalAddress,
			job.StartedAt,
			"failed",
			job.CompletedAt,
			nullString(job.Error),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpsertError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("connection reset"))
	err = store.Upsert(context.Background(), capture.Job{TargetID: "t", Status: capture.JobStatusProcessing})
	require.ErrorContains(t, err, "connection reset")
	require.Error(t, store.Upsert(context.Background(), capture.Job{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGet(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	columns := []string{
		"target_id", "run_id", "address", "original_address",
		"started_at", "status", "completed_at", "error",
	}
	mock.ExpectQuery("SELECT target_id").
		WithArgs("prop-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("prop-1", "run-1", "84 White St", "84 White St, NY", started, "processing", nil, nil))

	job, err := store.Get(context.Background(), "prop-1")
	require.NoError(t, err)
	require.Equal(t, capture.JobStatusProcessing, job.Status)
	require.Equal(t, started, job.StartedAt)
	require.Nil(t, job.CompletedAt)
	require.Empty(t, job.Error)

	mock.ExpectQuery("SELECT target_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, capture.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreDeleteAndSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS streetview_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("DELETE FROM streetview_jobs").
		WithArgs("prop-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Delete(context.Background(), "prop-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
