package recorder

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/perr"
)

func assertFatalResource(t *testing.T, err error) {
	t.Helper()
	assert.True(t, perr.IsKind(err, perr.FatalResource), "expected FatalResource, got %v", err)
}

func assertNotFatalResource(t *testing.T, err error) {
	t.Helper()
	assert.False(t, perr.IsKind(err, perr.FatalResource), "expected non-fatal classification, got %v", err)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres"), fatalCodes: map[string]struct{}{"53100": {}}}, mock
}

func sampleRecord() Record {
	return Record{
		Event: event.Event{
			ID:          "deadbeefdeadbeefdeadbeefdeadbeef",
			Source:      "example.scanning",
			Restriction: event.RestrictionPublic,
			Confidence:  event.ConfidenceMedium,
			Category:    event.CategoryScanning,
			Time:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Client: "org-1",
		Zone:   "inside",
	}
}

func TestRecordHappyPath(t *testing.T) {
	// spec.md scenario 5: a fresh (event, client, zone) persists both rows
	// and commits.
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO client_to_event").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Record(context.Background(), sampleRecord())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIdempotentOnRedelivery(t *testing.T) {
	// A redelivered (event, client, zone) hits ON CONFLICT DO NOTHING on
	// both inserts and still commits cleanly; the caller sees success, not
	// an error, on the second delivery of the same record.
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO client_to_event").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.Record(context.Background(), sampleRecord())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFatalResourceOnDiskFull(t *testing.T) {
	// spec.md scenario 6: a disk-full SQLSTATE from the event store must
	// classify as perr.FatalResource, not an ordinary retryable error.
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "53100", Message: "disk full"})
	mock.ExpectRollback()

	err := s.Record(context.Background(), sampleRecord())
	require.Error(t, err)
	assertFatalResource(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransientErrorNotClassifiedFatal(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "40001", Message: "serialization failure"})
	mock.ExpectRollback()

	err := s.Record(context.Background(), sampleRecord())
	require.Error(t, err)
	assertNotFatalResource(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
