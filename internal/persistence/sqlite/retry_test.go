package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/example/gym-scheduler/internal/persistence"
)

var classRowColumns = []string{
	"id", "title", "description", "coach", "day_of_week", "class_date", "start_time", "end_time",
	"capacity", "status", "enrolled_user_ids", "enrolled_count", "week_key", "version", "created_at", "updated_at",
}

func newMockStore(t *testing.T, retries int) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := newStore(sqlx.NewDb(db, "sqlmock"), Options{
		Retry: RetryConfig{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1},
		Now:   func() time.Time { return referenceTime },
	})
	return store, mock
}

func expectClassRead(mock sqlmock.Sqlmock, version int64) {
	stamp := referenceTime.Format(timeLayout)
	mock.ExpectQuery(`SELECT .+ FROM classes WHERE id = \?`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(classRowColumns).AddRow(
			"c1", "Box", "", "", "Lunes", "2024-06-03", "18:30", "19:30",
			2, "active", "[]", 0, "2024-06-03", version, stamp, stamp,
		))
}

func TestRunClassTransaction_VersionMismatchExhaustsIntoConflict(t *testing.T) {
	store, mock := newMockStore(t, 2)

	for attempt := 0; attempt < 3; attempt++ {
		mock.ExpectBegin()
		expectClassRead(mock, 7)
		mock.ExpectExec(`UPDATE classes\s+SET enrolled_user_ids = \?`).
			WithArgs(`["u1"]`, 1, sqlmock.AnyArg(), "c1", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
	}

	_, err := store.RunClassTransaction(context.Background(), "c1", reserve("u1"))
	if !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunClassTransaction_RetriesAfterMismatch(t *testing.T) {
	store, mock := newMockStore(t, 2)

	mock.ExpectBegin()
	expectClassRead(mock, 7)
	mock.ExpectExec(`UPDATE classes\s+SET enrolled_user_ids = \?`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	mock.ExpectBegin()
	expectClassRead(mock, 8)
	mock.ExpectExec(`UPDATE classes\s+SET enrolled_user_ids = \?`).
		WithArgs(`["u1"]`, 1, sqlmock.AnyArg(), "c1", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	committed, err := store.RunClassTransaction(context.Background(), "c1", reserve("u1"))
	if err != nil {
		t.Fatalf("expected second attempt to commit, got %v", err)
	}
	if committed.Version != 9 {
		t.Fatalf("expected committed version 9, got %d", committed.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunClassTransaction_BusyDatabase(t *testing.T) {
	store, mock := newMockStore(t, 1)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectBegin().WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))

	_, err := store.RunClassTransaction(context.Background(), "c1", reserve("u1"))
	if !errors.Is(err, persistence.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunClassTransaction_CallbackErrorIsNotRetried(t *testing.T) {
	store, mock := newMockStore(t, 3)

	mock.ExpectBegin()
	expectClassRead(mock, 1)
	mock.ExpectRollback()

	boom := errors.New("rejected by caller")
	_, err := store.RunClassTransaction(context.Background(), "c1", func(context.Context, persistence.ClassRecord, persistence.WeekReader) (persistence.ClassRecord, error) {
		return persistence.ClassRecord{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{errors.New("UNIQUE constraint failed: classes.id"), persistence.ErrDuplicate},
		{errors.New("CHECK constraint failed: enrolled_count <= capacity"), persistence.ErrConstraintViolation},
		{errors.New("database is locked"), errBusy},
	}
	for _, tc := range cases {
		if got := mapError(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("mapError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
