package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestLastSyncedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	cursor := time.Date(2025, 8, 30, 6, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta(`SELECT last_synced_at FROM sync_state WHERE id = 1`)
	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"last_synced_at"}).AddRow(cursor))

	got, err := st.LastSyncedAt(context.Background())
	if err != nil {
		t.Fatalf("LastSyncedAt: %v", err)
	}
	if !got.Equal(cursor) {
		t.Fatalf("cursor mismatch: got %v want %v", got, cursor)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdvanceCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	cursor := time.Date(2025, 8, 31, 6, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta(`UPDATE sync_state SET last_synced_at = $1 WHERE id = 1`)
	mock.ExpectExec(query).WithArgs(cursor).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.AdvanceCursor(context.Background(), cursor); err != nil {
		t.Fatalf("AdvanceCursor: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQuotaUsedTreatsStaleDayAsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT CASE WHEN quota_day = CURRENT_DATE THEN quota_used ELSE 0 END
FROM sync_state WHERE id = 1`)
	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"quota_used"}).AddRow(0))

	used, err := st.QuotaUsed(context.Background())
	if err != nil {
		t.Fatalf("QuotaUsed: %v", err)
	}
	if used != 0 {
		t.Fatalf("expected 0, got %d", used)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestConsumeQuota(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
UPDATE sync_state SET
  quota_used = CASE WHEN quota_day = CURRENT_DATE THEN quota_used + $1 ELSE $1 END,
  quota_day = CURRENT_DATE
WHERE id = 1
RETURNING quota_used`)
	mock.ExpectQuery(query).WithArgs(15).WillReturnRows(sqlmock.NewRows([]string{"quota_used"}).AddRow(4505))

	total, err := st.ConsumeQuota(context.Background(), 15)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if total != 4505 {
		t.Fatalf("expected 4505, got %d", total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestConsumeQuotaRejectsNegative(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if _, err := st.ConsumeQuota(context.Background(), -1); err == nil {
		t.Fatal("expected error for negative increment")
	}
}
