package store

import (
	"context"
	"fmt"
	"time"
)

// The sync_state table holds a single row (id=1) with the collector cursor
// and the same-day upstream request counter. The counter is scoped to a
// calendar day: reads and increments both treat a stale quota_day as zero.

// LastSyncedAt returns the collector cursor.
func (s *Store) LastSyncedAt(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.DB.QueryRowContext(ctx, `SELECT last_synced_at FROM sync_state WHERE id = 1`).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("read sync cursor: %w", err)
	}
	return t, nil
}

// AdvanceCursor moves the collector cursor forward. Called only after a fully
// successful collection pass so a failed pass retries from the same point.
func (s *Store) AdvanceCursor(ctx context.Context, t time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sync_state SET last_synced_at = $1 WHERE id = 1`, t)
	if err != nil {
		return fmt.Errorf("advance sync cursor: %w", err)
	}
	return nil
}

// QuotaUsed returns the number of upstream requests consumed today.
func (s *Store) QuotaUsed(ctx context.Context) (int, error) {
	var used int
	err := s.DB.QueryRowContext(ctx, `
SELECT CASE WHEN quota_day = CURRENT_DATE THEN quota_used ELSE 0 END
FROM sync_state WHERE id = 1`).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return used, nil
}

// ConsumeQuota atomically adds n requests to today's counter and returns the
// new total. Day rollover resets the counter in the same statement, so
// concurrent invocations never double-count across the boundary.
func (s *Store) ConsumeQuota(ctx context.Context, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("quota increment must be >= 0")
	}
	var total int
	err := s.DB.QueryRowContext(ctx, `
UPDATE sync_state SET
  quota_used = CASE WHEN quota_day = CURRENT_DATE THEN quota_used + $1 ELSE $1 END,
  quota_day = CURRENT_DATE
WHERE id = 1
RETURNING quota_used`, n).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("consume quota: %w", err)
	}
	return total, nil
}
