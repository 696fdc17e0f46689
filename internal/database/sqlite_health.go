package database

import (
	"context"
	"database/sql"
)

func (s *SQLiteDB) EventBacklogStats(ctx context.Context) (EventBacklogStats, error) {
	var stats EventBacklogStats
	var oldestPending sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN processed = FALSE THEN 1 ELSE 0 END), 0) AS unprocessed,
			 COALESCE(SUM(CASE WHEN processed = TRUE THEN 1 ELSE 0 END), 0) AS processed,
			 MIN(CASE WHEN processed = FALSE THEN created_at END) AS oldest_pending
		 FROM webhook_events`).
		Scan(&stats.Unprocessed, &stats.Processed, &oldestPending)
	if err != nil {
		return EventBacklogStats{}, err
	}
	if oldestPending.Valid {
		t := oldestPending.Time.UTC()
		stats.OldestPending = &t
	}
	return stats, nil
}

func (s *SQLiteDB) DBStats() sql.DBStats {
	return s.db.Stats()
}
