package database

import "time"

// EventBacklogStats summarizes webhook event backlog for health and observability endpoints.
type EventBacklogStats struct {
	Unprocessed   int64
	Processed     int64
	OldestPending *time.Time
}
