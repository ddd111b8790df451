package checkpoint

import (
	"context"
	"time"
)

// TableStats is the operational view of one table's checkpoint.
type TableStats struct {
	LastSyncTime  time.Time `json:"last_sync_time"`
	UpdatedAt     time.Time `json:"updated_at"`
	DaysSinceSync int       `json:"days_since_sync"`
}

// Statistics summarizes all checkpoints for operational visibility.
type Statistics struct {
	TotalTablesTracked int                   `json:"total_tables_tracked"`
	Tables             map[string]TableStats `json:"tables"`
	OldestSync         *time.Time            `json:"oldest_sync,omitempty"`
	NewestSync         *time.Time            `json:"newest_sync,omitempty"`
}

// Statistics reads every persisted checkpoint and reports per-table
// last-sync times plus the overall oldest and newest checkpoint.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	records, err := s.backend.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &Statistics{Tables: make(map[string]TableStats, len(records))}

	for _, rec := range records {
		stats.Tables[rec.Table] = TableStats{
			LastSyncTime:  rec.LastSyncTime,
			UpdatedAt:     rec.UpdatedAt,
			DaysSinceSync: int(now.Sub(rec.LastSyncTime).Hours() / 24),
		}

		ts := rec.LastSyncTime
		if stats.OldestSync == nil || ts.Before(*stats.OldestSync) {
			oldest := ts
			stats.OldestSync = &oldest
		}
		if stats.NewestSync == nil || ts.After(*stats.NewestSync) {
			newest := ts
			stats.NewestSync = &newest
		}
	}

	stats.TotalTablesTracked = len(stats.Tables)
	return stats, nil
}
