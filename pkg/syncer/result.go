package syncer

import "time"

// Status is the lifecycle state of a sync run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
)

// TableResult records the outcome of syncing one table within a run.
// It is written once, when that table's processing finishes.
type TableResult struct {
	Table            string  `json:"table"`
	Success          bool    `json:"success"`
	RecordsProcessed int     `json:"records_processed"`
	RecordsCreated   int     `json:"records_created"`
	RecordsUpdated   int     `json:"records_updated"`
	Errors           int     `json:"errors"`
	DurationSeconds  float64 `json:"duration_seconds"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}

// RunResult aggregates one full synchronization pass. It is owned and
// mutated only by the engine that created it while the run is active,
// and immutable once the run ends.
type RunResult struct {
	RunID           string        `json:"run_id"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time,omitzero"`
	Status          Status        `json:"status"`
	Tables          []TableResult `json:"tables"`
	TotalRecords    int           `json:"total_records"`
	TotalErrors     int           `json:"total_errors"`
	DurationSeconds float64       `json:"duration_seconds"`
}

func (r *RunResult) clone() *RunResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Tables = make([]TableResult, len(r.Tables))
	copy(out.Tables, r.Tables)
	return &out
}
