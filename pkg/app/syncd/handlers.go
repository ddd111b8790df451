package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/syncforge/mirrorsync/pkg/app/errors"
	"github.com/syncforge/mirrorsync/pkg/checkpoint"
	"github.com/syncforge/mirrorsync/pkg/config"
	"github.com/syncforge/mirrorsync/pkg/scheduler"
	"github.com/syncforge/mirrorsync/pkg/schema"
	"github.com/syncforge/mirrorsync/pkg/syncer"
)

const defaultSampleLimit = 5

// SyncEngine is the orchestrator surface the handlers need.
type SyncEngine interface {
	SyncAll(ctx context.Context) (*syncer.RunResult, error)
	SyncTables(ctx context.Context, tables []string, includeAll bool) (*syncer.RunResult, error)
	Pause()
	Status() (syncer.Status, *syncer.RunResult)
	TestConnections(ctx context.Context) (sourceOK, targetOK bool)
}

// SyncScheduler is the scheduler surface the handlers need.
type SyncScheduler interface {
	Start()
	Stop()
	Pause()
	Resume()
	UpdateInterval(minutes int) error
	TriggerImmediateSync(ctx context.Context) error
	Status() scheduler.Status
}

// SchemaSource is the discovery surface the handlers need.
type SchemaSource interface {
	DiscoverAllTables(ctx context.Context) (map[string]*schema.TableDescriptor, error)
	SampleRows(ctx context.Context, table string, limit int) ([]map[string]any, error)
	CountRows(ctx context.Context, table string) (int64, error)
	ForeignKeys(ctx context.Context, table string) ([]schema.ForeignKey, error)
}

// CheckpointAdmin is the checkpoint surface the handlers need.
type CheckpointAdmin interface {
	Reset(ctx context.Context, table string) error
	ResetAll(ctx context.Context) error
	Statistics(ctx context.Context) (*checkpoint.Statistics, error)
}

type handlers struct {
	cfg         *config.Config
	engine      SyncEngine
	scheduler   SyncScheduler
	source      SchemaSource
	checkpoints CheckpointAdmin
	logger      *zap.Logger
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var svcErr *apperrors.ServiceError
	if !errors.As(err, &svcErr) {
		svcErr = apperrors.GeneralError(err).(*apperrors.ServiceError)
	}
	logger.Error("Request failed",
		zap.String("category", svcErr.Category.String()), zap.Error(err))
	writeJSON(w, logger, svcErr.StatusCode(), map[string]any{"error": svcErr.Message})
}

// handleStatus reports the current run, scheduler state and effective
// configuration.
func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, run := h.engine.Status()

	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"status":    status,
		"run":       run,
		"scheduler": h.scheduler.Status(),
		"configuration": map[string]any{
			"source_database":       h.cfg.Source.Database,
			"sync_enabled":          h.cfg.Sync.Enabled,
			"interval_minutes":      h.cfg.Sync.IntervalMinutes,
			"batch_size":            h.cfg.Sync.BatchSize,
			"tables":                h.cfg.Sync.TableList(),
			"only_timestamp_tables": h.cfg.Sync.OnlyTimestampTables,
		},
	})
}

type triggerRequest struct {
	Tables        []string `json:"tables,omitempty"`
	SyncAll       bool     `json:"sync_all,omitempty"`
	ForceFullSync bool     `json:"force_full_sync,omitempty"`
}

// handleTrigger starts a run in the background. A run already in
// progress is rejected with a conflict.
func (h *handlers) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, h.logger, apperrors.BadRequestError(err, "invalid trigger request"))
			return
		}
	}

	status, _ := h.engine.Status()
	if status == syncer.StatusRunning {
		writeError(w, h.logger,
			apperrors.ConflictError(syncer.ErrRunInProgress, "sync already running"))
		return
	}

	ctx := r.Context()
	if req.ForceFullSync {
		if err := h.resetForTrigger(ctx, req.Tables); err != nil {
			writeError(w, h.logger, apperrors.GeneralError(err))
			return
		}
	}

	if r.URL.Query().Get("wait") == "true" {
		run, err := h.runTrigger(ctx, req)
		if err != nil {
			if errors.Is(err, syncer.ErrRunInProgress) {
				writeError(w, h.logger, apperrors.ConflictError(err, "sync already running"))
				return
			}
			writeError(w, h.logger, apperrors.GeneralError(err))
			return
		}
		writeJSON(w, h.logger, http.StatusOK, run)
		return
	}

	go func() {
		// The run outlives the HTTP request.
		if _, err := h.runTrigger(context.Background(), req); err != nil &&
			!errors.Is(err, syncer.ErrRunInProgress) {
			h.logger.Error("Triggered sync failed", zap.Error(err))
		}
	}()

	writeJSON(w, h.logger, http.StatusAccepted, map[string]any{
		"message":         "sync started",
		"tables":          req.Tables,
		"sync_all":        req.SyncAll,
		"force_full_sync": req.ForceFullSync,
	})
}

func (h *handlers) runTrigger(ctx context.Context, req triggerRequest) (*syncer.RunResult, error) {
	if len(req.Tables) > 0 || req.SyncAll {
		return h.engine.SyncTables(ctx, req.Tables, req.SyncAll)
	}
	return h.engine.SyncAll(ctx)
}

func (h *handlers) resetForTrigger(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		return h.checkpoints.ResetAll(ctx)
	}
	for _, table := range tables {
		if err := h.checkpoints.Reset(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// handlePause requests a cooperative pause of the active run.
func (h *handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"message": "pause requested"})
}

// handleTables returns every discovered table with its structure and
// sync eligibility.
func (h *handlers) handleTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.source.DiscoverAllTables(r.Context())
	if err != nil {
		writeError(w, h.logger,
			apperrors.DependencyFailureError(err, "table discovery failed"))
		return
	}

	type tableView struct {
		Name            string          `json:"name"`
		Columns         []schema.Column `json:"columns"`
		PrimaryKey      string          `json:"primary_key,omitempty"`
		CreatedAtColumn string          `json:"created_at_column,omitempty"`
		UpdatedAtColumn string          `json:"updated_at_column,omitempty"`
		SyncEligible    bool            `json:"sync_eligible"`
	}

	views := make([]tableView, 0, len(tables))
	for _, name := range schema.SortedNames(tables) {
		td := tables[name]
		views = append(views, tableView{
			Name:            td.Name,
			Columns:         td.Columns,
			PrimaryKey:      td.PrimaryKey,
			CreatedAtColumn: td.CreatedAtColumn,
			UpdatedAtColumn: td.UpdatedAtColumn,
			SyncEligible:    td.HasTimestamps(),
		})
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"total":  len(views),
		"tables": views,
	})
}

// handleTableSample returns a small row sample, the total row count
// and the table's foreign keys.
func (h *handlers) handleTableSample(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	limit := defaultSampleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, h.logger, apperrors.BadRequestError(err, "invalid limit"))
			return
		}
		limit = n
	}

	ctx := r.Context()
	rows, err := h.source.SampleRows(ctx, table, limit)
	if err != nil {
		if errors.Is(err, schema.ErrTableNotFound) {
			writeError(w, h.logger, apperrors.ResourceNotFoundError(err, "table not found"))
			return
		}
		writeError(w, h.logger, apperrors.DependencyFailureError(err, "sample fetch failed"))
		return
	}

	count, err := h.source.CountRows(ctx, table)
	if err != nil {
		writeError(w, h.logger, apperrors.DependencyFailureError(err, "row count failed"))
		return
	}

	fks, err := h.source.ForeignKeys(ctx, table)
	if err != nil {
		h.logger.Warn("Foreign key lookup failed", zap.String("table", table), zap.Error(err))
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"table":        table,
		"total_rows":   count,
		"sample":       rows,
		"foreign_keys": fks,
	})
}

// handleHistory returns checkpoint statistics plus the identity of the
// currently running sync, if any.
func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	stats, err := h.checkpoints.Statistics(r.Context())
	if err != nil {
		writeError(w, h.logger,
			apperrors.DependencyFailureError(err, "checkpoint statistics failed"))
		return
	}

	resp := map[string]any{"checkpoints": stats}
	if status, run := h.engine.Status(); status == syncer.StatusRunning && run != nil {
		resp["current_run"] = map[string]any{
			"run_id":     run.RunID,
			"start_time": run.StartTime,
		}
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

func (h *handlers) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Start()
	writeJSON(w, h.logger, http.StatusOK, h.scheduler.Status())
}

func (h *handlers) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Stop()
	writeJSON(w, h.logger, http.StatusOK, h.scheduler.Status())
}

func (h *handlers) handleSchedulerPause(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Pause()
	writeJSON(w, h.logger, http.StatusOK, h.scheduler.Status())
}

func (h *handlers) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Resume()
	writeJSON(w, h.logger, http.StatusOK, h.scheduler.Status())
}

type schedulerUpdateRequest struct {
	IntervalMinutes int `json:"interval_minutes"`
}

func (h *handlers) handleSchedulerUpdate(w http.ResponseWriter, r *http.Request) {
	var req schedulerUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, apperrors.BadRequestError(err, "invalid scheduler update"))
		return
	}

	if err := h.scheduler.UpdateInterval(req.IntervalMinutes); err != nil {
		writeError(w, h.logger, apperrors.BadRequestError(err, err.Error()))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, h.scheduler.Status())
}

func (h *handlers) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.scheduler.Status())
}

func (h *handlers) handleResetTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := h.checkpoints.Reset(r.Context(), table); err != nil {
		writeError(w, h.logger, apperrors.GeneralError(err))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"message": "checkpoint reset, next sync will be a full sync",
		"table":   table,
	})
}

func (h *handlers) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if err := h.checkpoints.ResetAll(r.Context()); err != nil {
		writeError(w, h.logger, apperrors.GeneralError(err))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"message": "all checkpoints reset, next sync will be a full sync",
	})
}

// handleHealth reports source and target connectivity.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	sourceOK, targetOK := h.engine.TestConnections(r.Context())

	status := http.StatusOK
	if !sourceOK || !targetOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, h.logger, status, map[string]any{
		"source":  sourceOK,
		"target":  targetOK,
		"healthy": sourceOK && targetOK,
	})
}
