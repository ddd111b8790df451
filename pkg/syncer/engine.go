// Package syncer coordinates full synchronization passes from the
// source database into the target document store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/syncforge/mirrorsync/internal/metrics"
	"github.com/syncforge/mirrorsync/pkg/config"
	"github.com/syncforge/mirrorsync/pkg/docstore"
	"github.com/syncforge/mirrorsync/pkg/schema"
)

// ErrRunInProgress is returned when a sync is requested while one is
// already active. Only one run may be active at a time.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// Source provides schema discovery and row fetches from the source
// database.
type Source interface {
	DiscoverAllTables(ctx context.Context) (map[string]*schema.TableDescriptor, error)
	TablesWithTimestamps(ctx context.Context) (map[string]*schema.TableDescriptor, error)
	IncrementalRows(ctx context.Context, td *schema.TableDescriptor, since *time.Time, limit, offset int) ([]map[string]any, error)
	Ping(ctx context.Context) error
}

// Checkpoints provides the per-table last-sync watermarks.
type Checkpoints interface {
	LastSyncTime(ctx context.Context, table string) (*time.Time, error)
	SetLastSyncTime(ctx context.Context, table string, ts time.Time) error
	Reset(ctx context.Context, table string) error
	ResetAll(ctx context.Context) error
}

// Target applies upsert batches to the document store.
type Target interface {
	BulkUpsert(ctx context.Context, collection string, models []mongo.WriteModel) (*docstore.UpsertResult, error)
	Ping(ctx context.Context) error
}

// RowMapper converts source rows into documents and upsert operations.
type RowMapper interface {
	Transform(rows []map[string]any, table string) []map[string]any
	UpsertModels(docs []map[string]any, table, primaryKey string) []mongo.WriteModel
}

// Engine orchestrates sync runs across the configured table set.
type Engine struct {
	cfg         *config.SyncConfig
	source      Source
	checkpoints Checkpoints
	target      Target
	mapper      RowMapper
	logger      *zap.Logger

	mu      sync.Mutex
	status  Status
	current *RunResult

	pauseRequested atomic.Bool
}

// NewEngine creates a sync engine.
func NewEngine(cfg *config.SyncConfig, source Source, checkpoints Checkpoints, target Target, mapper RowMapper, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		source:      source,
		checkpoints: checkpoints,
		target:      target,
		mapper:      mapper,
		logger:      logger,
		status:      StatusIdle,
	}
}

// SyncAll runs one full synchronization pass over the configured table
// set. A second concurrent call fails with ErrRunInProgress.
func (e *Engine) SyncAll(ctx context.Context) (*RunResult, error) {
	return e.run(ctx, nil, false)
}

// SyncTables runs a pass over an explicit table subset. With includeAll
// set and no subset given, every discovered table is synced regardless
// of the timestamp-only configuration.
func (e *Engine) SyncTables(ctx context.Context, tables []string, includeAll bool) (*RunResult, error) {
	return e.run(ctx, tables, includeAll)
}

func (e *Engine) run(ctx context.Context, override []string, includeAll bool) (*RunResult, error) {
	run, err := e.beginRun()
	if err != nil {
		return nil, err
	}

	e.logger.Info("Starting sync run", zap.String("run_id", run.RunID))

	tables, err := e.resolveTables(ctx, override, includeAll)
	if err != nil {
		e.finishRun(run, StatusError)
		return run.clone(), fmt.Errorf("resolve sync tables: %w", err)
	}
	if len(tables) == 0 {
		e.logger.Warn("No tables found to sync")
		e.finishRun(run, StatusCompleted)
		return run.clone(), nil
	}

	names := schema.SortedNames(tables)
	e.logger.Info("Syncing tables", zap.Strings("tables", names))

	paused := false
	failed := false
	for _, name := range names {
		if e.pauseRequested.Load() {
			e.logger.Info("Pause requested, stopping at table boundary",
				zap.String("next_table", name))
			paused = true
			break
		}

		tr := e.syncTable(ctx, tables[name])
		if !tr.Success {
			failed = true
			metrics.TableErrorsTotal.WithLabelValues(tr.Table).Inc()
		}
		metrics.TableSyncDuration.WithLabelValues(tr.Table).Observe(tr.DurationSeconds)

		e.mu.Lock()
		run.Tables = append(run.Tables, tr)
		run.TotalRecords += tr.RecordsProcessed
		run.TotalErrors += tr.Errors
		e.mu.Unlock()
	}

	final := StatusCompleted
	switch {
	case paused:
		final = StatusPaused
	case failed:
		final = StatusError
	}
	e.finishRun(run, final)

	e.logger.Info("Sync run finished",
		zap.String("run_id", run.RunID),
		zap.String("status", string(final)),
		zap.Int("total_records", run.TotalRecords),
		zap.Int("total_errors", run.TotalErrors),
		zap.Float64("duration_seconds", run.DurationSeconds))

	return run.clone(), nil
}

func (e *Engine) beginRun() (*RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusRunning {
		return nil, ErrRunInProgress
	}

	run := &RunResult{
		RunID:     fmt.Sprintf("sync_%s", uuid.NewString()),
		StartTime: time.Now().UTC(),
		Status:    StatusRunning,
	}
	e.status = StatusRunning
	e.current = run
	e.pauseRequested.Store(false)
	return run, nil
}

func (e *Engine) finishRun(run *RunResult, final Status) {
	e.mu.Lock()
	run.EndTime = time.Now().UTC()
	run.DurationSeconds = run.EndTime.Sub(run.StartTime).Seconds()
	run.Status = final
	e.status = StatusIdle
	e.mu.Unlock()

	metrics.SyncRunsTotal.WithLabelValues(string(final)).Inc()
	metrics.RunDuration.Observe(run.DurationSeconds)
}

// resolveTables picks the table set for this run: a caller-supplied
// subset first, then the configured allow-list, then tables with
// timestamp columns, then every discovered table.
func (e *Engine) resolveTables(ctx context.Context, override []string, includeAll bool) (map[string]*schema.TableDescriptor, error) {
	all, err := e.source.DiscoverAllTables(ctx)
	if err != nil {
		return nil, err
	}

	allowList := override
	if len(allowList) == 0 {
		allowList = e.cfg.TableList()
	}
	if len(allowList) > 0 {
		selected := make(map[string]*schema.TableDescriptor, len(allowList))
		for _, name := range allowList {
			td, ok := all[name]
			if !ok {
				e.logger.Warn("Configured table not found in source database",
					zap.String("table", name))
				continue
			}
			selected[name] = td
		}
		return selected, nil
	}

	if e.cfg.OnlyTimestampTables && !includeAll {
		return e.source.TablesWithTimestamps(ctx)
	}
	return all, nil
}

// syncTable synchronizes one table. Failures are absorbed into the
// result so one broken table never aborts the rest of the run.
func (e *Engine) syncTable(ctx context.Context, td *schema.TableDescriptor) TableResult {
	start := time.Now().UTC()
	result := TableResult{Table: td.Name}

	fail := func(err error) TableResult {
		result.Success = false
		result.ErrorMessage = err.Error()
		result.DurationSeconds = time.Since(start).Seconds()
		e.logger.Error("Table sync failed",
			zap.String("table", td.Name), zap.Error(err))
		return result
	}

	since, err := e.checkpoints.LastSyncTime(ctx, td.Name)
	if err != nil {
		return fail(fmt.Errorf("read checkpoint: %w", err))
	}
	if since == nil {
		e.logger.Info("No checkpoint, performing full sync", zap.String("table", td.Name))
	}

	var maxRowTime time.Time
	offset := 0
	for {
		rows, err := e.source.IncrementalRows(ctx, td, since, e.cfg.BatchSize, offset)
		if err != nil {
			return fail(fmt.Errorf("fetch rows: %w", err))
		}
		if len(rows) == 0 {
			break
		}

		if e.cfg.CheckpointFromRowTime {
			for _, row := range rows {
				if ts, ok := rowTimestamp(row, td); ok && ts.After(maxRowTime) {
					maxRowTime = ts
				}
			}
		}

		docs := e.mapper.Transform(rows, td.Name)
		models := e.mapper.UpsertModels(docs, td.Name, td.PrimaryKey)

		upsert, err := e.target.BulkUpsert(ctx, td.Name, models)
		if err != nil {
			return fail(fmt.Errorf("upsert batch: %w", err))
		}

		result.RecordsProcessed += len(rows)
		result.RecordsCreated += upsert.Created
		result.RecordsUpdated += upsert.Updated
		result.Errors += upsert.Errors

		metrics.RecordsTotal.WithLabelValues(td.Name, "created").Add(float64(upsert.Created))
		metrics.RecordsTotal.WithLabelValues(td.Name, "updated").Add(float64(upsert.Updated))
		metrics.RecordsTotal.WithLabelValues(td.Name, "failed").Add(float64(upsert.Errors))

		offset += len(rows)
		if len(rows) < e.cfg.BatchSize {
			break
		}
	}

	if result.RecordsProcessed > 0 {
		// Default policy advances to "now" rather than the newest row
		// timestamp: conservative under clock skew, may re-fetch rows.
		checkpointAt := time.Now().UTC()
		if e.cfg.CheckpointFromRowTime && !maxRowTime.IsZero() {
			checkpointAt = maxRowTime
		}
		if err := e.checkpoints.SetLastSyncTime(ctx, td.Name, checkpointAt); err != nil {
			return fail(fmt.Errorf("advance checkpoint: %w", err))
		}
	}

	result.Success = true
	result.DurationSeconds = time.Since(start).Seconds()

	e.logger.Info("Table sync completed",
		zap.String("table", td.Name),
		zap.Int("processed", result.RecordsProcessed),
		zap.Int("created", result.RecordsCreated),
		zap.Int("updated", result.RecordsUpdated),
		zap.Int("errors", result.Errors),
		zap.Float64("duration_seconds", result.DurationSeconds))

	return result
}

// rowTimestamp extracts the newest timestamp value present on a row.
func rowTimestamp(row map[string]any, td *schema.TableDescriptor) (time.Time, bool) {
	var best time.Time
	for _, col := range []string{td.UpdatedAtColumn, td.CreatedAtColumn} {
		if col == "" {
			continue
		}
		if ts, ok := row[col].(time.Time); ok && ts.After(best) {
			best = ts
		}
	}
	return best, !best.IsZero()
}

// Pause requests a cooperative pause of the active run. It takes
// effect at the next table boundary.
func (e *Engine) Pause() {
	e.mu.Lock()
	running := e.status == StatusRunning
	e.mu.Unlock()
	if running {
		e.pauseRequested.Store(true)
		e.logger.Info("Sync pause requested")
	}
}

// Status returns the engine state and a snapshot of the current or
// most recent run.
func (e *Engine) Status() (Status, *RunResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.current.clone()
}

// TestConnections probes source and target connectivity.
func (e *Engine) TestConnections(ctx context.Context) (sourceOK, targetOK bool) {
	if err := e.source.Ping(ctx); err == nil {
		sourceOK = true
	}
	if err := e.target.Ping(ctx); err == nil {
		targetOK = true
	}
	return sourceOK, targetOK
}
