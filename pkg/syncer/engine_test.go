package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/syncforge/mirrorsync/pkg/config"
	"github.com/syncforge/mirrorsync/pkg/docstore"
	"github.com/syncforge/mirrorsync/pkg/schema"
)

type mockSource struct {
	discoverFn    func(ctx context.Context) (map[string]*schema.TableDescriptor, error)
	timestampedFn func(ctx context.Context) (map[string]*schema.TableDescriptor, error)
	rowsFn        func(ctx context.Context, td *schema.TableDescriptor, since *time.Time, limit, offset int) ([]map[string]any, error)
	pingFn        func(ctx context.Context) error
}

func (m *mockSource) DiscoverAllTables(ctx context.Context) (map[string]*schema.TableDescriptor, error) {
	return m.discoverFn(ctx)
}

func (m *mockSource) TablesWithTimestamps(ctx context.Context) (map[string]*schema.TableDescriptor, error) {
	if m.timestampedFn != nil {
		return m.timestampedFn(ctx)
	}
	return m.discoverFn(ctx)
}

func (m *mockSource) IncrementalRows(ctx context.Context, td *schema.TableDescriptor, since *time.Time, limit, offset int) ([]map[string]any, error) {
	return m.rowsFn(ctx, td, since, limit, offset)
}

func (m *mockSource) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

type mockCheckpoints struct {
	lastFn func(ctx context.Context, table string) (*time.Time, error)
	setFn  func(ctx context.Context, table string, ts time.Time) error
}

func (m *mockCheckpoints) LastSyncTime(ctx context.Context, table string) (*time.Time, error) {
	if m.lastFn != nil {
		return m.lastFn(ctx, table)
	}
	return nil, nil
}

func (m *mockCheckpoints) SetLastSyncTime(ctx context.Context, table string, ts time.Time) error {
	if m.setFn != nil {
		return m.setFn(ctx, table, ts)
	}
	return nil
}

func (m *mockCheckpoints) Reset(context.Context, string) error { return nil }
func (m *mockCheckpoints) ResetAll(context.Context) error      { return nil }

type mockTarget struct {
	bulkFn func(ctx context.Context, collection string, models []mongo.WriteModel) (*docstore.UpsertResult, error)
	pingFn func(ctx context.Context) error
}

func (m *mockTarget) BulkUpsert(ctx context.Context, collection string, models []mongo.WriteModel) (*docstore.UpsertResult, error) {
	if m.bulkFn != nil {
		return m.bulkFn(ctx, collection, models)
	}
	return &docstore.UpsertResult{Created: len(models)}, nil
}

func (m *mockTarget) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

type passthroughMapper struct{}

func (passthroughMapper) Transform(rows []map[string]any, _ string) []map[string]any {
	return rows
}

func (passthroughMapper) UpsertModels(docs []map[string]any, _, _ string) []mongo.WriteModel {
	models := make([]mongo.WriteModel, len(docs))
	for i := range docs {
		models[i] = mongo.NewReplaceOneModel()
	}
	return models
}

func tableSet(names ...string) map[string]*schema.TableDescriptor {
	out := make(map[string]*schema.TableDescriptor, len(names))
	for _, name := range names {
		out[name] = &schema.TableDescriptor{
			Name:            name,
			PrimaryKey:      "id",
			CreatedAtColumn: "created_at",
			UpdatedAtColumn: "updated_at",
		}
	}
	return out
}

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		Enabled:             true,
		IntervalMinutes:     60,
		BatchSize:           100,
		OnlyTimestampTables: true,
	}
}

func staticRows(rows []map[string]any) func(context.Context, *schema.TableDescriptor, *time.Time, int, int) ([]map[string]any, error) {
	return func(_ context.Context, _ *schema.TableDescriptor, _ *time.Time, _, offset int) ([]map[string]any, error) {
		if offset > 0 {
			return nil, nil
		}
		return rows, nil
	}
}

func TestSyncAllFullSyncWithoutCheckpoint(t *testing.T) {
	var seenSince []*time.Time
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users"), nil
		},
		rowsFn: func(_ context.Context, _ *schema.TableDescriptor, since *time.Time, _, offset int) ([]map[string]any, error) {
			seenSince = append(seenSince, since)
			if offset > 0 {
				return nil, nil
			}
			return []map[string]any{{"id": 1}, {"id": 2}}, nil
		},
	}

	var advanced bool
	checkpoints := &mockCheckpoints{
		setFn: func(_ context.Context, table string, ts time.Time) error {
			advanced = true
			assert.Equal(t, "users", table)
			assert.False(t, ts.IsZero())
			return nil
		},
	}

	engine := NewEngine(testSyncConfig(), source, checkpoints, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 2, run.TotalRecords)
	require.Len(t, run.Tables, 1)
	assert.True(t, run.Tables[0].Success)
	require.NotEmpty(t, seenSince)
	assert.Nil(t, seenSince[0], "no checkpoint means unbounded fetch")
	assert.True(t, advanced, "checkpoint must advance after a productive sync")
}

func TestSyncAllIncrementalUsesCheckpoint(t *testing.T) {
	mark := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users"), nil
		},
		rowsFn: func(_ context.Context, _ *schema.TableDescriptor, since *time.Time, _, _ int) ([]map[string]any, error) {
			require.NotNil(t, since)
			assert.True(t, since.Equal(mark))
			return nil, nil
		},
	}
	checkpoints := &mockCheckpoints{
		lastFn: func(context.Context, string) (*time.Time, error) {
			ts := mark
			return &ts, nil
		},
	}

	engine := NewEngine(testSyncConfig(), source, checkpoints, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 0, run.TotalRecords)
}

func TestSyncAllBatchesUntilShortRead(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BatchSize = 2

	var offsets []int
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users"), nil
		},
		rowsFn: func(_ context.Context, _ *schema.TableDescriptor, _ *time.Time, limit, offset int) ([]map[string]any, error) {
			assert.Equal(t, 2, limit)
			offsets = append(offsets, offset)
			switch offset {
			case 0:
				return []map[string]any{{"id": 1}, {"id": 2}}, nil
			case 2:
				return []map[string]any{{"id": 3}}, nil
			default:
				t.Fatalf("unexpected offset %d", offset)
				return nil, nil
			}
		},
	}

	engine := NewEngine(cfg, source, &mockCheckpoints{}, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, offsets)
	assert.Equal(t, 3, run.TotalRecords)
}

func TestCheckpointNotAdvancedWithoutRows(t *testing.T) {
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users"), nil
		},
		rowsFn: func(context.Context, *schema.TableDescriptor, *time.Time, int, int) ([]map[string]any, error) {
			return nil, nil
		},
	}
	checkpoints := &mockCheckpoints{
		setFn: func(context.Context, string, time.Time) error {
			t.Fatal("checkpoint must not advance when nothing was synced")
			return nil
		},
	}

	engine := NewEngine(testSyncConfig(), source, checkpoints, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestCheckpointFromRowTime(t *testing.T) {
	cfg := testSyncConfig()
	cfg.CheckpointFromRowTime = true

	newest := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users"), nil
		},
		rowsFn: staticRows([]map[string]any{
			{"id": 1, "updated_at": newest.Add(-time.Hour)},
			{"id": 2, "updated_at": newest},
			{"id": 3, "created_at": newest.Add(-2 * time.Hour)},
		}),
	}

	var advancedTo time.Time
	checkpoints := &mockCheckpoints{
		setFn: func(_ context.Context, _ string, ts time.Time) error {
			advancedTo = ts
			return nil
		},
	}

	engine := NewEngine(cfg, source, checkpoints, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	_, err := engine.SyncAll(context.Background())
	require.NoError(t, err)
	assert.True(t, advancedTo.Equal(newest), "checkpoint should be the newest row timestamp")
}

func TestTableFailureDoesNotAbortRun(t *testing.T) {
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("bad_table", "good_table"), nil
		},
		rowsFn: func(_ context.Context, td *schema.TableDescriptor, _ *time.Time, _, offset int) ([]map[string]any, error) {
			if td.Name == "bad_table" {
				return nil, errors.New("table is corrupted")
			}
			if offset > 0 {
				return nil, nil
			}
			return []map[string]any{{"id": 1}}, nil
		},
	}

	engine := NewEngine(testSyncConfig(), source, &mockCheckpoints{}, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusError, run.Status)
	require.Len(t, run.Tables, 2)

	byName := map[string]TableResult{}
	for _, tr := range run.Tables {
		byName[tr.Table] = tr
	}
	assert.False(t, byName["bad_table"].Success)
	assert.Contains(t, byName["bad_table"].ErrorMessage, "corrupted")
	assert.True(t, byName["good_table"].Success)
	assert.Equal(t, 1, run.TotalRecords)
}

func TestUpsertCountersAggregated(t *testing.T) {
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users"), nil
		},
		rowsFn: staticRows([]map[string]any{{"id": 1}, {"id": 2}, {"id": 3}}),
	}
	target := &mockTarget{
		bulkFn: func(context.Context, string, []mongo.WriteModel) (*docstore.UpsertResult, error) {
			return &docstore.UpsertResult{Created: 1, Updated: 1, Errors: 1}, nil
		},
	}

	engine := NewEngine(testSyncConfig(), source, &mockCheckpoints{}, target, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)

	tr := run.Tables[0]
	assert.Equal(t, 3, tr.RecordsProcessed)
	assert.Equal(t, 1, tr.RecordsCreated)
	assert.Equal(t, 1, tr.RecordsUpdated)
	assert.Equal(t, 1, tr.Errors)
	assert.Equal(t, 1, run.TotalErrors)
	assert.True(t, tr.Success, "partial write errors do not fail the table")
}

func TestPauseStopsAtTableBoundary(t *testing.T) {
	var engine *Engine
	synced := 0

	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("a_table", "b_table", "c_table"), nil
		},
		rowsFn: func(_ context.Context, _ *schema.TableDescriptor, _ *time.Time, _, offset int) ([]map[string]any, error) {
			if offset > 0 {
				return nil, nil
			}
			synced++
			// Request a pause mid-run; it takes effect before the next table.
			engine.Pause()
			return []map[string]any{{"id": 1}}, nil
		},
	}

	engine = NewEngine(testSyncConfig(), source, &mockCheckpoints{}, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusPaused, run.Status)
	assert.Equal(t, 1, synced, "remaining tables must be skipped")
	assert.Len(t, run.Tables, 1)

	status, _ := engine.Status()
	assert.Equal(t, StatusIdle, status, "engine accepts new runs after a pause")
}

func TestConcurrentRunRejected(t *testing.T) {
	var engine *Engine
	var innerErr error

	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users"), nil
		},
		rowsFn: func(ctx context.Context, _ *schema.TableDescriptor, _ *time.Time, _, offset int) ([]map[string]any, error) {
			if offset == 0 {
				_, innerErr = engine.SyncAll(ctx)
			}
			return nil, nil
		},
	}

	engine = NewEngine(testSyncConfig(), source, &mockCheckpoints{}, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	_, err := engine.SyncAll(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, innerErr, ErrRunInProgress)
}

func TestSyncTablesOverridesConfiguredSet(t *testing.T) {
	cfg := testSyncConfig()
	cfg.Tables = "users,orders"

	var synced []string
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users", "orders", "products"), nil
		},
		rowsFn: func(_ context.Context, td *schema.TableDescriptor, _ *time.Time, _, _ int) ([]map[string]any, error) {
			synced = append(synced, td.Name)
			return nil, nil
		},
	}

	engine := NewEngine(cfg, source, &mockCheckpoints{}, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	_, err := engine.SyncTables(context.Background(), []string{"products"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"products"}, synced)
}

func TestResolveTablesConfiguredAllowList(t *testing.T) {
	cfg := testSyncConfig()
	cfg.Tables = "users, missing_table"

	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users", "orders"), nil
		},
		rowsFn: func(context.Context, *schema.TableDescriptor, *time.Time, int, int) ([]map[string]any, error) {
			return nil, nil
		},
	}

	engine := NewEngine(cfg, source, &mockCheckpoints{}, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)

	// Unknown configured tables are skipped, not fatal.
	require.Len(t, run.Tables, 1)
	assert.Equal(t, "users", run.Tables[0].Table)
}

func TestResolveTablesTimestampFilter(t *testing.T) {
	timestamped := tableSet("users")

	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users", "lookup_codes"), nil
		},
		timestampedFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return timestamped, nil
		},
		rowsFn: func(context.Context, *schema.TableDescriptor, *time.Time, int, int) ([]map[string]any, error) {
			return nil, nil
		},
	}

	engine := NewEngine(testSyncConfig(), source, &mockCheckpoints{}, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	run, err := engine.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, run.Tables, 1)
	assert.Equal(t, "users", run.Tables[0].Table)

	// includeAll bypasses the timestamp filter.
	run, err = engine.SyncTables(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Len(t, run.Tables, 2)
}

func TestStatusReflectsLastRun(t *testing.T) {
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return tableSet("users"), nil
		},
		rowsFn: func(context.Context, *schema.TableDescriptor, *time.Time, int, int) ([]map[string]any, error) {
			return nil, nil
		},
	}

	engine := NewEngine(testSyncConfig(), source, &mockCheckpoints{}, &mockTarget{}, passthroughMapper{}, zap.NewNop())

	status, run := engine.Status()
	assert.Equal(t, StatusIdle, status)
	assert.Nil(t, run)

	first, err := engine.SyncAll(context.Background())
	require.NoError(t, err)

	status, run = engine.Status()
	assert.Equal(t, StatusIdle, status)
	require.NotNil(t, run)
	assert.Equal(t, first.RunID, run.RunID)
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestTestConnections(t *testing.T) {
	source := &mockSource{
		discoverFn: func(context.Context) (map[string]*schema.TableDescriptor, error) {
			return nil, nil
		},
		pingFn: func(context.Context) error { return errors.New("down") },
	}
	target := &mockTarget{}

	engine := NewEngine(testSyncConfig(), source, &mockCheckpoints{}, target, passthroughMapper{}, zap.NewNop())

	sourceOK, targetOK := engine.TestConnections(context.Background())
	assert.False(t, sourceOK)
	assert.True(t, targetOK)
}
