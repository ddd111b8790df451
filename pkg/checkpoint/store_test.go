package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend is an in-memory Backend for tests.
type fakeBackend struct {
	records map[string]Record
	getErr  error
	putErr  error
	gets    int
	puts    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]Record)}
}

func (f *fakeBackend) EnsureIndexes(context.Context) error { return nil }

func (f *fakeBackend) LoadAll(context.Context) ([]Record, error) {
	out := make([]Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeBackend) Get(_ context.Context, table string) (*Record, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[table]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeBackend) Put(_ context.Context, rec Record) error {
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.records[rec.Table] = rec
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, table string) error {
	delete(f.records, table)
	return nil
}

func (f *fakeBackend) DeleteAll(context.Context) error {
	f.records = make(map[string]Record)
	return nil
}

func (f *fakeBackend) DeleteOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	var removed []string
	for table, rec := range f.records {
		if rec.LastSyncTime.Before(cutoff) {
			removed = append(removed, table)
			delete(f.records, table)
		}
	}
	return removed, nil
}

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s := NewStore(backend, zap.NewNop())
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestLastSyncTimeUnknownTable(t *testing.T) {
	s := newTestStore(t, newFakeBackend())

	ts, err := s.LastSyncTime(context.Background(), "users")
	require.NoError(t, err)
	assert.Nil(t, ts, "never-synced table has no checkpoint")
}

func TestSetAndGetLastSyncTime(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	when := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastSyncTime(ctx, "users", when))

	ts, err := s.LastSyncTime(ctx, "users")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.True(t, ts.Equal(when))

	// The write must be durable, not cache-only.
	assert.Equal(t, 1, backend.puts)
	assert.True(t, backend.records["users"].LastSyncTime.Equal(when))
}

func TestSetLastSyncTimeZeroMeansNow(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	before := time.Now().UTC()
	require.NoError(t, s.SetLastSyncTime(ctx, "users", time.Time{}))

	ts, err := s.LastSyncTime(ctx, "users")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.False(t, ts.Before(before))
}

func TestCacheAnswersWithoutBackend(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, s.SetLastSyncTime(ctx, "users", time.Now().UTC()))

	backend.getErr = errors.New("backend down")
	ts, err := s.LastSyncTime(ctx, "users")
	require.NoError(t, err, "cached entry must not touch the backend")
	assert.NotNil(t, ts)
}

func TestInitWarmsCache(t *testing.T) {
	backend := newFakeBackend()
	backend.records["orders"] = Record{
		Table:        "orders",
		LastSyncTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Now().UTC(),
	}

	s := newTestStore(t, backend)
	backend.getErr = errors.New("backend down")

	ts, err := s.LastSyncTime(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, 0, backend.gets)
}

func TestReset(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, s.SetLastSyncTime(ctx, "users", time.Now().UTC()))
	require.NoError(t, s.Reset(ctx, "users"))

	ts, err := s.LastSyncTime(ctx, "users")
	require.NoError(t, err)
	assert.Nil(t, ts, "reset table must look never-synced")
	assert.Empty(t, backend.records)
}

func TestResetAll(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, s.SetLastSyncTime(ctx, "users", time.Now().UTC()))
	require.NoError(t, s.SetLastSyncTime(ctx, "orders", time.Now().UTC()))
	require.NoError(t, s.ResetAll(ctx))

	assert.Empty(t, s.CachedTimes())
	assert.Empty(t, backend.records)
}

func TestCleanupOlderThan(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	stale := time.Now().UTC().AddDate(0, 0, -40)
	fresh := time.Now().UTC().AddDate(0, 0, -1)
	require.NoError(t, s.SetLastSyncTime(ctx, "old_table", stale))
	require.NoError(t, s.SetLastSyncTime(ctx, "new_table", fresh))

	removed, err := s.CleanupOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	cached := s.CachedTimes()
	assert.NotContains(t, cached, "old_table")
	assert.Contains(t, cached, "new_table")
}

func TestStatistics(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	older := time.Now().UTC().AddDate(0, 0, -10)
	newer := time.Now().UTC().AddDate(0, 0, -2)
	require.NoError(t, s.SetLastSyncTime(ctx, "users", older))
	require.NoError(t, s.SetLastSyncTime(ctx, "orders", newer))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalTablesTracked)
	assert.Equal(t, 10, stats.Tables["users"].DaysSinceSync)
	assert.Equal(t, 2, stats.Tables["orders"].DaysSinceSync)
	require.NotNil(t, stats.OldestSync)
	require.NotNil(t, stats.NewestSync)
	assert.True(t, stats.OldestSync.Equal(older))
	assert.True(t, stats.NewestSync.Equal(newer))
}

func TestStatisticsEmpty(t *testing.T) {
	s := newTestStore(t, newFakeBackend())

	stats, err := s.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTablesTracked)
	assert.Nil(t, stats.OldestSync)
	assert.Nil(t, stats.NewestSync)
}
