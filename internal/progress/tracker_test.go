package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/testutil"
)

type memoryCache struct {
	entries   map[string]*database.PredictionProgress
	published []*database.PredictionProgress
	failSet   bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*database.PredictionProgress)}
}

func (c *memoryCache) Get(_ context.Context, date time.Time) (*database.PredictionProgress, error) {
	p, ok := c.entries[key(date)]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (c *memoryCache) Set(_ context.Context, p *database.PredictionProgress) error {
	if c.failSet {
		return errors.New("redis down")
	}
	clone := *p
	c.entries[key(p.Date)] = &clone
	return nil
}

func (c *memoryCache) Publish(_ context.Context, p *database.PredictionProgress) error {
	clone := *p
	c.published = append(c.published, &clone)
	return nil
}

func ptr(v float64) *float64 { return &v }

func seedDay(store *testutil.Store, day time.Time) {
	store.PutMetric(&database.Metric{RegionCode: "R1", Date: day, Value: 0.2, PredictedValue: ptr(0.3)})
	store.PutMetric(&database.Metric{RegionCode: "R2", Date: day, Value: 0.4, PredictedValue: ptr(0.5)})
	store.PutMetric(&database.Metric{RegionCode: "R3", Date: day, Value: 0.6})
	store.PutMetric(&database.Metric{RegionCode: "R1", Date: day.AddDate(0, 0, 1), Value: 0.1})
}

func TestTracker_RefreshComputesRatio(t *testing.T) {
	store := testutil.NewStore("R1", "R2", "R3")
	day := testutil.Day(2023, time.June, 1)
	seedDay(store, day)

	cache := newMemoryCache()
	tracker := NewTracker(store, cache, logger.NewNop())

	p, err := tracker.Refresh(context.Background(), day)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, p.SuccessPercentage, 1e-9)
	assert.Equal(t, int64(2), p.Scored)
	assert.Equal(t, int64(3), p.Total)

	require.Len(t, cache.published, 1)
	assert.InDelta(t, p.SuccessPercentage, cache.published[0].SuccessPercentage, 1e-9)
}

func TestTracker_RefreshIsIdempotent(t *testing.T) {
	store := testutil.NewStore("R1", "R2", "R3")
	day := testutil.Day(2023, time.June, 1)
	seedDay(store, day)
	tracker := NewTracker(store, nil, logger.NewNop())

	first, err := tracker.Refresh(context.Background(), day)
	require.NoError(t, err)
	second, err := tracker.Refresh(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, first.SuccessPercentage, second.SuccessPercentage)
	assert.Equal(t, first.ID, second.ID)
}

func TestTracker_RefreshEmptyDay(t *testing.T) {
	store := testutil.NewStore()
	tracker := NewTracker(store, nil, logger.NewNop())

	p, err := tracker.Refresh(context.Background(), testutil.Day(2023, time.June, 1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.SuccessPercentage)
	assert.Equal(t, int64(0), p.Total)
}

func TestTracker_GetPrefersCache(t *testing.T) {
	store := testutil.NewStore("R1", "R2", "R3")
	day := testutil.Day(2023, time.June, 1)
	cache := newMemoryCache()
	cache.entries[key(day)] = &database.PredictionProgress{Date: day, SuccessPercentage: 0.75}

	tracker := NewTracker(store, cache, logger.NewNop())
	p, err := tracker.Get(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 0.75, p.SuccessPercentage)
}

func TestTracker_GetFallsBackToStore(t *testing.T) {
	store := testutil.NewStore("R1", "R2", "R3")
	day := testutil.Day(2023, time.June, 1)
	seedDay(store, day)
	_, err := store.RefreshProgress(context.Background(), day)
	require.NoError(t, err)

	cache := newMemoryCache()
	tracker := NewTracker(store, cache, logger.NewNop())

	p, err := tracker.Get(context.Background(), day.Add(13*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.InDelta(t, 2.0/3.0, p.SuccessPercentage, 1e-9)
	assert.Contains(t, cache.entries, "progress:2023-06-01")

	missing, err := tracker.Get(context.Background(), day.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTracker_CacheFailureDoesNotFailRefresh(t *testing.T) {
	store := testutil.NewStore("R1", "R2", "R3")
	day := testutil.Day(2023, time.June, 1)
	seedDay(store, day)
	cache := newMemoryCache()
	cache.failSet = true

	tracker := NewTracker(store, cache, logger.NewNop())
	p, err := tracker.Refresh(context.Background(), day)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, p.SuccessPercentage, 1e-9)
}
