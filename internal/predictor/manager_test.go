package predictor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/forecast"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/testutil"
)

type fakeTrainer struct {
	mu        sync.Mutex
	calls     int
	histories [][]forecast.Observation
	model     *forecast.Model
	err       error
	block     bool
	gate      chan struct{}
}

func (f *fakeTrainer) Train(ctx context.Context, history []forecast.Observation) (*forecast.Model, error) {
	f.mu.Lock()
	f.calls++
	f.histories = append(f.histories, history)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.model, f.err
}

func (f *fakeTrainer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fittedModel() *forecast.Model {
	start := testutil.Day(2023, time.January, 1)
	return &forecast.Model{
		Version:   1,
		Start:     start,
		End:       start.AddDate(0, 0, 9),
		Span:      9,
		Intercept: -1,
		Sigma:     0.1,
		Quantile:  1.28,
		Samples:   10,
	}
}

func newManager(store Store, trainer Trainer) *Manager {
	return NewManager(store, trainer, Policy{ExpiryDays: 30, TrainingTimeout: time.Second}, logger.NewNop())
}

// hidingStore pretends no predictor exists for the first hide lookups, the
// way a concurrent writer's row is invisible until it commits
type hidingStore struct {
	*testutil.Store
	mu   sync.Mutex
	hide int
}

func (h *hidingStore) LatestPredictor(ctx context.Context, regionCode string, asOf time.Time) (*database.Predictor, error) {
	h.mu.Lock()
	if h.hide != 0 {
		if h.hide > 0 {
			h.hide--
		}
		h.mu.Unlock()
		return nil, nil
	}
	h.mu.Unlock()
	return h.Store.LatestPredictor(ctx, regionCode, asOf)
}

func TestManager_ResolveReusesEpoch(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{model: fittedModel()}
	m := newManager(store, trainer)
	ctx := context.Background()

	d1 := testutil.Day(2023, time.March, 1)
	first, err := m.Resolve(ctx, "R1", d1)
	require.NoError(t, err)
	assert.Equal(t, d1, first.LastTrainingDate)
	assert.True(t, first.IsTrained())

	again, err := m.Resolve(ctx, "R1", d1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// The expiry boundary is inclusive
	edge, err := m.Resolve(ctx, "R1", d1.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, first.ID, edge.ID)

	assert.Equal(t, 1, trainer.Calls())
	assert.Len(t, store.Predictors("R1"), 1)
}

func TestManager_ResolveCreatesNewEpochAfterExpiry(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{model: fittedModel()}
	m := newManager(store, trainer)
	ctx := context.Background()

	d1 := testutil.Day(2023, time.March, 1)
	first, err := m.Resolve(ctx, "R1", d1)
	require.NoError(t, err)

	d2 := d1.AddDate(0, 0, 31)
	second, err := m.Resolve(ctx, "R1", d2)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, d2, second.LastTrainingDate)

	// A date between the two epochs still belongs to the first one
	mid, err := m.Resolve(ctx, "R1", d1.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, first.ID, mid.ID)

	assert.Len(t, store.Predictors("R1"), 2)
	assert.Equal(t, 2, trainer.Calls())
}

func TestManager_ResolveTruncatesTimeOfDay(t *testing.T) {
	store := testutil.NewStore("R1")
	m := newManager(store, &fakeTrainer{model: fittedModel()})

	p, err := m.Resolve(context.Background(), "R1", time.Date(2023, time.March, 1, 17, 45, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, testutil.Day(2023, time.March, 1), p.LastTrainingDate)
}

func TestManager_ConcurrentResolveCreatesSinglePredictor(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{model: fittedModel()}
	m := newManager(store, trainer)
	day := testutil.Day(2023, time.June, 1)

	const workers = 20
	ids := make(chan string, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := m.Resolve(context.Background(), "R1", day)
			if err != nil {
				errs <- err
				return
			}
			ids <- p.ID.String()
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Fatalf("Resolve failed: %v", err)
	}
	seen := make(map[string]struct{})
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1)
	assert.Len(t, store.Predictors("R1"), 1)
	assert.Equal(t, 1, trainer.Calls())
}

func TestManager_ResolveRecoversFromCreateRace(t *testing.T) {
	base := testutil.NewStore("R1")
	day := testutil.Day(2023, time.June, 1)
	winner, err := base.CreatePredictor(context.Background(), "R1", day)
	require.NoError(t, err)

	store := &hidingStore{Store: base, hide: 1}
	m := newManager(store, &fakeTrainer{model: fittedModel()})

	p, err := m.Resolve(context.Background(), "R1", day)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, p.ID)
	assert.Equal(t, 2, base.CreateCalls)
	assert.Len(t, base.Predictors("R1"), 1)
}

func TestManager_ResolveGivesUpAfterOneRetry(t *testing.T) {
	base := testutil.NewStore("R1")
	day := testutil.Day(2023, time.June, 1)
	_, err := base.CreatePredictor(context.Background(), "R1", day)
	require.NoError(t, err)

	store := &hidingStore{Store: base, hide: -1}
	m := newManager(store, &fakeTrainer{model: fittedModel()})

	_, err = m.Resolve(context.Background(), "R1", day)
	require.Error(t, err)
	assert.True(t, errors.Is(err, database.ErrDuplicateKey))
	assert.Equal(t, 1+(maxCreateRetries+1), base.CreateCalls)
}

func TestManager_TrainUsesHistoryBeforeTrainingDate(t *testing.T) {
	store := testutil.NewStore("R1", "R2")
	day := testutil.Day(2023, time.June, 10)
	for offset := -3; offset <= 1; offset++ {
		store.PutMetric(&database.Metric{RegionCode: "R1", Date: day.AddDate(0, 0, offset), Value: 0.1 * float64(offset+4)})
	}
	store.PutMetric(&database.Metric{RegionCode: "R2", Date: day.AddDate(0, 0, -1), Value: 0.9})

	trainer := &fakeTrainer{}
	m := newManager(store, trainer)

	_, err := m.Resolve(context.Background(), "R1", day)
	require.NoError(t, err)
	require.Len(t, trainer.histories, 1)

	history := trainer.histories[0]
	require.Len(t, history, 3)
	for i, obs := range history {
		assert.Equal(t, day.AddDate(0, 0, i-3), obs.Date)
	}
	assert.InDelta(t, 0.1, history[0].Value, 1e-9)
}

func TestManager_UntrainedIsMemoized(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{}
	m := newManager(store, trainer)
	ctx := context.Background()
	day := testutil.Day(2023, time.June, 1)

	p, err := m.Resolve(ctx, "R1", day)
	require.NoError(t, err)
	assert.False(t, p.IsTrained())
	assert.True(t, p.TrainingAttempted())

	again, err := m.Resolve(ctx, "R1", day.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.False(t, again.IsTrained())
	assert.Equal(t, 1, trainer.Calls())

	// force retrains the same epoch
	trainer.model = fittedModel()
	forced, err := m.Train(ctx, again, true)
	require.NoError(t, err)
	assert.True(t, forced.IsTrained())
	assert.Equal(t, 2, trainer.Calls())

	stored, err := store.GetPredictor(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsTrained())
}

func TestManager_ForcedFailureKeepsPreviousModel(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{model: fittedModel()}
	m := newManager(store, trainer)
	ctx := context.Background()

	p, err := m.Resolve(ctx, "R1", testutil.Day(2023, time.June, 1))
	require.NoError(t, err)
	require.True(t, p.IsTrained())

	trainer.model = nil
	trainer.err = errors.New("solver exploded")
	retrained, err := m.Train(ctx, p, true)
	require.NoError(t, err)
	assert.True(t, retrained.IsTrained())
	assert.Equal(t, p.Weights, retrained.Weights)
}

func TestManager_TrainingTimeoutIsUntrained(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{block: true}
	m := NewManager(store, trainer, Policy{ExpiryDays: 30, TrainingTimeout: 20 * time.Millisecond}, logger.NewNop())

	p, err := m.Resolve(context.Background(), "R1", testutil.Day(2023, time.June, 1))
	require.NoError(t, err)
	assert.False(t, p.IsTrained())
	assert.True(t, p.TrainingAttempted())
}

func TestManager_TrainingFailureIsUntrained(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{err: forecast.ErrUnorderedHistory}
	m := newManager(store, trainer)

	p, err := m.Resolve(context.Background(), "R1", testutil.Day(2023, time.June, 1))
	require.NoError(t, err)
	assert.False(t, p.IsTrained())
	assert.True(t, p.TrainingAttempted())
}

func TestManager_CancelledCallerLeavesPredictorUntouched(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{block: true}
	m := newManager(store, trainer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Resolve(ctx, "R1", testutil.Day(2023, time.June, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	predictors := store.Predictors("R1")
	require.Len(t, predictors, 1)
	assert.False(t, predictors[0].TrainingAttempted())
}

func (m *Manager) waitersOn(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.waiting[id.String()]; ok {
		return f.waiters
	}
	return 0
}

func TestManager_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{model: fittedModel(), gate: make(chan struct{})}
	m := newManager(store, trainer)

	created, err := store.CreatePredictor(context.Background(), "R1", testutil.Day(2023, time.June, 1))
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Train(firstCtx, created, false)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return trainer.Calls() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		p   *database.Predictor
		err error
	}
	second := make(chan result, 1)
	go func() {
		p, err := m.Train(context.Background(), created, false)
		second <- result{p, err}
	}()
	require.Eventually(t, func() bool { return m.waitersOn(created.ID) == 2 }, time.Second, 5*time.Millisecond)

	cancelFirst()
	assert.True(t, errors.Is(<-firstErr, context.Canceled))

	close(trainer.gate)
	res := <-second
	require.NoError(t, res.err)
	assert.True(t, res.p.IsTrained())
	assert.Equal(t, 1, trainer.Calls())
	assert.Equal(t, 0, m.waitersOn(created.ID))
}

func TestManager_LoadTrainsAssignedPredictor(t *testing.T) {
	store := testutil.NewStore("R1")
	trainer := &fakeTrainer{model: fittedModel()}
	m := newManager(store, trainer)

	created, err := store.CreatePredictor(context.Background(), "R1", testutil.Day(2023, time.June, 1))
	require.NoError(t, err)

	p, err := m.Load(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, p.IsTrained())

	_, err = m.Load(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, database.ErrNotFound))
}

func TestManager_TrainsWithRealEngine(t *testing.T) {
	store := testutil.NewStore("R1")
	day := testutil.Day(2023, time.June, 1)
	for i := 1; i <= 120; i++ {
		date := day.AddDate(0, 0, -i)
		value := 0.3 + 0.1*math.Sin(2*math.Pi*float64(date.YearDay())/365.25)
		store.PutMetric(&database.Metric{RegionCode: "R1", Date: date, Value: value})
	}

	m := newManager(store, forecast.NewEngine(forecast.DefaultConfig()))
	p, err := m.Resolve(context.Background(), "R1", day)
	require.NoError(t, err)
	require.True(t, p.IsTrained())

	model, err := forecast.Decode(p.Weights)
	require.NoError(t, err)
	assert.Equal(t, 120, model.Samples)
	assert.NotEmpty(t, p.Trend)
	assert.Len(t, p.YearlySeasonality, 365)

	// the model serves the 30 days after its history
	for h := 0; h <= 30; h++ {
		date := day.AddDate(0, 0, h)
		expected := 0.3 + 0.1*math.Sin(2*math.Pi*float64(date.YearDay())/365.25)
		fc := model.Predict(date)
		assert.InDelta(t, expected, fc.Point, 0.07, "day %d", h)
		assert.Greater(t, fc.Lower, 0.0)
		assert.Less(t, fc.Upper, 1.0)
	}
}

func TestManager_IsExpired(t *testing.T) {
	m := newManager(testutil.NewStore(), &fakeTrainer{})
	p := &database.Predictor{LastTrainingDate: testutil.Day(2023, time.January, 1)}

	assert.False(t, m.IsExpired(p, testutil.Day(2023, time.January, 1)))
	assert.False(t, m.IsExpired(p, testutil.Day(2023, time.January, 31)))
	assert.True(t, m.IsExpired(p, testutil.Day(2023, time.February, 1)))
}
