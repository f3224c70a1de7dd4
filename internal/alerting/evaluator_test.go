package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/protocol"
)

type memoryStates struct {
	states map[string]*AnomalyState
}

func (m *memoryStates) GetState(_ context.Context, regionCode string) (*AnomalyState, error) {
	s, ok := m.states[regionCode]
	if !ok {
		return &AnomalyState{Status: StateClear}, nil
	}
	clone := *s
	return &clone, nil
}

func (m *memoryStates) SetState(_ context.Context, regionCode string, state *AnomalyState) error {
	clone := *state
	m.states[regionCode] = &clone
	return nil
}

func (m *memoryStates) DeleteState(_ context.Context, regionCode string) error {
	delete(m.states, regionCode)
	return nil
}

type recordingPublisher struct {
	sent []*protocol.AnomalyNotification
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, value []byte) error {
	n, err := protocol.DecodeAnomalyNotification(value)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, n)
	return nil
}

func ptr(v float64) *float64 { return &v }

func scored(region string, day int, degree float64) *database.Metric {
	return &database.Metric{
		RegionCode:    region,
		Date:          time.Date(2023, time.June, day, 0, 0, 0, 0, time.UTC),
		Value:         0.5,
		LowerValue:    ptr(0.3),
		UpperValue:    ptr(0.4),
		AnomalyDegree: ptr(degree),
	}
}

func newEvaluator() (*Evaluator, *memoryStates, *recordingPublisher) {
	states := &memoryStates{states: make(map[string]*AnomalyState)}
	publisher := &recordingPublisher{}
	return NewEvaluator(states, publisher, 0.25, logger.NewNop()), states, publisher
}

func TestEvaluator_DetectAndClear(t *testing.T) {
	e, states, publisher := newEvaluator()
	ctx := context.Background()

	require.NoError(t, e.Observe(ctx, scored("R1", 1, 0.1)))
	assert.Empty(t, publisher.sent)

	require.NoError(t, e.Observe(ctx, scored("R1", 2, 0.3)))
	require.Len(t, publisher.sent, 1)
	assert.Equal(t, protocol.AnomalyTypeDetected, publisher.sent[0].Type)
	assert.Equal(t, "2023-06-02", publisher.sent[0].Since)
	assert.Equal(t, StateAnomalous, states.states["R1"].Status)

	// still anomalous, below the band this time: no new notification
	require.NoError(t, e.Observe(ctx, scored("R1", 3, -0.4)))
	assert.Len(t, publisher.sent, 1)
	assert.Equal(t, -0.4, states.states["R1"].AnomalyDegree)

	require.NoError(t, e.Observe(ctx, scored("R1", 4, 0)))
	require.Len(t, publisher.sent, 2)
	assert.Equal(t, protocol.AnomalyTypeCleared, publisher.sent[1].Type)
	assert.Equal(t, "2023-06-02", publisher.sent[1].Since)
	assert.NotContains(t, states.states, "R1")
}

func TestEvaluator_IgnoresUnscoredAndStaleMetrics(t *testing.T) {
	e, states, publisher := newEvaluator()
	ctx := context.Background()

	require.NoError(t, e.Observe(ctx, &database.Metric{RegionCode: "R1", Value: 0.9}))
	assert.Empty(t, publisher.sent)

	require.NoError(t, e.Observe(ctx, scored("R1", 10, 0.5)))
	require.NoError(t, e.Observe(ctx, scored("R1", 5, 0)))
	assert.Len(t, publisher.sent, 1)
	assert.Equal(t, StateAnomalous, states.states["R1"].Status)
}

func TestEvaluator_RegionsAreIndependent(t *testing.T) {
	e, _, publisher := newEvaluator()
	ctx := context.Background()

	require.NoError(t, e.Observe(ctx, scored("R1", 1, 0.5)))
	require.NoError(t, e.Observe(ctx, scored("R2", 1, -0.25)))
	require.NoError(t, e.Observe(ctx, scored("R2", 2, 0)))

	require.Len(t, publisher.sent, 3)
	assert.Equal(t, "R1", publisher.sent[0].RegionCode)
	assert.Equal(t, "R2", publisher.sent[1].RegionCode)
	assert.Equal(t, protocol.AnomalyTypeCleared, publisher.sent[2].Type)
}
