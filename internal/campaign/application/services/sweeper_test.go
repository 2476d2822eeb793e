package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	startedAt := now.Add(-time.Minute)

	engine, deps := newTestProgression(ProgressionConfig{})

	// One record due for its first call, one with an exhausted cadence
	// waiting for its email.
	seedRecord(t, deps, fullContactDoc(), twoCallPlan(), startedAt)
	emailDue := seedRecord(t, deps, fullContactDoc(), oneCallPlan(), startedAt)
	emailDue.RecordCallOutcome(domain.CallOutcome{Successful: false}, startedAt.Add(30*time.Second))
	require.NoError(t, deps.repo.Update(ctx, emailDue))

	sweeper := NewSweeper(engine, SweeperConfig{MaxSteps: 3}, testLogger())

	require.NoError(t, sweeper.RunOnce(ctx, now))

	stats := sweeper.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, uint64(1), stats.Ticks)
	assert.Zero(t, stats.SweepErrors)
	assert.Equal(t, uint64(1), stats.CallsAttempted)
	assert.Equal(t, uint64(1), stats.EmailsSent)
	assert.True(t, stats.LastTickAt.Equal(now))

	reload, err := deps.repo.GetByID(ctx, emailDue.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEmailed, reload.Status)
}

func TestSweeper_RunOnce_AccumulatesAcrossTicks(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	seedRecord(t, deps, fullContactDoc(), oneCallPlan(), now.Add(-time.Minute))

	sweeper := NewSweeper(engine, SweeperConfig{MaxSteps: 2}, testLogger())

	require.NoError(t, sweeper.RunOnce(ctx, now))
	// Second tick: the call cadence is exhausted, the email goes out.
	require.NoError(t, sweeper.RunOnce(ctx, now.Add(time.Minute)))

	stats := sweeper.Stats()
	assert.Equal(t, uint64(2), stats.Ticks)
	assert.Equal(t, uint64(1), stats.CallsAttempted)
	assert.Equal(t, uint64(1), stats.EmailsSent)
	assert.True(t, stats.LastTickAt.Equal(now.Add(time.Minute)))
}

func TestSweeper_RunOnce_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	seedRecord(t, deps, fullContactDoc(), oneCallPlan(), now.Add(-time.Minute))

	metrics := observability.NewInMemoryMetrics()
	sweeper := NewSweeper(engine, SweeperConfig{MaxSteps: 2, Metrics: metrics}, testLogger())

	require.NoError(t, sweeper.RunOnce(ctx, now))
	require.NoError(t, sweeper.RunOnce(ctx, now.Add(time.Minute)))

	assert.Equal(t, int64(2), metrics.GetCounter(observability.MetricSweepTicks))
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricCallsAttempted))
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricEmailsSent))
	assert.Zero(t, metrics.GetCounter(observability.MetricSweepErrors))

	tickDurations := metrics.GetTimings(observability.MetricOperationDuration, observability.T("operation", "sweep_tick"))
	assert.Len(t, tickDurations, 2)
}

type failingFindRepo struct {
	domain.CampaignRepository
}

func (r *failingFindRepo) FindDueForCall(_ context.Context, _ time.Time, _ *int, _ int) ([]*domain.CampaignRecord, error) {
	return nil, errors.New("store offline")
}

func TestSweeper_RunOnce_CountsSweepErrors(t *testing.T) {
	ctx := context.Background()

	_, deps := newTestProgression(ProgressionConfig{})
	failing := &failingFindRepo{CampaignRepository: deps.repo}
	engine := NewProgression(failing, deps.sources, deps.dialer, deps.emailer, nil, ProgressionConfig{}, testLogger())

	sweeper := NewSweeper(engine, SweeperConfig{MaxSteps: 2}, testLogger())

	err := sweeper.RunOnce(ctx, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call sweep step")

	stats := sweeper.Stats()
	assert.Equal(t, uint64(1), stats.Ticks)
	assert.Equal(t, uint64(2), stats.SweepErrors)
}

func TestSweeper_StartStop(t *testing.T) {
	engine, _ := newTestProgression(ProgressionConfig{})
	sweeper := NewSweeper(engine, SweeperConfig{
		Interval:     5 * time.Millisecond,
		StartupGrace: time.Millisecond,
		MaxSteps:     1,
	}, testLogger())

	// Stop before Start is a no-op.
	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())

	require.NoError(t, sweeper.Start(context.Background()))
	assert.True(t, sweeper.IsRunning())

	// Start on a running sweeper is a no-op.
	require.NoError(t, sweeper.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sweeper.Stats().Ticks >= 1
	}, 2*time.Second, 5*time.Millisecond)

	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())
	assert.False(t, sweeper.Stats().Running)

	// Stop again is a no-op.
	sweeper.Stop()

	ticksAfterStop := sweeper.Stats().Ticks
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ticksAfterStop, sweeper.Stats().Ticks)
}

func TestSweeper_ContextCancellationStopsLoop(t *testing.T) {
	engine, _ := newTestProgression(ProgressionConfig{})
	sweeper := NewSweeper(engine, SweeperConfig{
		Interval:     5 * time.Millisecond,
		StartupGrace: time.Millisecond,
		MaxSteps:     1,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sweeper.Start(ctx))
	cancel()

	// The loop exits on its own; Stop still cleans up the flag.
	require.Eventually(t, func() bool {
		ticks := sweeper.Stats().Ticks
		time.Sleep(10 * time.Millisecond)
		return sweeper.Stats().Ticks == ticks
	}, 2*time.Second, 10*time.Millisecond)

	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())
}
