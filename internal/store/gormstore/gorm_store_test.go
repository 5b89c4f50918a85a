package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"warden/internal/deployment"
	"warden/internal/pkg/circuit"
	"warden/internal/quota"
	"warden/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := New(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "warden.db"), MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newBot(t *testing.T, id string) *deployment.Deployment {
	t.Helper()
	d, err := deployment.New(deployment.CreateParams{
		ID:         id,
		StrategyID: "rsi-reversal",
		UserID:     "u-1",
		Name:       "btc bot",
		Symbols:    []string{"btcusdt", "ETHUSDT"},
		Kind:       deployment.KindBot,
		Tier:       deployment.TierStarter,
		Execution: deployment.Execution{
			Environment: deployment.EnvLive,
			StakeUSD:    decimal.RequireFromString("125.50"),
			Exchange:    "binance",
		},
	}, deployment.DefaultPolicies(), base)
	require.NoError(t, err)
	return d
}

func TestCreateLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newBot(t, "bot-1")
	require.NoError(t, s.Create(ctx, d))
	assert.Equal(t, int64(1), d.Version)

	got, err := s.Load(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got.Symbols)
	assert.Equal(t, deployment.KindBot, got.Kind)
	assert.Equal(t, deployment.StatusActive, got.Status)
	assert.Equal(t, circuit.StateClosed, got.Circuit.State)
	assert.Equal(t, 3, got.Circuit.FailureThreshold)
	require.NotNil(t, got.Quota.DailyLimit)
	assert.Equal(t, 25, *got.Quota.DailyLimit)
	assert.True(t, got.Execution.StakeUSD.Equal(decimal.RequireFromString("125.5")))
	assert.Nil(t, got.LastCheckedAt)
	assert.Nil(t, got.Circuit.OpenedAt)
	assert.NoError(t, got.Validate())

	assert.Error(t, s.Create(ctx, newBot(t, "bot-1")))
}

func TestSaveCycle_VersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBot(t, "bot-2")))

	work, err := s.Load(ctx, "bot-2")
	require.NoError(t, err)
	opened := base.Add(time.Minute)
	work.Circuit = circuit.Record{State: circuit.StateOpen, OpenedAt: &opened, ConsecutiveFailures: 3, FailureThreshold: 3}
	work.Status = deployment.StatusError
	work.ErrorMessage = "evaluation failed: timeout"
	work.LastCheckedAt = &opened

	history := []store.SignalRecord{{TraceID: "t-1", Symbol: "BTCUSDT", SignalType: "BUY", Price: decimal.NewFromInt(100), Disposition: "delivered", Metadata: map[string]any{"rsi": 28.5}, CreatedAt: opened}}
	require.NoError(t, s.SaveCycle(ctx, work, 1, history))
	assert.Equal(t, int64(2), work.Version)

	got, err := s.Load(ctx, "bot-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, circuit.StateOpen, got.Circuit.State)
	require.NotNil(t, got.Circuit.OpenedAt)
	assert.True(t, got.Circuit.OpenedAt.Equal(opened))
	assert.Equal(t, "evaluation failed: timeout", got.ErrorMessage)

	// 旧版本写入被拒绝
	stale := got.Clone()
	stale.ErrorMessage = "late"
	assert.ErrorIs(t, s.SaveCycle(ctx, stale, 1, history), store.ErrStale)

	sigs, err := s.ListSignals(ctx, "bot-2", 10)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "bot-2", sigs[0].DeploymentID)
	assert.Equal(t, "delivered", sigs[0].Disposition)
	assert.InDelta(t, 28.5, sigs[0].Metadata["rsi"], 1e-9)

	missing := newBot(t, "ghost")
	assert.ErrorIs(t, s.SaveCycle(ctx, missing, 1, nil), store.ErrNotFound)
}

func TestUpdateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBot(t, "bot-3")))

	out, err := s.UpdateLifecycle(ctx, "bot-3", func(d *deployment.Deployment) (bool, error) {
		d.Status = deployment.StatusPaused
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusPaused, out.Status)
	assert.Equal(t, int64(2), out.Version)

	out, err = s.UpdateLifecycle(ctx, "bot-3", func(d *deployment.Deployment) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Version)

	_, err = s.UpdateLifecycle(ctx, "nope", func(d *deployment.Deployment) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, store.ErrNotFound)

	runnable, err := s.ListRunnable(ctx)
	require.NoError(t, err)
	assert.Empty(t, runnable)
}

func TestPendingLimitPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBot(t, "bot-4")))

	_, err := s.UpdateLifecycle(ctx, "bot-4", func(d *deployment.Deployment) (bool, error) {
		return true, quota.ScheduleLimitChange(&d.Quota, nil)
	})
	require.NoError(t, err)
	got, err := s.Load(ctx, "bot-4")
	require.NoError(t, err)
	assert.True(t, got.Quota.HasPendingLimit)
	assert.Nil(t, got.Quota.PendingDailyLimit)
	require.NotNil(t, got.Quota.DailyLimit)
}

func TestDelete_HidesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBot(t, "bot-5")))
	require.NoError(t, s.Create(ctx, newBot(t, "bot-6")))

	require.NoError(t, s.Delete(ctx, "bot-5"))
	_, err := s.Load(ctx, "bot-5")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "bot-5"), store.ErrNotFound)

	runnable, err := s.ListRunnable(ctx)
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	assert.Equal(t, "bot-6", runnable[0].ID)
	assert.NoError(t, s.Ping(ctx))
}

func TestLease_ExclusiveAcrossOwners(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBot(t, "bot-1")))

	ok, err := s.AcquireLease(ctx, "bot-1", "node-a", base, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "bot-1", "node-b", base.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by node-a")

	// 持有者可以续租
	ok, err = s.AcquireLease(ctx, "bot-1", "node-a", base.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// 过期后其他实例可以接管
	ok, err = s.AcquireLease(ctx, "bot-1", "node-b", base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "bot-1", "node-a"))
	ok, err = s.AcquireLease(ctx, "bot-1", "node-a", base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "stale owner release must not free node-b's lease")

	require.NoError(t, s.ReleaseLease(ctx, "bot-1", "node-b"))
	ok, err = s.AcquireLease(ctx, "bot-1", "node-a", base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.AcquireLease(ctx, "missing", "node-a", base, time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLease_SurvivesCycleWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newBot(t, "bot-1")
	require.NoError(t, s.Create(ctx, d))

	ok, err := s.AcquireLease(ctx, "bot-1", "node-a", base, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	d.TriggerCount = 4
	require.NoError(t, s.SaveCycle(ctx, d, d.Version, nil))
	_, err = s.UpdateLifecycle(ctx, "bot-1", func(d *deployment.Deployment) (bool, error) {
		d.Status = deployment.StatusPaused
		return true, nil
	})
	require.NoError(t, err)

	ok, err = s.AcquireLease(ctx, "bot-1", "node-b", base.Add(10*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "cycle writes must not clear the lease")

	got, err := s.Load(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.TriggerCount)
	assert.Equal(t, int64(3), got.Version)
}
