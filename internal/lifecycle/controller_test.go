package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warden/internal/deployment"
	"warden/internal/pkg/circuit"
	"warden/internal/quota"
	"warden/internal/signal"
	"warden/internal/store"
	"warden/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type MockEvaluator struct {
	mock.Mock
}

func (m *MockEvaluator) Evaluate(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(signal.Outcome), args.Error(1)
}

type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Deliver(ctx context.Context, d *deployment.Deployment, sig signal.Signal) error {
	args := m.Called(ctx, d, sig)
	return args.Error(0)
}

type recordingJournal struct {
	mu      sync.Mutex
	results []CycleResult
}

func (j *recordingJournal) Record(_ context.Context, res CycleResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, res)
	return nil
}

func (j *recordingJournal) outcomes() []Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Outcome, 0, len(j.results))
	for _, r := range j.results {
		out = append(out, r.Outcome)
	}
	return out
}

func buy(symbol string) signal.Outcome {
	return signal.Outcome{Signals: []signal.Signal{{Type: signal.Buy, Symbol: symbol, Price: decimal.NewFromInt(100)}}}
}

func newController(t *testing.T, ev Evaluator, dl Deliverer, opts ...Option) (*Controller, *memstore.Store) {
	t.Helper()
	repo := memstore.New()
	base := []Option{
		WithTracker(quota.NewTracker(time.UTC)),
		WithBreaker(circuit.NewBreaker(30*time.Minute, 1)),
	}
	c, err := NewController(repo, ev, dl, append(base, opts...)...)
	require.NoError(t, err)
	return c, repo
}

func create(t *testing.T, c *Controller, id string, kind deployment.Kind, symbols ...string) *deployment.Deployment {
	t.Helper()
	if len(symbols) == 0 {
		symbols = []string{"AAPL"}
	}
	d, err := c.Create(context.Background(), deployment.CreateParams{
		ID: id, StrategyID: "rsi-reversal", UserID: "u-1", Symbols: symbols, Kind: kind, Tier: deployment.TierFree,
	}, day)
	require.NoError(t, err)
	return d
}

func TestRunCycle_TripAndRecover(t *testing.T) {
	ev := new(MockEvaluator)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(signal.Outcome{}, errors.New("indicator feed unavailable")).Times(3)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(signal.Outcome{}, nil).Once()
	dl := new(MockDeliverer)
	c, repo := newController(t, ev, dl)
	ctx := context.Background()
	create(t, c, "bot-1", deployment.KindBot)

	var last CycleResult
	for i := 0; i < 3; i++ {
		res, err := c.RunCycle(ctx, "bot-1", day.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, OutcomeEvaluationFailed, res.Outcome)
		d, _ := repo.Load(ctx, "bot-1")
		assert.Equal(t, i+1, d.Circuit.ConsecutiveFailures)
		last = res
	}
	assert.Equal(t, []circuit.Transition{{From: circuit.StateClosed, To: circuit.StateOpen}}, last.Transitions)

	d, _ := repo.Load(ctx, "bot-1")
	assert.Equal(t, deployment.StatusError, d.Status)
	assert.Equal(t, circuit.StateOpen, d.Circuit.State)
	require.NotNil(t, d.Circuit.OpenedAt)
	openedAt := *d.Circuit.OpenedAt
	assert.Contains(t, d.ErrorMessage, "indicator feed unavailable")

	// 超时前：不评估、不改动
	res, err := c.RunCycle(ctx, "bot-1", openedAt.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedCircuitOpen, res.Outcome)
	assert.False(t, res.Persisted)
	after, _ := repo.Load(ctx, "bot-1")
	assert.Equal(t, d, after)
	ev.AssertNumberOfCalls(t, "Evaluate", 3)

	res, err = c.RunCycle(ctx, "bot-1", openedAt.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, res.Outcome)
	assert.Equal(t, []circuit.Transition{
		{From: circuit.StateOpen, To: circuit.StateHalfOpen},
		{From: circuit.StateHalfOpen, To: circuit.StateClosed},
	}, res.Transitions)

	d, _ = repo.Load(ctx, "bot-1")
	assert.Equal(t, circuit.StateClosed, d.Circuit.State)
	assert.Equal(t, deployment.StatusActive, d.Status)
	assert.Empty(t, d.ErrorMessage)
	assert.Equal(t, 0, d.Circuit.ConsecutiveFailures)
	ev.AssertExpectations(t)
	dl.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycle_HalfOpenFailureReopens(t *testing.T) {
	ev := new(MockEvaluator)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(signal.Outcome{}, errors.New("boom"))
	c, repo := newController(t, ev, new(MockDeliverer))
	ctx := context.Background()
	create(t, c, "bot-2", deployment.KindBot)

	for i := 0; i < 3; i++ {
		_, err := c.RunCycle(ctx, "bot-2", day)
		require.NoError(t, err)
	}
	retryAt := day.Add(31 * time.Minute)
	res, err := c.RunCycle(ctx, "bot-2", retryAt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEvaluationFailed, res.Outcome)

	d, _ := repo.Load(ctx, "bot-2")
	assert.Equal(t, circuit.StateOpen, d.Circuit.State)
	assert.Equal(t, retryAt, *d.Circuit.OpenedAt)
	assert.Equal(t, deployment.StatusError, d.Status)
}

func TestRunCycle_SuccessResetsFailuresWhileClosed(t *testing.T) {
	ev := new(MockEvaluator)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(signal.Outcome{}, errors.New("timeout talking to exchange")).Twice()
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(signal.Outcome{Signals: []signal.Signal{{Type: signal.Hold, Symbol: "AAPL"}}}, nil).Once()
	c, repo := newController(t, ev, new(MockDeliverer))
	ctx := context.Background()
	create(t, c, "alert-1", deployment.KindAlert)

	_, _ = c.RunCycle(ctx, "alert-1", day)
	_, _ = c.RunCycle(ctx, "alert-1", day.Add(time.Minute))
	d, _ := repo.Load(ctx, "alert-1")
	assert.Equal(t, 2, d.Circuit.ConsecutiveFailures)
	assert.Equal(t, deployment.StatusError, d.Status)

	now := day.Add(2 * time.Minute)
	res, err := c.RunCycle(ctx, "alert-1", now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, res.Outcome)
	d, _ = repo.Load(ctx, "alert-1")
	assert.Equal(t, 0, d.Circuit.ConsecutiveFailures)
	assert.Equal(t, deployment.StatusActive, d.Status)
	assert.Empty(t, d.ErrorMessage)
	assert.Equal(t, now, *d.LastCheckedAt)
	assert.Nil(t, d.Dedup.LastTriggeredAt, "HOLD never reaches the gate")
}

func TestRunCycle_StoppedIsNoop(t *testing.T) {
	ev := new(MockEvaluator)
	c, repo := newController(t, ev, new(MockDeliverer))
	ctx := context.Background()
	create(t, c, "alert-2", deployment.KindAlert)

	_, err := c.Stop(ctx, "alert-2", day)
	require.NoError(t, err)
	before, _ := repo.Load(ctx, "alert-2")

	res, err := c.RunCycle(ctx, "alert-2", day.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedInactive, res.Outcome)
	after, _ := repo.Load(ctx, "alert-2")
	assert.Equal(t, before, after)
	ev.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything)

	_, err = c.Resume(ctx, "alert-2", day)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestRunCycle_DailyLimitCapsDeliveries(t *testing.T) {
	policies := deployment.DefaultPolicies()
	require.NoError(t, policies.Set(deployment.KindAlert, deployment.TierFree, deployment.Policy{
		FailureThreshold: 5, CooldownMinutes: 0, EvaluationFrequencyMinutes: 1, DailyLimit: quota.Limit(3),
	}))
	ev := new(MockEvaluator)
	symbols := []string{"AAPL", "MSFT", "TSLA", "NVDA"}
	for _, sym := range symbols {
		ev.On("Evaluate", mock.Anything, mock.Anything).Return(buy(sym), nil).Once()
	}
	dl := new(MockDeliverer)
	dl.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	journal := &recordingJournal{}
	c, repo := newController(t, ev, dl, WithPolicies(policies), WithJournal(journal))
	ctx := context.Background()
	create(t, c, "alert-3", deployment.KindAlert, symbols...)

	prevDaily := 0
	for i := range symbols {
		res, err := c.RunCycle(ctx, "alert-3", day.Add(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
		d, _ := repo.Load(ctx, "alert-3")
		assert.GreaterOrEqual(t, d.Quota.DailyCount, prevDaily)
		prevDaily = d.Quota.DailyCount
		if i == 3 {
			require.Len(t, res.Signals, 1)
			assert.Equal(t, DispositionQuotaExceeded, res.Signals[0].Disposition)
		}
	}
	d, _ := repo.Load(ctx, "alert-3")
	assert.Equal(t, 3, d.Quota.DailyCount)
	assert.Equal(t, 3, d.TriggerCount)
	dl.AssertNumberOfCalls(t, "Deliver", 3)
	assert.Equal(t, []Outcome{OutcomeSignals, OutcomeSignals, OutcomeSignals, OutcomeSignals}, journal.outcomes())

	history, err := c.Signals(ctx, "alert-3", 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, string(DispositionQuotaExceeded), history[0].Disposition)
}

func TestRunCycle_QuotaResetsOnFirstCycleOfNewDay(t *testing.T) {
	ev := new(MockEvaluator)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(buy("AAPL"), nil).Once()
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(signal.Outcome{}, nil)
	dl := new(MockDeliverer)
	dl.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c, repo := newController(t, ev, dl)
	ctx := context.Background()
	create(t, c, "alert-4", deployment.KindAlert)

	_, err := c.RunCycle(ctx, "alert-4", day)
	require.NoError(t, err)
	d, _ := repo.Load(ctx, "alert-4")
	assert.Equal(t, 1, d.Quota.DailyCount)

	next := day.Add(24 * time.Hour)
	res, err := c.RunCycle(ctx, "alert-4", next)
	require.NoError(t, err)
	assert.True(t, res.QuotaReset)
	d, _ = repo.Load(ctx, "alert-4")
	assert.Equal(t, 0, d.Quota.DailyCount)
	assert.Equal(t, next, d.Quota.LastDailyReset)
	assert.Equal(t, 1, d.TriggerCount)
}

func TestRunCycle_QuotaResetPersistedWhileOpen(t *testing.T) {
	ev := new(MockEvaluator)
	c, repo := newController(t, ev, new(MockDeliverer))
	ctx := context.Background()
	d := create(t, c, "alert-5", deployment.KindAlert)

	opened := day.Add(-5 * time.Minute)
	d.Circuit = circuit.Record{State: circuit.StateOpen, OpenedAt: &opened, ConsecutiveFailures: 5, FailureThreshold: 5}
	d.Status = deployment.StatusError
	d.Quota.DailyCount = 4
	d.Quota.LastDailyReset = day.Add(-24 * time.Hour)
	repo.Put(d)

	res, err := c.RunCycle(ctx, "alert-5", day)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedCircuitOpen, res.Outcome)
	assert.True(t, res.Persisted)
	got, _ := repo.Load(ctx, "alert-5")
	assert.Equal(t, 0, got.Quota.DailyCount)
	assert.Equal(t, circuit.StateOpen, got.Circuit.State)
	assert.Equal(t, 5, got.Circuit.ConsecutiveFailures)
	assert.Nil(t, got.LastCheckedAt)
	ev.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything)
}

func TestRunCycle_DeliveryErrorKeepsStatusAndCountsQuota(t *testing.T) {
	ev := new(MockEvaluator)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(buy("AAPL"), nil)
	dl := new(MockDeliverer)
	dl.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("telegram status=502"))
	c, repo := newController(t, ev, dl)
	ctx := context.Background()
	create(t, c, "alert-6", deployment.KindAlert)

	res, err := c.RunCycle(ctx, "alert-6", day)
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, DispositionDeliveryFailed, res.Signals[0].Disposition)

	d, _ := repo.Load(ctx, "alert-6")
	assert.Equal(t, deployment.StatusActive, d.Status)
	assert.Contains(t, d.ErrorMessage, "telegram status=502")
	assert.Equal(t, 1, d.Quota.DailyCount)
	assert.Equal(t, 1, d.TriggerCount)
	assert.Equal(t, 0, d.Circuit.ConsecutiveFailures)
	assert.Equal(t, "BUY", d.Dedup.LastSignalType)
}

func TestRunCycle_NormalizesSignalTypes(t *testing.T) {
	ev := new(MockEvaluator)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(signal.Outcome{Signals: []signal.Signal{
		{Type: "hold", Symbol: "AAPL"},
		{Type: "short", Symbol: "AAPL"},
		{Type: "sell", Price: decimal.NewFromInt(99)},
	}}, nil)
	dl := new(MockDeliverer)
	dl.On("Deliver", mock.Anything, mock.Anything, mock.MatchedBy(func(sig signal.Signal) bool {
		return sig.Type == signal.Sell && sig.Symbol == "AAPL"
	})).Return(nil).Once()
	c, _ := newController(t, ev, dl)
	create(t, c, "alert-n", deployment.KindAlert)

	res, err := c.RunCycle(context.Background(), "alert-n", day)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSignals, res.Outcome)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, DispositionDelivered, res.Signals[0].Disposition)
	dl.AssertExpectations(t)
}

func TestRunCycle_CooldownAndDuplicateSuppression(t *testing.T) {
	policies := deployment.DefaultPolicies()
	require.NoError(t, policies.Set(deployment.KindAlert, deployment.TierFree, deployment.Policy{
		FailureThreshold: 5, CooldownMinutes: 5, EvaluationFrequencyMinutes: 1,
	}))
	ev := new(MockEvaluator)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(buy("AAPL"), nil).Times(3)
	ev.On("Evaluate", mock.Anything, mock.Anything).Return(signal.Outcome{Signals: []signal.Signal{{Type: signal.Sell, Symbol: "aapl"}}}, nil).Once()
	dl := new(MockDeliverer)
	dl.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c, repo := newController(t, ev, dl, WithPolicies(policies))
	ctx := context.Background()
	create(t, c, "alert-7", deployment.KindAlert)

	res, _ := c.RunCycle(ctx, "alert-7", day)
	assert.Equal(t, DispositionDelivered, res.Signals[0].Disposition)
	res, _ = c.RunCycle(ctx, "alert-7", day.Add(3*time.Minute))
	assert.Equal(t, DispositionCooldown, res.Signals[0].Disposition)
	res, _ = c.RunCycle(ctx, "alert-7", day.Add(6*time.Minute))
	assert.Equal(t, DispositionDuplicate, res.Signals[0].Disposition)
	res, _ = c.RunCycle(ctx, "alert-7", day.Add(7*time.Minute))
	assert.Equal(t, DispositionDelivered, res.Signals[0].Disposition)

	d, _ := repo.Load(ctx, "alert-7")
	assert.Equal(t, "SELL", d.Dedup.LastSignalType)
	assert.Equal(t, day.Add(7*time.Minute), *d.Dedup.LastTriggeredAt)
	assert.Equal(t, 2, d.Quota.DailyCount)
	dl.AssertNumberOfCalls(t, "Deliver", 2)
}

func TestRunCycle_EvaluationTimeoutIsFailure(t *testing.T) {
	ev := EvaluatorFunc(func(ctx context.Context, _ *deployment.Deployment) (signal.Outcome, error) {
		<-ctx.Done()
		return signal.Outcome{}, ctx.Err()
	})
	c, repo := newController(t, ev, new(MockDeliverer), WithEvaluationTimeout(20*time.Millisecond))
	ctx := context.Background()
	create(t, c, "bot-3", deployment.KindBot)

	res, err := c.RunCycle(ctx, "bot-3", day)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEvaluationFailed, res.Outcome)
	assert.Contains(t, res.Error, "timed out")
	d, _ := repo.Load(ctx, "bot-3")
	assert.Equal(t, 1, d.Circuit.ConsecutiveFailures)
}

func TestRunCycle_HungEvaluatorDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ev := EvaluatorFunc(func(context.Context, *deployment.Deployment) (signal.Outcome, error) {
		<-release
		return signal.Outcome{}, nil
	})
	c, _ := newController(t, ev, new(MockDeliverer), WithEvaluationTimeout(20*time.Millisecond))
	create(t, c, "bot-4", deployment.KindBot)

	done := make(chan CycleResult, 1)
	go func() {
		res, _ := c.RunCycle(context.Background(), "bot-4", day)
		done <- res
	}()
	select {
	case res := <-done:
		assert.Equal(t, OutcomeEvaluationFailed, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("RunCycle blocked on a hung evaluator")
	}
}

func TestRunCycle_InvariantViolationAbortsWithoutPersisting(t *testing.T) {
	ev := new(MockEvaluator)
	journal := &recordingJournal{}
	c, repo := newController(t, ev, new(MockDeliverer), WithJournal(journal))
	ctx := context.Background()
	d := create(t, c, "alert-8", deployment.KindAlert)
	d.Circuit.State = circuit.StateOpen
	d.Circuit.OpenedAt = nil
	repo.Put(d)
	before, _ := repo.Load(ctx, "alert-8")

	res, err := c.RunCycle(ctx, "alert-8", day.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, OutcomeInvariantViolation, res.Outcome)
	after, _ := repo.Load(ctx, "alert-8")
	assert.Equal(t, before, after)
	assert.Equal(t, []Outcome{OutcomeInvariantViolation}, journal.outcomes())
	ev.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything)
}

func TestRunCycle_OwnerStopMidCycleWins(t *testing.T) {
	var c *Controller
	ev := EvaluatorFunc(func(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error) {
		_, err := c.Stop(ctx, d.ID, day)
		return buy("AAPL"), err
	})
	dl := new(MockDeliverer)
	c, repo := newController(t, ev, dl)
	ctx := context.Background()
	create(t, c, "bot-5", deployment.KindBot)

	res, err := c.RunCycle(ctx, "bot-5", day)
	require.NoError(t, err)
	assert.True(t, res.Discarded)
	assert.False(t, res.Persisted)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, DispositionSkippedInactive, res.Signals[0].Disposition)
	dl.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)

	d, _ := repo.Load(ctx, "bot-5")
	assert.Equal(t, deployment.StatusStopped, d.Status)
	assert.Nil(t, d.LastCheckedAt)
	assert.Equal(t, 0, d.Quota.DailyCount)
}

func TestRunCycle_OwnerPauseMidCycleBlocksDelivery(t *testing.T) {
	var c *Controller
	ev := EvaluatorFunc(func(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error) {
		_, err := c.Pause(ctx, d.ID, day)
		return signal.Outcome{Signals: []signal.Signal{
			{Type: signal.Buy, Symbol: "AAPL", Price: decimal.NewFromInt(100)},
			{Type: signal.Sell, Symbol: "MSFT", Price: decimal.NewFromInt(50)},
		}}, err
	})
	dl := new(MockDeliverer)
	c, repo := newController(t, ev, dl)
	ctx := context.Background()
	create(t, c, "bot-p", deployment.KindBot, "AAPL", "MSFT")

	res, err := c.RunCycle(ctx, "bot-p", day)
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.True(t, res.Rebased)
	require.Len(t, res.Signals, 2)
	for _, rep := range res.Signals {
		assert.Equal(t, DispositionSkippedInactive, rep.Disposition)
	}
	dl.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)

	d, _ := repo.Load(ctx, "bot-p")
	assert.Equal(t, deployment.StatusPaused, d.Status)
	require.NotNil(t, d.LastCheckedAt)
	assert.True(t, d.LastCheckedAt.Equal(day))
	assert.Equal(t, 0, d.Quota.DailyCount)
	assert.Equal(t, 0, d.TriggerCount)
	assert.Nil(t, d.Dedup.LastTriggeredAt)
}

func TestRunCycle_OwnerLimitChangeMidCycleKeepsBookkeeping(t *testing.T) {
	var (
		c    *Controller
		once sync.Once
	)
	ev := EvaluatorFunc(func(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error) {
		var err error
		once.Do(func() { _, err = c.UpdateDailyLimit(ctx, d.ID, quota.Limit(2), day) })
		return buy("AAPL"), err
	})
	dl := new(MockDeliverer)
	dl.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c, repo := newController(t, ev, dl)
	ctx := context.Background()
	create(t, c, "bot-l", deployment.KindBot)

	res, err := c.RunCycle(ctx, "bot-l", day)
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.False(t, res.Discarded)
	assert.True(t, res.Rebased)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, DispositionDelivered, res.Signals[0].Disposition)

	d, _ := repo.Load(ctx, "bot-l")
	assert.Equal(t, 1, d.Quota.DailyCount)
	assert.Equal(t, 1, d.TriggerCount)
	assert.Equal(t, "BUY", d.Dedup.LastSignalType)
	assert.Equal(t, "AAPL", d.Dedup.LastSignalSymbol)
	assert.True(t, d.Quota.HasPendingLimit)
	require.NotNil(t, d.Quota.PendingDailyLimit)
	assert.Equal(t, 2, *d.Quota.PendingDailyLimit)
	history, err := repo.ListSignals(ctx, "bot-l", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// 同一信号在冷却期内不会再次下单
	res, err = c.RunCycle(ctx, "bot-l", day.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, DispositionCooldown, res.Signals[0].Disposition)
	dl.AssertNumberOfCalls(t, "Deliver", 1)
}

func TestRebase_OwnerFieldsWin(t *testing.T) {
	base := &deployment.Deployment{
		Status:       deployment.StatusError,
		ErrorMessage: "evaluation failed: boom",
		Quota:        quota.State{DailyCount: 1, DailyLimit: quota.Limit(5), LastDailyReset: day.Add(-24 * time.Hour), HasPendingLimit: true, PendingDailyLimit: quota.Limit(3)},
	}
	work := base.Clone()
	work.ErrorMessage = "evaluation failed: again"
	work.Circuit.ConsecutiveFailures = 2
	work.TriggerCount = 9
	work.Quota = quota.State{DailyCount: 0, DailyLimit: quota.Limit(3), LastDailyReset: day}

	// owner 清除了错误并重新设置了上限
	fresh := base.Clone()
	fresh.Status = deployment.StatusActive
	fresh.ErrorMessage = ""
	fresh.Quota.PendingDailyLimit = quota.Limit(8)
	rebase(fresh, base, work)

	assert.Equal(t, deployment.StatusActive, fresh.Status)
	assert.Empty(t, fresh.ErrorMessage)
	assert.Equal(t, 2, fresh.Circuit.ConsecutiveFailures)
	assert.Equal(t, 9, fresh.TriggerCount)
	assert.Equal(t, 0, fresh.Quota.DailyCount)
	assert.True(t, fresh.Quota.LastDailyReset.Equal(day))
	require.NotNil(t, fresh.Quota.DailyLimit)
	assert.Equal(t, 3, *fresh.Quota.DailyLimit)
	assert.True(t, fresh.Quota.HasPendingLimit)
	assert.Equal(t, 8, *fresh.Quota.PendingDailyLimit)

	// owner 未改动的字段取引擎结果
	untouched := base.Clone()
	rebase(untouched, base, work)
	assert.Equal(t, deployment.StatusError, untouched.Status)
	assert.Equal(t, "evaluation failed: again", untouched.ErrorMessage)
	assert.False(t, untouched.Quota.HasPendingLimit)
	assert.Nil(t, untouched.Quota.PendingDailyLimit)
}

func TestRunCycle_CancelledContextIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ev := EvaluatorFunc(func(ectx context.Context, _ *deployment.Deployment) (signal.Outcome, error) {
		cancel()
		<-ectx.Done()
		return signal.Outcome{}, ectx.Err()
	})
	c, repo := newController(t, ev, new(MockDeliverer))
	create(t, c, "bot-6", deployment.KindBot)

	_, err := c.RunCycle(ctx, "bot-6", day)
	assert.ErrorIs(t, err, context.Canceled)
	d, _ := repo.Load(context.Background(), "bot-6")
	assert.Equal(t, 0, d.Circuit.ConsecutiveFailures)
	assert.Equal(t, deployment.StatusActive, d.Status)
}

func TestRunCycle_NotFound(t *testing.T) {
	c, _ := newController(t, new(MockEvaluator), new(MockDeliverer))
	_, err := c.RunCycle(context.Background(), "missing", day)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
