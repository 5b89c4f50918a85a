package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/internal/dedup"
	"warden/internal/deployment"
	"warden/internal/logger"
	"warden/internal/pkg/circuit"
	"warden/internal/pkg/text"
	"warden/internal/quota"
	"warden/internal/signal"
	"warden/internal/store"
)

// 持久化的错误信息上限（rune）
const maxErrorMessage = 512

// 提交遇到版本冲突时，重新读取并叠加引擎字段的次数上限
const staleRetries = 3

// RunCycle loads the deployment, runs one evaluation cycle at now and persists
// the result with a conditional write. Evaluation and delivery failures are
// reported through the result; the returned error is reserved for load and
// persistence failures, invariant violations and cancellation.
func (c *Controller) RunCycle(ctx context.Context, id string, now time.Time) (CycleResult, error) {
	d, err := c.repo.Load(ctx, id)
	if err != nil {
		return CycleResult{DeploymentID: id, At: now}, fmt.Errorf("load deployment %s: %w", id, err)
	}
	res := CycleResult{
		DeploymentID: d.ID,
		Kind:         d.Kind,
		TraceID:      TraceIDFrom(ctx),
		At:           now,
		Status:       d.Status,
		CircuitState: d.Circuit.State,
	}
	if !d.Runnable() {
		res.Outcome = OutcomeSkippedInactive
		c.finish(ctx, &res)
		return res, nil
	}
	if err := d.Validate(); err != nil {
		return c.abortInvariant(ctx, res, err)
	}

	expected := d.Version
	work := d.Clone()
	breaker := c.breaker.WithStateChangeHandler(func(from, to circuit.State, _ circuit.Record) {
		res.Transitions = append(res.Transitions, circuit.Transition{From: from, To: to})
	})

	res.QuotaReset = c.tracker.ResetIfNeeded(&work.Quota, now)

	if allowed, _ := breaker.Allow(&work.Circuit, now); !allowed {
		res.Outcome = OutcomeSkippedCircuitOpen
		if !res.QuotaReset {
			c.finish(ctx, &res)
			return res, nil
		}
		return c.commit(ctx, res, d, work, expected, now)
	}

	checked := now
	work.LastCheckedAt = &checked

	started := time.Now()
	outcome, err := c.evaluate(ctx, work)
	c.observer.EvaluationDuration(work.Kind, time.Since(started))
	if err != nil {
		if !IsEvaluationError(err) {
			// 外部取消（如进程退出）不计为策略失败，本周期丢弃
			return res, err
		}
		breaker.RecordFailure(&work.Circuit, now)
		work.Status = deployment.StatusError
		work.ErrorMessage = text.Truncate(err.Error(), maxErrorMessage)
		res.Outcome = OutcomeEvaluationFailed
		res.Error = err.Error()
		return c.commit(ctx, res, d, work, expected, now)
	}

	tr := breaker.RecordSuccess(&work.Circuit, now)
	if tr.Recovered() {
		work.ErrorMessage = ""
	}
	if work.Status == deployment.StatusError && work.Circuit.State == circuit.StateClosed {
		work.Status = deployment.StatusActive
		work.ErrorMessage = ""
	}

	actionable := normalizeSignals(outcome.Signals, work.Symbols)
	if len(actionable) == 0 {
		res.Outcome = OutcomeHold
		return c.commit(ctx, res, d, work, expected, now)
	}

	res.Outcome = OutcomeSignals
	halted := false
	for _, sig := range actionable {
		res.Signals = append(res.Signals, c.processSignal(ctx, work, sig, now, &halted))
	}
	return c.commit(ctx, res, d, work, expected, now)
}

// processSignal applies quota, then the dedup gate, then delivery to a single
// non-HOLD signal, mutating work in place.
// Once an owner pause or stop is observed, halted stays set and no further
// signal of the cycle is delivered.
func (c *Controller) processSignal(ctx context.Context, work *deployment.Deployment, sig signal.Signal, now time.Time, halted *bool) SignalReport {
	rep := SignalReport{Signal: sig}
	if *halted {
		rep.Disposition = DispositionSkippedInactive
		return rep
	}
	if c.tracker.IsLimitReached(work.Quota) {
		rep.Disposition = DispositionQuotaExceeded
		logger.Infof("quota exceeded, signal dropped deployment=%s kind=%s signal=%s daily=%d",
			work.ID, work.Kind, sig, work.Quota.DailyCount)
		return rep
	}
	verdict := c.gate.Check(work.Dedup, string(sig.Type), sig.Symbol, now)
	if !verdict.Accepted {
		if verdict.Reason == dedup.ReasonCooldown {
			rep.Disposition = DispositionCooldown
			rep.Detail = fmt.Sprintf("cooldown %s remaining", verdict.Remaining.Round(time.Second))
		} else {
			rep.Disposition = DispositionDuplicate
		}
		logger.Debugf("signal suppressed deployment=%s signal=%s reason=%s", work.ID, sig, verdict.Reason)
		return rep
	}
	// 投递前重新读取状态，owner 在评估期间暂停或停止时不再投递
	if reason := c.deliveryBlocked(ctx, work.ID); reason != "" {
		*halted = true
		rep.Disposition = DispositionSkippedInactive
		rep.Detail = reason
		logger.Infof("signal not delivered deployment=%s signal=%s: %s", work.ID, sig, reason)
		return rep
	}
	c.gate.Accept(&work.Dedup, string(sig.Type), sig.Symbol, now)

	if err := c.deliver(ctx, work, sig); err != nil {
		rep.Disposition = DispositionDeliveryFailed
		rep.Detail = text.Truncate(err.Error(), maxErrorMessage)
		work.ErrorMessage = rep.Detail
		logger.Warnf("delivery failed deployment=%s kind=%s signal=%s: %v", work.ID, work.Kind, sig, err)
	} else {
		rep.Disposition = DispositionDelivered
	}
	// 投递失败同样计入配额，避免无限重试
	c.tracker.RecordTrigger(&work.Quota, &work.TriggerCount)
	return rep
}

func (c *Controller) evaluate(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error) {
	evalCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
	defer cancel()

	type result struct {
		out signal.Outcome
		err error
	}
	ch := make(chan result, 1)
	snapshot := d.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("evaluator panic: %v", r)}
			}
		}()
		out, err := c.evaluator.Evaluate(evalCtx, snapshot)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				return signal.Outcome{}, ctx.Err()
			}
			return signal.Outcome{}, &EvaluationError{Cause: r.err, Timeout: errors.Is(r.err, context.DeadlineExceeded)}
		}
		return r.out, nil
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return signal.Outcome{}, ctx.Err()
		}
		return signal.Outcome{}, &EvaluationError{Cause: evalCtx.Err(), Timeout: true}
	}
}

// deliveryBlocked returns a non-empty reason when the persisted deployment is
// no longer runnable.
func (c *Controller) deliveryBlocked(ctx context.Context, id string) string {
	cur, err := c.repo.Load(ctx, id)
	if err != nil {
		return fmt.Sprintf("status check failed: %v", err)
	}
	if !cur.Runnable() {
		return fmt.Sprintf("deployment is %s", cur.Status)
	}
	return ""
}

func (c *Controller) deliver(ctx context.Context, d *deployment.Deployment, sig signal.Signal) error {
	dctx, cancel := context.WithTimeout(ctx, c.deliveryTimeout)
	defer cancel()
	if err := c.deliverer.Deliver(dctx, d.Clone(), sig); err != nil {
		if IsDeliveryError(err) {
			return err
		}
		return &DeliveryError{Cause: err}
	}
	return nil
}

func (c *Controller) commit(ctx context.Context, res CycleResult, base, work *deployment.Deployment, expected int64, now time.Time) (CycleResult, error) {
	if err := work.Validate(); err != nil {
		return c.abortInvariant(ctx, res, err)
	}
	work.UpdatedAt = now
	history := make([]store.SignalRecord, 0, len(res.Signals))
	for _, rep := range res.Signals {
		history = append(history, store.SignalRecord{
			DeploymentID: work.ID,
			TraceID:      res.TraceID,
			Symbol:       rep.Signal.Symbol,
			SignalType:   string(rep.Signal.Type),
			Price:        rep.Signal.Price,
			Disposition:  string(rep.Disposition),
			Detail:       rep.Detail,
			Metadata:     rep.Signal.Metadata,
			CreatedAt:    now,
		})
	}
	for attempt := 0; ; attempt++ {
		err := c.repo.SaveCycle(ctx, work, expected, history)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrStale) {
			return res, fmt.Errorf("persist cycle for %s: %w", work.ID, err)
		}
		// owner 在周期内修改了部署：读取最新行，叠加本周期的引擎字段后重试
		fresh, lerr := c.repo.Load(ctx, work.ID)
		if errors.Is(lerr, store.ErrNotFound) {
			return c.discard(ctx, res, "deployment deleted mid-cycle")
		}
		if lerr != nil {
			return res, fmt.Errorf("reload %s after conflict: %w", work.ID, lerr)
		}
		if fresh.Status == deployment.StatusStopped {
			return c.discard(ctx, res, "deployment stopped mid-cycle")
		}
		if attempt >= staleRetries {
			return c.discard(ctx, res, "too many concurrent updates")
		}
		owner := fresh.Clone()
		rebase(fresh, base, work)
		if err := fresh.Validate(); err != nil {
			return c.abortInvariant(ctx, res, err)
		}
		fresh.UpdatedAt = now
		base, work, expected = owner, fresh, fresh.Version
		res.Rebased = true
		logger.Infof("cycle re-applied onto owner update deployment=%s version=%d trace=%s", work.ID, expected, res.TraceID)
	}
	res.Persisted = true
	res.Status = work.Status
	res.CircuitState = work.Circuit.State
	for _, tr := range res.Transitions {
		c.observer.CircuitTransition(work.Kind, tr)
		if tr.To == circuit.StateOpen {
			logger.Warnf("circuit %s deployment=%s kind=%s failures=%d/%d: %s",
				tr, work.ID, work.Kind, work.Circuit.ConsecutiveFailures, work.Circuit.FailureThreshold, work.ErrorMessage)
		} else {
			logger.Infof("circuit %s deployment=%s kind=%s", tr, work.ID, work.Kind)
		}
	}
	c.finish(ctx, &res)
	return res, nil
}

func (c *Controller) discard(ctx context.Context, res CycleResult, reason string) (CycleResult, error) {
	logger.Warnf("cycle result discarded deployment=%s trace=%s: %s", res.DeploymentID, res.TraceID, reason)
	res.Discarded = true
	c.finish(ctx, &res)
	return res, nil
}

// rebase copies the fields the engine owns from work onto fresh. Status,
// error message and the pending limit keep the owner's value whenever the
// owner changed them relative to base.
func rebase(fresh, base, work *deployment.Deployment) {
	fresh.Circuit = work.Circuit
	fresh.Dedup = work.Dedup
	fresh.TriggerCount = work.TriggerCount
	fresh.LastCheckedAt = work.LastCheckedAt
	fresh.Quota.DailyCount = work.Quota.DailyCount
	fresh.Quota.LastDailyReset = work.Quota.LastDailyReset
	if !work.Quota.LastDailyReset.Equal(base.Quota.LastDailyReset) {
		// 本周期发生了日切，待生效上限已被提升
		fresh.Quota.DailyLimit = work.Quota.DailyLimit
		if samePending(fresh.Quota, base.Quota) {
			fresh.Quota.PendingDailyLimit = work.Quota.PendingDailyLimit
			fresh.Quota.HasPendingLimit = work.Quota.HasPendingLimit
		}
	}
	if fresh.Status == base.Status {
		fresh.Status = work.Status
	}
	if fresh.ErrorMessage == base.ErrorMessage {
		fresh.ErrorMessage = work.ErrorMessage
	}
}

func samePending(a, b quota.State) bool {
	if a.HasPendingLimit != b.HasPendingLimit {
		return false
	}
	if a.PendingDailyLimit == nil || b.PendingDailyLimit == nil {
		return a.PendingDailyLimit == b.PendingDailyLimit
	}
	return *a.PendingDailyLimit == *b.PendingDailyLimit
}

func (c *Controller) abortInvariant(ctx context.Context, res CycleResult, err error) (CycleResult, error) {
	res.Outcome = OutcomeInvariantViolation
	res.Error = err.Error()
	res.Transitions = nil
	logger.Errorf("cycle aborted deployment=%s kind=%s trace=%s: %v", res.DeploymentID, res.Kind, res.TraceID, err)
	c.observer.InvariantViolated(res.Kind)
	c.finish(ctx, &res)
	return res, err
}

func (c *Controller) finish(ctx context.Context, res *CycleResult) {
	c.observer.CycleCompleted(*res)
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(context.WithoutCancel(ctx), *res); err != nil {
		logger.Warnf("journal write failed deployment=%s: %v", res.DeploymentID, err)
	}
}

// normalizeSignals upper-cases symbols and fills an empty symbol when the
// deployment watches exactly one. HOLD and unknown types are dropped.
func normalizeSignals(in []signal.Signal, symbols []string) []signal.Signal {
	out := make([]signal.Signal, 0, len(in))
	for _, s := range in {
		t, err := signal.ParseType(string(s.Type))
		if err != nil {
			logger.Warnf("dropping signal: %v", err)
			continue
		}
		if t == signal.Hold {
			continue
		}
		s.Type = t
		s.Symbol = deployment.NormalizeSymbol(s.Symbol)
		if s.Symbol == "" && len(symbols) == 1 {
			s.Symbol = symbols[0]
		}
		out = append(out, s)
	}
	return out
}
