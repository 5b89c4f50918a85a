package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/deployment"
	"warden/internal/logger"
	"warden/internal/quota"
	"warden/internal/store"
)

// ActionResult 是 owner 操作的返回，Message 面向用户展示。
type ActionResult struct {
	Deployment *deployment.Deployment
	Changed    bool
	Message    string
}

// Pause moves any non-STOPPED deployment to PAUSED. Circuit and quota state
// are untouched.
func (c *Controller) Pause(ctx context.Context, id string, now time.Time) (ActionResult, error) {
	return c.apply(ctx, id, now, "pause", func(d *deployment.Deployment) (bool, error) {
		if d.Status == deployment.StatusStopped {
			return false, ErrTerminal
		}
		if d.Status == deployment.StatusPaused {
			return false, nil
		}
		d.Status = deployment.StatusPaused
		return true, nil
	})
}

// Resume moves the deployment to ACTIVE and clears the error message. Circuit
// counters are kept, so a still-broken strategy re-trips quickly.
func (c *Controller) Resume(ctx context.Context, id string, now time.Time) (ActionResult, error) {
	return c.apply(ctx, id, now, "resume", func(d *deployment.Deployment) (bool, error) {
		if d.Status == deployment.StatusStopped {
			return false, ErrTerminal
		}
		if d.Status == deployment.StatusActive && d.ErrorMessage == "" {
			return false, nil
		}
		d.Status = deployment.StatusActive
		d.ErrorMessage = ""
		return true, nil
	})
}

// Stop is terminal.
func (c *Controller) Stop(ctx context.Context, id string, now time.Time) (ActionResult, error) {
	return c.apply(ctx, id, now, "stop", func(d *deployment.Deployment) (bool, error) {
		if d.Status == deployment.StatusStopped {
			return false, nil
		}
		d.Status = deployment.StatusStopped
		return true, nil
	})
}

// ClearError drops the error message and turns ERROR back into ACTIVE.
// STOPPED deployments are left alone.
func (c *Controller) ClearError(ctx context.Context, id string, now time.Time) (ActionResult, error) {
	return c.apply(ctx, id, now, "clear-error", func(d *deployment.Deployment) (bool, error) {
		if d.Status == deployment.StatusStopped {
			return false, nil
		}
		changed := d.ErrorMessage != ""
		d.ErrorMessage = ""
		if d.Status == deployment.StatusError {
			d.Status = deployment.StatusActive
			changed = true
		}
		return changed, nil
	})
}

// UpdateDailyLimit schedules a new daily limit (nil = unlimited); it applies
// at the next daily reset.
func (c *Controller) UpdateDailyLimit(ctx context.Context, id string, limit *int, now time.Time) (ActionResult, error) {
	return c.apply(ctx, id, now, "update-limit", func(d *deployment.Deployment) (bool, error) {
		if d.Status == deployment.StatusStopped {
			return false, ErrTerminal
		}
		if err := quota.ScheduleLimitChange(&d.Quota, limit); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return true, nil
	})
}

func (c *Controller) apply(ctx context.Context, id string, now time.Time, action string, mutate store.Mutator) (ActionResult, error) {
	var changed bool
	d, err := c.repo.UpdateLifecycle(ctx, id, func(d *deployment.Deployment) (bool, error) {
		ok, err := mutate(d)
		if err != nil || !ok {
			return ok, err
		}
		d.UpdatedAt = now
		changed = true
		return true, nil
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("%s %s: %w", action, id, err)
	}
	if changed {
		logger.Infof("deployment %s %s -> status=%s", id, action, d.Status)
	}
	return ActionResult{Deployment: d, Changed: changed, Message: StatusMessage(d.Kind, d.Status)}, nil
}

// StatusMessage 返回展示给用户的状态说明。
func StatusMessage(kind deployment.Kind, status deployment.Status) string {
	noun, effect := "Alert", "no notifications will be sent"
	if kind == deployment.KindBot {
		noun, effect = "Bot", "no trades will be executed"
	}
	switch status {
	case deployment.StatusPaused:
		return fmt.Sprintf("%s paused - %s", noun, effect)
	case deployment.StatusActive:
		return fmt.Sprintf("%s resumed - monitoring for signals", noun)
	case deployment.StatusStopped:
		return fmt.Sprintf("%s stopped permanently", noun)
	case deployment.StatusError:
		return fmt.Sprintf("%s halted by errors - clear the error or resume to retry", noun)
	default:
		return fmt.Sprintf("%s status %s", noun, strings.ToLower(string(status)))
	}
}

// Create builds a deployment from the policy table and persists it.
func (c *Controller) Create(ctx context.Context, params deployment.CreateParams, now time.Time) (*deployment.Deployment, error) {
	d, err := deployment.New(params, c.policies, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.repo.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create deployment %s: %w", d.ID, err)
	}
	logger.Infof("deployment %s created kind=%s tier=%s symbols=%s", d.ID, d.Kind, d.Tier, strings.Join(d.Symbols, ","))
	return d, nil
}

func (c *Controller) Get(ctx context.Context, id string) (*deployment.Deployment, error) {
	return c.repo.Load(ctx, id)
}

// Delete soft-deletes the deployment. The engine never deletes on its own.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	logger.Infof("deployment %s deleted", id)
	return nil
}

func (c *Controller) Signals(ctx context.Context, id string, limit int) ([]store.SignalRecord, error) {
	if _, err := c.repo.Load(ctx, id); err != nil {
		return nil, err
	}
	return c.repo.ListSignals(ctx, id, limit)
}

// Diagnostics is the read-only view of internal counters for support tooling.
type Diagnostics struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Tier         string `json:"tier"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	TriggerCount int    `json:"trigger_count"`

	CircuitState         string     `json:"circuit_state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	FailureThreshold     int        `json:"failure_threshold"`
	CircuitOpenedAt      *time.Time `json:"circuit_opened_at,omitempty"`
	CircuitRetryIn       string     `json:"circuit_retry_in,omitempty"`

	DailyCount        int       `json:"daily_count"`
	DailyLimit        *int      `json:"daily_limit"`
	DailyRemaining    *int      `json:"daily_remaining"`
	LastDailyReset    time.Time `json:"last_daily_reset"`
	PendingDailyLimit *int      `json:"pending_daily_limit,omitempty"`
	FrequencyMinutes  int       `json:"evaluation_frequency_minutes"`
	NextEvaluationDue bool      `json:"next_evaluation_due"`

	LastSignalType    string     `json:"last_signal_type,omitempty"`
	LastSignalSymbol  string     `json:"last_signal_symbol,omitempty"`
	LastTriggeredAt   *time.Time `json:"last_triggered_at,omitempty"`
	CooldownMinutes   int        `json:"cooldown_minutes"`
	CooldownRemaining string     `json:"cooldown_remaining,omitempty"`

	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	Version       int64      `json:"version"`
}

func (c *Controller) Diagnostics(ctx context.Context, id string, now time.Time) (Diagnostics, error) {
	d, err := c.repo.Load(ctx, id)
	if err != nil {
		return Diagnostics{}, err
	}
	diag := Diagnostics{
		ID:                   d.ID,
		Kind:                 string(d.Kind),
		Tier:                 string(d.Tier),
		Status:               string(d.Status),
		ErrorMessage:         d.ErrorMessage,
		TriggerCount:         d.TriggerCount,
		CircuitState:         d.Circuit.State.String(),
		ConsecutiveFailures:  d.Circuit.ConsecutiveFailures,
		ConsecutiveSuccesses: d.Circuit.ConsecutiveSuccesses,
		FailureThreshold:     d.Circuit.FailureThreshold,
		CircuitOpenedAt:      d.Circuit.OpenedAt,
		DailyCount:           d.Quota.DailyCount,
		DailyLimit:           d.Quota.DailyLimit,
		LastDailyReset:       d.Quota.LastDailyReset,
		FrequencyMinutes:     d.Quota.EvaluationFrequencyMinutes,
		NextEvaluationDue:    c.tracker.IsDue(d.Quota, d.LastCheckedAt, now),
		LastSignalType:       d.Dedup.LastSignalType,
		LastSignalSymbol:     d.Dedup.LastSignalSymbol,
		LastTriggeredAt:      d.Dedup.LastTriggeredAt,
		CooldownMinutes:      d.Dedup.CooldownMinutes,
		LastCheckedAt:        d.LastCheckedAt,
		Version:              d.Version,
	}
	if left := c.breaker.RemainingOpen(d.Circuit, now); left > 0 {
		diag.CircuitRetryIn = left.Round(time.Second).String()
	}
	if left, limited := c.tracker.Remaining(d.Quota); limited {
		diag.DailyRemaining = &left
	}
	if d.Quota.HasPendingLimit {
		if d.Quota.PendingDailyLimit != nil {
			diag.PendingDailyLimit = d.Quota.PendingDailyLimit
		} else {
			unlimited := -1
			diag.PendingDailyLimit = &unlimited
		}
	}
	if v := c.gate.Check(d.Dedup, "", "", now); v.Remaining > 0 {
		diag.CooldownRemaining = v.Remaining.Round(time.Second).String()
	}
	return diag, nil
}
