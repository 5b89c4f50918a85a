package circuit

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultResetTimeout      = 30 * time.Minute
	DefaultRecoveryThreshold = 1
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ParseState 接受 CLOSED/OPEN/HALF_OPEN（兼容 HALF-OPEN 写法）。
func ParseState(raw string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CLOSED", "":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	case "HALF_OPEN", "HALF-OPEN", "HALFOPEN":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", raw)
	}
}

// Record 是持久化在部署上的熔断器状态，Breaker 只负责按规则推进它。
type Record struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             *time.Time
	FailureThreshold     int
}

// Validate checks the structural invariants of a persisted record.
func (r Record) Validate() error {
	if r.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be > 0, got %d", r.FailureThreshold)
	}
	if r.ConsecutiveFailures < 0 || r.ConsecutiveSuccesses < 0 {
		return fmt.Errorf("negative circuit counters (failures=%d successes=%d)", r.ConsecutiveFailures, r.ConsecutiveSuccesses)
	}
	switch r.State {
	case StateOpen, StateHalfOpen:
		if r.OpenedAt == nil || r.OpenedAt.IsZero() {
			return fmt.Errorf("circuit %s without opened_at", r.State)
		}
	case StateClosed:
		if r.ConsecutiveFailures >= r.FailureThreshold {
			return fmt.Errorf("circuit CLOSED with %d failures at threshold %d", r.ConsecutiveFailures, r.FailureThreshold)
		}
	default:
		return fmt.Errorf("unknown circuit state %d", int(r.State))
	}
	return nil
}

// Transition 描述一次操作前后的状态。
type Transition struct {
	From State
	To   State
}

func (t Transition) Changed() bool { return t.From != t.To }

// Opened reports whether the breaker just tripped (CLOSED->OPEN or HALF_OPEN->OPEN).
func (t Transition) Opened() bool { return t.Changed() && t.To == StateOpen }

// Recovered reports a HALF_OPEN->CLOSED transition.
func (t Transition) Recovered() bool { return t.From == StateHalfOpen && t.To == StateClosed }

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}

// Breaker 是无锁的纯状态机：所有时间由调用方传入，状态由调用方持久化。
type Breaker struct {
	ResetTimeout      time.Duration
	RecoveryThreshold int

	onStateChange func(from, to State, rec Record)
}

func NewBreaker(resetTimeout time.Duration, recoveryThreshold int) Breaker {
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	if recoveryThreshold <= 0 {
		recoveryThreshold = DefaultRecoveryThreshold
	}
	return Breaker{ResetTimeout: resetTimeout, RecoveryThreshold: recoveryThreshold}
}

// WithStateChangeHandler returns a copy whose transitions are reported to handler.
func (b Breaker) WithStateChangeHandler(handler func(from, to State, rec Record)) Breaker {
	b.onStateChange = handler
	return b
}

// Allow decides whether an evaluation may run at now. An OPEN record whose
// reset timeout elapsed moves to HALF_OPEN and admits one trial.
func (b Breaker) Allow(rec *Record, now time.Time) (bool, Transition) {
	t := Transition{From: rec.State, To: rec.State}
	switch rec.State {
	case StateOpen:
		if rec.OpenedAt != nil && now.Sub(*rec.OpenedAt) >= b.resetTimeout() {
			rec.ConsecutiveSuccesses = 0
			b.transition(rec, &t, StateHalfOpen)
			return true, t
		}
		return false, t
	default:
		return true, t
	}
}

// RemainingOpen 返回 OPEN 状态距离半开还需等待的时间。
func (b Breaker) RemainingOpen(rec Record, now time.Time) time.Duration {
	if rec.State != StateOpen || rec.OpenedAt == nil {
		return 0
	}
	left := b.resetTimeout() - now.Sub(*rec.OpenedAt)
	if left < 0 {
		return 0
	}
	return left
}

func (b Breaker) RecordSuccess(rec *Record, now time.Time) Transition {
	t := Transition{From: rec.State, To: rec.State}
	switch rec.State {
	case StateClosed:
		rec.ConsecutiveFailures = 0
		rec.ConsecutiveSuccesses++
	case StateHalfOpen:
		rec.ConsecutiveSuccesses++
		if rec.ConsecutiveSuccesses >= b.recoveryThreshold() {
			rec.ConsecutiveFailures = 0
			rec.OpenedAt = nil
			b.transition(rec, &t, StateClosed)
		}
	}
	return t
}

func (b Breaker) RecordFailure(rec *Record, now time.Time) Transition {
	t := Transition{From: rec.State, To: rec.State}
	switch rec.State {
	case StateClosed:
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= rec.FailureThreshold {
			opened := now
			rec.OpenedAt = &opened
			rec.ConsecutiveSuccesses = 0
			b.transition(rec, &t, StateOpen)
		}
	case StateHalfOpen:
		rec.ConsecutiveFailures++
		opened := now
		rec.OpenedAt = &opened
		rec.ConsecutiveSuccesses = 0
		b.transition(rec, &t, StateOpen)
	}
	// OPEN: 调用方不应在 OPEN 时评估，保持原状
	return t
}

func (b Breaker) transition(rec *Record, t *Transition, to State) {
	rec.State = to
	t.To = to
	if b.onStateChange != nil && t.Changed() {
		b.onStateChange(t.From, t.To, *rec)
	}
}

func (b Breaker) resetTimeout() time.Duration {
	if b.ResetTimeout <= 0 {
		return DefaultResetTimeout
	}
	return b.ResetTimeout
}

func (b Breaker) recoveryThreshold() int {
	if b.RecoveryThreshold <= 0 {
		return DefaultRecoveryThreshold
	}
	return b.RecoveryThreshold
}
