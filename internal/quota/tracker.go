// Package quota 管理部署的每日触发配额与评估频率。
package quota

import (
	"fmt"
	"time"
)

// State 持久化在部署上的配额字段。
type State struct {
	DailyCount                 int
	DailyLimit                 *int
	LastDailyReset             time.Time
	EvaluationFrequencyMinutes int

	// 日内修改的上限在下一次重置时生效
	PendingDailyLimit *int
	HasPendingLimit   bool
}

func (s State) Validate() error {
	if s.DailyCount < 0 {
		return fmt.Errorf("negative daily count %d", s.DailyCount)
	}
	if s.DailyLimit != nil && *s.DailyLimit < 0 {
		return fmt.Errorf("negative daily limit %d", *s.DailyLimit)
	}
	if s.HasPendingLimit && s.PendingDailyLimit != nil && *s.PendingDailyLimit < 0 {
		return fmt.Errorf("negative pending daily limit %d", *s.PendingDailyLimit)
	}
	if s.EvaluationFrequencyMinutes <= 0 {
		return fmt.Errorf("evaluation frequency must be > 0, got %d", s.EvaluationFrequencyMinutes)
	}
	return nil
}

// Tracker evaluates quota rules against a State. Calendar days are computed
// in Location (time.Local when nil).
type Tracker struct {
	Location *time.Location
}

func NewTracker(loc *time.Location) Tracker {
	return Tracker{Location: loc}
}

func (t Tracker) loc() *time.Location {
	if t.Location == nil {
		return time.Local
	}
	return t.Location
}

// ShouldReset reports whether now falls on a different local calendar date
// than the last reset. A never-reset state always needs one.
func (t Tracker) ShouldReset(s State, now time.Time) bool {
	if s.LastDailyReset.IsZero() {
		return true
	}
	ny, nm, nd := now.In(t.loc()).Date()
	ly, lm, ld := s.LastDailyReset.In(t.loc()).Date()
	return ny != ly || nm != lm || nd != ld
}

// ResetIfNeeded zeroes the daily counter on a new day and promotes any
// pending limit change. It returns true when a reset happened.
func (t Tracker) ResetIfNeeded(s *State, now time.Time) bool {
	if !t.ShouldReset(*s, now) {
		return false
	}
	s.DailyCount = 0
	s.LastDailyReset = now
	if s.HasPendingLimit {
		s.DailyLimit = copyLimit(s.PendingDailyLimit)
		s.PendingDailyLimit = nil
		s.HasPendingLimit = false
	}
	return true
}

func (t Tracker) IsLimitReached(s State) bool {
	return s.DailyLimit != nil && s.DailyCount >= *s.DailyLimit
}

// RecordTrigger 增加当日计数与生命周期计数。
func (t Tracker) RecordTrigger(s *State, lifetime *int) {
	s.DailyCount++
	if lifetime != nil {
		*lifetime++
	}
}

// Remaining returns the triggers left today; limited is false for unlimited tiers.
func (t Tracker) Remaining(s State) (remaining int, limited bool) {
	if s.DailyLimit == nil {
		return 0, false
	}
	left := *s.DailyLimit - s.DailyCount
	if left < 0 {
		left = 0
	}
	return left, true
}

func (t Tracker) EvaluationInterval(s State) time.Duration {
	if s.EvaluationFrequencyMinutes <= 0 {
		return 0
	}
	return time.Duration(s.EvaluationFrequencyMinutes) * time.Minute
}

// IsDue reports whether a deployment last checked at lastChecked should be
// evaluated again at now.
func (t Tracker) IsDue(s State, lastChecked *time.Time, now time.Time) bool {
	if lastChecked == nil || lastChecked.IsZero() {
		return true
	}
	return now.Sub(*lastChecked) >= t.EvaluationInterval(s)
}

// ScheduleLimitChange records a new daily limit (nil = unlimited) that takes
// effect at the next daily reset.
func ScheduleLimitChange(s *State, limit *int) error {
	if limit != nil && *limit < 0 {
		return fmt.Errorf("daily limit must be >= 0, got %d", *limit)
	}
	s.PendingDailyLimit = copyLimit(limit)
	s.HasPendingLimit = true
	return nil
}

func copyLimit(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Limit is a helper for building optional limits.
func Limit(n int) *int {
	return &n
}
