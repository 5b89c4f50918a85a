// Package dedup implements the cooldown and duplicate-signal gate that runs
// before a signal is delivered.
package dedup

import (
	"fmt"
	"strings"
	"time"
)

// State 持久化在部署上的去重字段。
type State struct {
	LastSignalType   string
	LastSignalSymbol string
	LastTriggeredAt  *time.Time
	CooldownMinutes  int
}

func (s State) Validate() error {
	if s.CooldownMinutes < 0 {
		return fmt.Errorf("negative cooldown %d", s.CooldownMinutes)
	}
	return nil
}

func (s State) cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

type Reason string

const (
	ReasonAccepted  Reason = "accepted"
	ReasonCooldown  Reason = "cooldown"
	ReasonDuplicate Reason = "duplicate"
)

// Verdict 是一次检查的结果。Remaining 仅在冷却拒绝时有值。
type Verdict struct {
	Accepted  bool
	Reason    Reason
	Remaining time.Duration
}

// Gate applies the cooldown rule first, then the exact-repeat rule.
// AllowRepeatAfterWindows > 0 lets an identical signal through once that many
// cooldown windows have passed since the last trigger.
type Gate struct {
	AllowRepeatAfterWindows int
}

func NewGate(allowRepeatAfterWindows int) Gate {
	if allowRepeatAfterWindows < 0 {
		allowRepeatAfterWindows = 0
	}
	return Gate{AllowRepeatAfterWindows: allowRepeatAfterWindows}
}

// Check does not mutate state.
func (g Gate) Check(s State, signalType, symbol string, now time.Time) Verdict {
	signalType = normalize(signalType)
	symbol = normalize(symbol)
	var elapsed time.Duration
	if s.LastTriggeredAt != nil {
		elapsed = now.Sub(*s.LastTriggeredAt)
		if elapsed < s.cooldown() {
			return Verdict{Reason: ReasonCooldown, Remaining: s.cooldown() - elapsed}
		}
	}
	if s.LastSignalType != "" && signalType == normalize(s.LastSignalType) && symbol == normalize(s.LastSignalSymbol) {
		if !g.repeatAllowed(s, elapsed) {
			return Verdict{Reason: ReasonDuplicate}
		}
	}
	return Verdict{Accepted: true, Reason: ReasonAccepted}
}

func (g Gate) repeatAllowed(s State, elapsed time.Duration) bool {
	if g.AllowRepeatAfterWindows <= 0 || s.LastTriggeredAt == nil {
		return false
	}
	return elapsed >= time.Duration(g.AllowRepeatAfterWindows)*s.cooldown()
}

// Accept records the signal as the latest delivered one.
func (g Gate) Accept(s *State, signalType, symbol string, now time.Time) {
	at := now
	s.LastSignalType = normalize(signalType)
	s.LastSignalSymbol = normalize(symbol)
	s.LastTriggeredAt = &at
}

// Admit 等价于 Check 后在通过时 Accept。
func (g Gate) Admit(s *State, signalType, symbol string, now time.Time) Verdict {
	v := g.Check(*s, signalType, symbol, now)
	if v.Accepted {
		g.Accept(s, signalType, symbol, now)
	}
	return v
}

func normalize(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
