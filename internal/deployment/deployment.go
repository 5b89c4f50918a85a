// Package deployment defines the persisted model shared by alert and bot
// deployments together with its invariants and tier policies.
package deployment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"warden/internal/dedup"
	"warden/internal/pkg/circuit"
	"warden/internal/quota"

	"github.com/shopspring/decimal"
)

// ErrInvariant marks a persisted record that breaks a structural rule. It is
// never repaired automatically.
var ErrInvariant = errors.New("deployment invariant violated")

type Kind string

const (
	KindAlert Kind = "ALERT"
	KindBot   Kind = "BOT"
)

type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusPaused  Status = "PAUSED"
	StatusError   Status = "ERROR"
	StatusStopped Status = "STOPPED"
)

type Tier string

const (
	TierFree    Tier = "FREE"
	TierStarter Tier = "STARTER"
	TierPro     Tier = "PRO"
)

type Environment string

const (
	EnvPaper Environment = "PAPER"
	EnvLive  Environment = "LIVE"
)

// Execution 仅对 BOT 有意义，引擎本身不解释这些字段。
type Execution struct {
	Environment   Environment
	SimulatedMode bool
	StakeUSD      decimal.Decimal
	Exchange      string
}

type Deployment struct {
	ID         string
	StrategyID string
	UserID     string
	Name       string
	Symbols    []string
	Kind       Kind
	Status     Status
	Tier       Tier

	ErrorMessage  string
	TriggerCount  int
	LastCheckedAt *time.Time

	Circuit circuit.Record
	Quota   quota.State
	Dedup   dedup.State

	Execution Execution

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Runnable reports whether the scheduler may start a cycle for d.
func (d *Deployment) Runnable() bool {
	return d.Status == StatusActive || d.Status == StatusError
}

// Validate returns an error wrapping ErrInvariant on the first violation.
func (d *Deployment) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil deployment", ErrInvariant)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvariant, d.Kind)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, d.Status)
	}
	if d.TriggerCount < 0 {
		return fmt.Errorf("%w: negative trigger count %d", ErrInvariant, d.TriggerCount)
	}
	if err := d.Circuit.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if err := d.Quota.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if err := d.Dedup.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	return nil
}

// Clone returns a deep copy; pointer fields are not shared.
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	out := *d
	out.Symbols = append([]string(nil), d.Symbols...)
	out.LastCheckedAt = cloneTime(d.LastCheckedAt)
	out.Circuit.OpenedAt = cloneTime(d.Circuit.OpenedAt)
	out.Dedup.LastTriggeredAt = cloneTime(d.Dedup.LastTriggeredAt)
	out.Quota.DailyLimit = cloneInt(d.Quota.DailyLimit)
	out.Quota.PendingDailyLimit = cloneInt(d.Quota.PendingDailyLimit)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func (k Kind) Valid() bool { return k == KindAlert || k == KindBot }

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusError, StatusStopped:
		return true
	}
	return false
}

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStarter, TierPro:
		return true
	}
	return false
}

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown deployment kind %q", raw)
	}
	return k, nil
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown deployment status %q", raw)
	}
	return s, nil
}

// ParseTier 兼容原系统的 STRATEGIST 叫法（等同 PRO）。
func ParseTier(raw string) (Tier, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case "", "FREE":
		return TierFree, nil
	case "STARTER":
		return TierStarter, nil
	case "PRO", "STRATEGIST":
		return TierPro, nil
	}
	return "", fmt.Errorf("unknown subscription tier %q", raw)
}

func ParseEnvironment(raw string) (Environment, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "PAPER":
		return EnvPaper, nil
	case "LIVE":
		return EnvLive, nil
	}
	return "", fmt.Errorf("unknown environment %q", raw)
}

func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols upper-cases, trims, dedups and sorts symbols.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
