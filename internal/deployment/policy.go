package deployment

import (
	"fmt"
	"strings"
	"time"

	"warden/internal/dedup"
	"warden/internal/pkg/circuit"
	"warden/internal/quota"

	"github.com/shopspring/decimal"
)

// Policy 是 (kind, tier) 对应的一组默认阈值。
type Policy struct {
	FailureThreshold           int
	CooldownMinutes            int
	EvaluationFrequencyMinutes int
	DailyLimit                 *int
}

func (p Policy) validate() error {
	if p.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be > 0")
	}
	if p.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must be >= 0")
	}
	if p.EvaluationFrequencyMinutes <= 0 {
		return fmt.Errorf("evaluation_frequency_minutes must be > 0")
	}
	if p.DailyLimit != nil && *p.DailyLimit < 0 {
		return fmt.Errorf("daily_limit must be >= 0")
	}
	return nil
}

type PolicyTable map[Kind]map[Tier]Policy

// DefaultPolicies returns the built-in table: failure threshold 5 for alerts
// and 3 for bots; cooldown and frequency of 15/5/1 minutes for FREE/STARTER/PRO.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		KindAlert: {
			TierFree:    {FailureThreshold: 5, CooldownMinutes: 15, EvaluationFrequencyMinutes: 15, DailyLimit: quota.Limit(10)},
			TierStarter: {FailureThreshold: 5, CooldownMinutes: 5, EvaluationFrequencyMinutes: 5, DailyLimit: quota.Limit(50)},
			TierPro:     {FailureThreshold: 5, CooldownMinutes: 1, EvaluationFrequencyMinutes: 1},
		},
		KindBot: {
			TierFree:    {FailureThreshold: 3, CooldownMinutes: 15, EvaluationFrequencyMinutes: 15, DailyLimit: quota.Limit(5)},
			TierStarter: {FailureThreshold: 3, CooldownMinutes: 5, EvaluationFrequencyMinutes: 5, DailyLimit: quota.Limit(25)},
			TierPro:     {FailureThreshold: 3, CooldownMinutes: 1, EvaluationFrequencyMinutes: 1},
		},
	}
}

func (t PolicyTable) Lookup(kind Kind, tier Tier) (Policy, error) {
	byTier, ok := t[kind]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for kind %s", kind)
	}
	p, ok := byTier[tier]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for %s/%s", kind, tier)
	}
	return p, nil
}

// Set overrides one cell after validating it.
func (t PolicyTable) Set(kind Kind, tier Tier, p Policy) error {
	if err := p.validate(); err != nil {
		return fmt.Errorf("policy %s/%s: %w", kind, tier, err)
	}
	if t[kind] == nil {
		t[kind] = make(map[Tier]Policy)
	}
	t[kind][tier] = p
	return nil
}

// CreateParams 是创建部署时调用方提供的字段。
type CreateParams struct {
	ID         string
	StrategyID string
	UserID     string
	Name       string
	Symbols    []string
	Kind       Kind
	Tier       Tier
	Execution  Execution
}

// New builds an ACTIVE deployment with zeroed counters from the policy row
// for (kind, tier).
func New(params CreateParams, policies PolicyTable, now time.Time) (*Deployment, error) {
	if strings.TrimSpace(params.ID) == "" {
		return nil, fmt.Errorf("deployment id is required")
	}
	if strings.TrimSpace(params.StrategyID) == "" {
		return nil, fmt.Errorf("strategy id is required")
	}
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("unknown deployment kind %q", params.Kind)
	}
	if !params.Tier.Valid() {
		return nil, fmt.Errorf("unknown subscription tier %q", params.Tier)
	}
	symbols := NormalizeSymbols(params.Symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	p, err := policies.Lookup(params.Kind, params.Tier)
	if err != nil {
		return nil, err
	}
	exec := params.Execution
	if params.Kind == KindBot {
		if exec.Environment == "" {
			exec.Environment = EnvPaper
		}
		if exec.StakeUSD.IsNegative() {
			return nil, fmt.Errorf("stake must be >= 0")
		}
	} else {
		exec = Execution{StakeUSD: decimal.Zero}
	}
	d := &Deployment{
		ID:         strings.TrimSpace(params.ID),
		StrategyID: strings.TrimSpace(params.StrategyID),
		UserID:     strings.TrimSpace(params.UserID),
		Name:       strings.TrimSpace(params.Name),
		Symbols:    symbols,
		Kind:       params.Kind,
		Status:     StatusActive,
		Tier:       params.Tier,
		Circuit: circuit.Record{
			State:            circuit.StateClosed,
			FailureThreshold: p.FailureThreshold,
		},
		Quota: quota.State{
			DailyLimit:                 cloneInt(p.DailyLimit),
			LastDailyReset:             now,
			EvaluationFrequencyMinutes: p.EvaluationFrequencyMinutes,
		},
		Dedup:     dedup.State{CooldownMinutes: p.CooldownMinutes},
		Execution: exec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
