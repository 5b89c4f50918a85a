package deployment

import (
	"errors"
	"testing"
	"time"

	"warden/internal/pkg/circuit"
	"warden/internal/quota"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 7, 10, 8, 0, 0, 0, time.UTC)

func TestNew_AppliesPolicyRow(t *testing.T) {
	cases := []struct {
		kind      Kind
		tier      Tier
		threshold int
		freq      int
		unlimited bool
	}{
		{KindAlert, TierFree, 5, 15, false},
		{KindAlert, TierStarter, 5, 5, false},
		{KindAlert, TierPro, 5, 1, true},
		{KindBot, TierFree, 3, 15, false},
		{KindBot, TierPro, 3, 1, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind)+"/"+string(tc.tier), func(t *testing.T) {
			d, err := New(CreateParams{
				ID: "d1", StrategyID: "s1", UserID: "u1",
				Symbols: []string{"btc/usdt", " BTC/USDT ", "eth/usdt"},
				Kind:    tc.kind, Tier: tc.tier,
			}, DefaultPolicies(), now)
			require.NoError(t, err)
			assert.Equal(t, StatusActive, d.Status)
			assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, d.Symbols)
			assert.Equal(t, tc.threshold, d.Circuit.FailureThreshold)
			assert.Equal(t, tc.freq, d.Quota.EvaluationFrequencyMinutes)
			assert.Equal(t, tc.freq, d.Dedup.CooldownMinutes)
			assert.Equal(t, tc.unlimited, d.Quota.DailyLimit == nil)
			assert.Equal(t, 0, d.TriggerCount)
			assert.Equal(t, 0, d.Quota.DailyCount)
			assert.Equal(t, now, d.Quota.LastDailyReset)
		})
	}
}

func TestNew_RejectsBadInput(t *testing.T) {
	_, err := New(CreateParams{ID: "d1", StrategyID: "s1", Kind: KindAlert, Tier: TierFree}, nil, now)
	assert.Error(t, err)
	_, err = New(CreateParams{ID: "d1", StrategyID: "s1", Symbols: []string{"X"}, Kind: "FOO", Tier: TierFree}, nil, now)
	assert.Error(t, err)
	_, err = New(CreateParams{ID: "d1", StrategyID: "s1", Symbols: []string{"X"}, Kind: KindBot, Tier: TierFree,
		Execution: Execution{StakeUSD: decimal.NewFromInt(-5)}}, nil, now)
	assert.Error(t, err)
}

func TestNew_BotDefaultsToPaper(t *testing.T) {
	d, err := New(CreateParams{ID: "b1", StrategyID: "s1", Symbols: []string{"SOL/USDT"}, Kind: KindBot, Tier: TierStarter}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, EnvPaper, d.Execution.Environment)
}

func TestPolicyTable_Override(t *testing.T) {
	table := DefaultPolicies()
	err := table.Set(KindAlert, TierFree, Policy{FailureThreshold: 2, CooldownMinutes: 0, EvaluationFrequencyMinutes: 30, DailyLimit: quota.Limit(1)})
	require.NoError(t, err)
	p, err := table.Lookup(KindAlert, TierFree)
	require.NoError(t, err)
	assert.Equal(t, 2, p.FailureThreshold)

	assert.Error(t, table.Set(KindBot, TierPro, Policy{FailureThreshold: 0, EvaluationFrequencyMinutes: 1}))
	_, err = PolicyTable{}.Lookup(KindBot, TierPro)
	assert.Error(t, err)
}

func TestValidate_WrapsInvariant(t *testing.T) {
	d, err := New(CreateParams{ID: "d1", StrategyID: "s1", Symbols: []string{"AAPL"}, Kind: KindAlert, Tier: TierFree}, nil, now)
	require.NoError(t, err)

	bad := d.Clone()
	bad.Circuit.State = circuit.StateOpen
	err = bad.Validate()
	assert.True(t, errors.Is(err, ErrInvariant))

	bad = d.Clone()
	bad.Quota.DailyCount = -1
	assert.ErrorIs(t, bad.Validate(), ErrInvariant)

	bad = d.Clone()
	bad.TriggerCount = -3
	assert.ErrorIs(t, bad.Validate(), ErrInvariant)
}

func TestClone_IsDeep(t *testing.T) {
	d, err := New(CreateParams{ID: "d1", StrategyID: "s1", Symbols: []string{"AAPL"}, Kind: KindAlert, Tier: TierFree}, nil, now)
	require.NoError(t, err)
	checked := now
	d.LastCheckedAt = &checked

	c := d.Clone()
	c.Symbols[0] = "MSFT"
	*c.LastCheckedAt = now.Add(time.Hour)
	*c.Quota.DailyLimit = 99

	assert.Equal(t, "AAPL", d.Symbols[0])
	assert.Equal(t, now, *d.LastCheckedAt)
	assert.Equal(t, 10, *d.Quota.DailyLimit)
}

func TestParsers(t *testing.T) {
	tier, err := ParseTier("strategist")
	assert.NoError(t, err)
	assert.Equal(t, TierPro, tier)
	_, err = ParseKind("robot")
	assert.Error(t, err)
	st, err := ParseStatus("paused")
	assert.NoError(t, err)
	assert.Equal(t, StatusPaused, st)
}
