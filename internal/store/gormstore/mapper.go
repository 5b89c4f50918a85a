package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"warden/internal/dedup"
	"warden/internal/deployment"
	"warden/internal/pkg/circuit"
	"warden/internal/quota"
	"warden/internal/store"

	"gorm.io/datatypes"
)

func newDeploymentModel(d *deployment.Deployment) (deploymentModel, error) {
	symbols, err := json.Marshal(d.Symbols)
	if err != nil {
		return deploymentModel{}, err
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	return deploymentModel{
		ID:          d.ID,
		StrategyID:  d.StrategyID,
		UserID:      d.UserID,
		Name:        d.Name,
		SymbolsJSON: datatypes.JSON(symbols),
		Kind:        string(d.Kind),
		Status:      string(d.Status),
		Tier:        string(d.Tier),

		ErrorMessage:  d.ErrorMessage,
		TriggerCount:  d.TriggerCount,
		LastCheckedAt: timeToMillis(d.LastCheckedAt),

		CircuitState:         d.Circuit.State.String(),
		ConsecutiveFailures:  d.Circuit.ConsecutiveFailures,
		ConsecutiveSuccesses: d.Circuit.ConsecutiveSuccesses,
		CircuitOpenedAt:      timeToMillis(d.Circuit.OpenedAt),
		FailureThreshold:     d.Circuit.FailureThreshold,

		DailyCount:                 d.Quota.DailyCount,
		DailyLimit:                 copyInt(d.Quota.DailyLimit),
		LastDailyReset:             zeroableMillis(d.Quota.LastDailyReset),
		EvaluationFrequencyMinutes: d.Quota.EvaluationFrequencyMinutes,
		PendingDailyLimit:          copyInt(d.Quota.PendingDailyLimit),
		HasPendingLimit:            d.Quota.HasPendingLimit,

		LastSignalType:   d.Dedup.LastSignalType,
		LastSignalSymbol: d.Dedup.LastSignalSymbol,
		LastTriggeredAt:  timeToMillis(d.Dedup.LastTriggeredAt),
		CooldownMinutes:  d.Dedup.CooldownMinutes,

		Environment:   string(d.Execution.Environment),
		SimulatedMode: d.Execution.SimulatedMode,
		StakeUSD:      d.Execution.StakeUSD,
		Exchange:      d.Execution.Exchange,

		Version:       d.Version,
		CreatedAtUnix: d.CreatedAt.UnixMilli(),
		UpdatedAtUnix: d.UpdatedAt.UnixMilli(),
	}, nil
}

func deploymentModelToDomain(m deploymentModel) (*deployment.Deployment, error) {
	var symbols []string
	if len(m.SymbolsJSON) > 0 {
		if err := json.Unmarshal(m.SymbolsJSON, &symbols); err != nil {
			return nil, fmt.Errorf("decode symbols: %w", err)
		}
	}
	state, err := circuit.ParseState(m.CircuitState)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deployment.ErrInvariant, err)
	}
	// 枚举原样保留，非法值交给 Validate 报告
	return &deployment.Deployment{
		ID:         m.ID,
		StrategyID: m.StrategyID,
		UserID:     m.UserID,
		Name:       m.Name,
		Symbols:    symbols,
		Kind:       deployment.Kind(m.Kind),
		Status:     deployment.Status(m.Status),
		Tier:       deployment.Tier(m.Tier),

		ErrorMessage:  m.ErrorMessage,
		TriggerCount:  m.TriggerCount,
		LastCheckedAt: millisToTime(m.LastCheckedAt),

		Circuit: circuit.Record{
			State:                state,
			ConsecutiveFailures:  m.ConsecutiveFailures,
			ConsecutiveSuccesses: m.ConsecutiveSuccesses,
			OpenedAt:             millisToTime(m.CircuitOpenedAt),
			FailureThreshold:     m.FailureThreshold,
		},
		Quota: quota.State{
			DailyCount:                 m.DailyCount,
			DailyLimit:                 copyInt(m.DailyLimit),
			LastDailyReset:             zeroableTime(m.LastDailyReset),
			EvaluationFrequencyMinutes: m.EvaluationFrequencyMinutes,
			PendingDailyLimit:          copyInt(m.PendingDailyLimit),
			HasPendingLimit:            m.HasPendingLimit,
		},
		Dedup: dedup.State{
			LastSignalType:   m.LastSignalType,
			LastSignalSymbol: m.LastSignalSymbol,
			LastTriggeredAt:  millisToTime(m.LastTriggeredAt),
			CooldownMinutes:  m.CooldownMinutes,
		},
		Execution: deployment.Execution{
			Environment:   deployment.Environment(m.Environment),
			SimulatedMode: m.SimulatedMode,
			StakeUSD:      m.StakeUSD,
			Exchange:      m.Exchange,
		},
		Version:   m.Version,
		CreatedAt: time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt: time.UnixMilli(m.UpdatedAtUnix),
	}, nil
}

func newSignalHistoryModel(rec store.SignalRecord) (signalHistoryModel, error) {
	meta := []byte("{}")
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return signalHistoryModel{}, fmt.Errorf("encode signal metadata: %w", err)
		}
		meta = raw
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return signalHistoryModel{
		DeploymentID:  rec.DeploymentID,
		TraceID:       rec.TraceID,
		Symbol:        rec.Symbol,
		SignalType:    rec.SignalType,
		Price:         rec.Price,
		Disposition:   rec.Disposition,
		Detail:        rec.Detail,
		MetadataJSON:  datatypes.JSON(meta),
		CreatedAtUnix: created.UnixMilli(),
	}, nil
}

func signalHistoryModelToRecord(m signalHistoryModel) store.SignalRecord {
	rec := store.SignalRecord{
		ID:           m.ID,
		DeploymentID: m.DeploymentID,
		TraceID:      m.TraceID,
		Symbol:       m.Symbol,
		SignalType:   m.SignalType,
		Price:        m.Price,
		Disposition:  m.Disposition,
		Detail:       m.Detail,
		CreatedAt:    time.UnixMilli(m.CreatedAtUnix),
	}
	if len(m.MetadataJSON) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(m.MetadataJSON, &meta); err == nil && len(meta) > 0 {
			rec.Metadata = meta
		}
	}
	return rec
}

// --------------------------- Helper Functions ------------------------------------

func timeToMillis(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func millisToTime(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMilli(*v)
	return &t
}

func zeroableMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func zeroableTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
