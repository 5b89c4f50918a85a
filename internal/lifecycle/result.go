package lifecycle

import (
	"time"

	"warden/internal/deployment"
	"warden/internal/pkg/circuit"
	"warden/internal/signal"
)

type Outcome string

const (
	OutcomeSkippedInactive    Outcome = "skipped_inactive"
	OutcomeSkippedCircuitOpen Outcome = "skipped_circuit_open"
	OutcomeEvaluationFailed   Outcome = "evaluation_failed"
	OutcomeHold               Outcome = "hold"
	OutcomeSignals            Outcome = "signals"
	OutcomeInvariantViolation Outcome = "invariant_violation"
)

// Disposition 表示单个非 HOLD 信号的处理结果。
type Disposition string

const (
	DispositionDelivered      Disposition = "delivered"
	DispositionDeliveryFailed Disposition = "delivery_failed"
	DispositionQuotaExceeded  Disposition = "quota_exceeded"
	DispositionCooldown       Disposition = "cooldown"
	DispositionDuplicate      Disposition = "duplicate"

	// 周期内 owner 暂停或停止了部署，信号未投递
	DispositionSkippedInactive Disposition = "skipped_inactive"
)

// Counted reports whether the signal consumed quota.
func (d Disposition) Counted() bool {
	return d == DispositionDelivered || d == DispositionDeliveryFailed
}

type SignalReport struct {
	Signal      signal.Signal `json:"signal"`
	Disposition Disposition   `json:"disposition"`
	Detail      string        `json:"detail,omitempty"`
}

// CycleResult summarises one RunCycle call.
type CycleResult struct {
	DeploymentID string               `json:"deployment_id"`
	Kind         deployment.Kind      `json:"kind"`
	TraceID      string               `json:"trace_id"`
	At           time.Time            `json:"at"`
	Outcome      Outcome              `json:"outcome"`
	Status       deployment.Status    `json:"status"`
	CircuitState circuit.State        `json:"-"`
	Transitions  []circuit.Transition `json:"-"`
	QuotaReset   bool                 `json:"quota_reset"`
	Signals      []SignalReport       `json:"signals,omitempty"`
	Error        string               `json:"error,omitempty"`
	// Persisted is false for no-op cycles and for results discarded because an
	// owner changed the deployment mid-cycle.
	Persisted bool `json:"persisted"`
	Discarded bool `json:"discarded"`

	// Rebased marks a result re-applied onto a row an owner changed mid-cycle.
	Rebased bool `json:"rebased"`
}

// Delivered 统计本周期计入配额的信号数。
func (r CycleResult) Delivered() int {
	n := 0
	for _, s := range r.Signals {
		if s.Disposition.Counted() {
			n++
		}
	}
	return n
}
