package lifecycle

import (
	"context"
	"time"

	"warden/internal/deployment"
	"warden/internal/pkg/circuit"
	"warden/internal/signal"
)

// Evaluator runs the deployment's strategy. Implementations must honour ctx;
// the controller enforces the timeout regardless.
type Evaluator interface {
	Evaluate(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error)
}

// Deliverer sends a notification (ALERT) or places an order (BOT).
type Deliverer interface {
	Deliver(ctx context.Context, d *deployment.Deployment, sig signal.Signal) error
}

// Journal 记录每个周期的结果，写入失败只记日志。
type Journal interface {
	Record(ctx context.Context, res CycleResult) error
}

// Observer receives engine events for metrics.
type Observer interface {
	CycleCompleted(res CycleResult)
	CircuitTransition(kind deployment.Kind, tr circuit.Transition)
	InvariantViolated(kind deployment.Kind)
	EvaluationDuration(kind deployment.Kind, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) CycleCompleted(CycleResult)                            {}
func (nopObserver) CircuitTransition(deployment.Kind, circuit.Transition) {}
func (nopObserver) InvariantViolated(deployment.Kind)                     {}
func (nopObserver) EvaluationDuration(deployment.Kind, time.Duration)     {}

type EvaluatorFunc func(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error) {
	return f(ctx, d)
}

type DelivererFunc func(ctx context.Context, d *deployment.Deployment, sig signal.Signal) error

func (f DelivererFunc) Deliver(ctx context.Context, d *deployment.Deployment, sig signal.Signal) error {
	return f(ctx, d, sig)
}
