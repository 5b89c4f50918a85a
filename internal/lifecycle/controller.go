// Package lifecycle runs evaluation cycles for deployments and exposes the
// owner-facing control operations.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"warden/internal/dedup"
	"warden/internal/deployment"
	"warden/internal/pkg/circuit"
	"warden/internal/quota"
	"warden/internal/store"

	"github.com/google/uuid"
)

const (
	DefaultEvaluationTimeout = 30 * time.Second
	DefaultDeliveryTimeout   = 15 * time.Second
)

// Controller 组合熔断器、配额与去重门，驱动单个部署的评估周期。
// 同一部署同一时刻只允许一个 RunCycle，由调度器保证。
type Controller struct {
	repo      store.Repository
	evaluator Evaluator
	deliverer Deliverer

	breaker  circuit.Breaker
	tracker  quota.Tracker
	gate     dedup.Gate
	policies deployment.PolicyTable

	evalTimeout     time.Duration
	deliveryTimeout time.Duration

	journal  Journal
	observer Observer
}

type Option func(*Controller)

func WithBreaker(b circuit.Breaker) Option {
	return func(c *Controller) { c.breaker = b }
}

func WithTracker(t quota.Tracker) Option {
	return func(c *Controller) { c.tracker = t }
}

func WithGate(g dedup.Gate) Option {
	return func(c *Controller) { c.gate = g }
}

func WithPolicies(p deployment.PolicyTable) Option {
	return func(c *Controller) {
		if p != nil {
			c.policies = p
		}
	}
}

func WithEvaluationTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.evalTimeout = d
		}
	}
}

func WithDeliveryTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.deliveryTimeout = d
		}
	}
}

func WithJournal(j Journal) Option {
	return func(c *Controller) { c.journal = j }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

func NewController(repo store.Repository, evaluator Evaluator, deliverer Deliverer, opts ...Option) (*Controller, error) {
	if repo == nil {
		return nil, fmt.Errorf("lifecycle: repository is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("lifecycle: evaluator is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("lifecycle: deliverer is required")
	}
	c := &Controller{
		repo:            repo,
		evaluator:       evaluator,
		deliverer:       deliverer,
		breaker:         circuit.NewBreaker(circuit.DefaultResetTimeout, circuit.DefaultRecoveryThreshold),
		tracker:         quota.NewTracker(time.Local),
		gate:            dedup.NewGate(0),
		policies:        deployment.DefaultPolicies(),
		evalTimeout:     DefaultEvaluationTimeout,
		deliveryTimeout: DefaultDeliveryTimeout,
		observer:        nopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Tracker exposes the quota rules so the scheduler can gate frequency
// without duplicating tier logic.
func (c *Controller) Tracker() quota.Tracker { return c.tracker }

// Breaker exposes the circuit rules for diagnostics.
func (c *Controller) Breaker() circuit.Breaker { return c.breaker }

type traceKey struct{}

// WithTraceID attaches a trace id that RunCycle reports in its result.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func TraceIDFrom(ctx context.Context) string {
	if ctx != nil {
		if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
			return v
		}
	}
	return uuid.New().String()
}
