package store

import (
	"context"
	"errors"
	"time"

	"warden/internal/deployment"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when the deployment does not exist or was deleted.
	ErrNotFound = errors.New("deployment not found")
	// ErrStale is returned by SaveCycle when the row changed since it was loaded.
	ErrStale = errors.New("deployment changed since load")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("deployment already exists")
)

// Mutator 在事务内修改部署；返回 false 表示无需写入。
type Mutator func(d *deployment.Deployment) (bool, error)

// Repository persists deployments with the conditional-update semantics the
// lifecycle controller relies on.
type Repository interface {
	Create(ctx context.Context, d *deployment.Deployment) error
	// Load always reads the latest persisted row.
	Load(ctx context.Context, id string) (*deployment.Deployment, error)
	// SaveCycle writes d only if the stored version still equals expectedVersion,
	// appending history in the same transaction. On success d.Version is bumped.
	SaveCycle(ctx context.Context, d *deployment.Deployment, expectedVersion int64, history []SignalRecord) error
	// UpdateLifecycle runs mutate inside a read-modify-write transaction and
	// bumps the version when it reports a change.
	UpdateLifecycle(ctx context.Context, id string, mutate Mutator) (*deployment.Deployment, error)
	ListRunnable(ctx context.Context) ([]*deployment.Deployment, error)
	Delete(ctx context.Context, id string) error
	ListSignals(ctx context.Context, id string, limit int) ([]SignalRecord, error)
	Close() error
}

// Leaser 提供跨实例的部署租约，保证同一部署同一时刻只被一个调度实例评估。
// AcquireLease succeeds when the lease is free, expired at now, or already
// held by owner; it then extends the lease to now+ttl. A missing deployment
// yields ErrNotFound.
type Leaser interface {
	AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseLease is a no-op when owner no longer holds the lease.
	ReleaseLease(ctx context.Context, id, owner string) error
}

// SignalRecord 是一条信号处理历史。
type SignalRecord struct {
	ID           int64           `json:"id"`
	DeploymentID string          `json:"deployment_id"`
	TraceID      string          `json:"trace_id"`
	Symbol       string          `json:"symbol"`
	SignalType   string          `json:"signal_type"`
	Price        decimal.Decimal `json:"price"`
	Disposition  string          `json:"disposition"`
	Detail       string          `json:"detail,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
