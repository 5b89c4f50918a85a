package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"warden/internal/deployment"
	"warden/internal/lifecycle"
	"warden/internal/logger"
	"warden/internal/metrics"
	"warden/internal/quota"
	"warden/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RunnableLister is the slice of the repository the dispatcher reads.
type RunnableLister interface {
	ListRunnable(ctx context.Context) ([]*deployment.Deployment, error)
}

// CycleRunner runs one cycle; *lifecycle.Controller satisfies it.
type CycleRunner interface {
	RunCycle(ctx context.Context, id string, now time.Time) (lifecycle.CycleResult, error)
}

type Options struct {
	MaxConcurrency int
	// RatePerSecond 限制全局评估速率，<=0 表示不限。
	RatePerSecond float64
	Burst         int
	Metrics       *metrics.EngineMetrics
	Now           func() time.Time
	// Leaser 为空时只有进程内租约；多实例部署共享同一数据库时必须设置。
	Leaser     store.Leaser
	InstanceID string
	LeaseTTL   time.Duration
}

const defaultLeaseTTL = 5 * time.Minute

// Dispatcher selects due deployments and fans their cycles out to a bounded
// worker group.
type Dispatcher struct {
	lister  RunnableLister
	runner  CycleRunner
	tracker quota.Tracker
	leases  *Leases
	shared  store.Leaser
	owner   string
	ttl     time.Duration
	limiter *rate.Limiter
	limit   int
	metrics *metrics.EngineMetrics
	now     func() time.Time

	mu     sync.RWMutex
	status MonitorStatus
}

func NewDispatcher(lister RunnableLister, runner CycleRunner, tracker quota.Tracker, opts Options) *Dispatcher {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Dispatcher{
		lister:  lister,
		runner:  runner,
		tracker: tracker,
		leases:  NewLeases(),
		shared:  opts.Leaser,
		owner:   opts.InstanceID,
		ttl:     opts.LeaseTTL,
		limiter: limiter,
		limit:   opts.MaxConcurrency,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// TickReport summarises one dispatch pass.
type TickReport struct {
	Runnable   int
	Dispatched int
	NotDue     int
	Leased     int
	Delivered  int
	Errors     int
}

// Tick runs one dispatch pass and blocks until every dispatched cycle ends.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	started := time.Now()
	d.markRunning(true)
	defer func() {
		d.markRunning(false)
		if d.metrics != nil {
			d.metrics.TickDuration.Observe(time.Since(started).Seconds())
		}
	}()

	items, err := d.lister.ListRunnable(ctx)
	if err != nil {
		d.recordTick(report, err)
		return report, err
	}
	now := d.now()
	report.Runnable = len(items)
	if d.metrics != nil {
		d.metrics.Runnable.Set(float64(len(items)))
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.limit)
	for _, item := range items {
		if !d.tracker.IsDue(item.Quota, item.LastCheckedAt, now) {
			report.NotDue++
			d.skipped("not_due")
			continue
		}
		id := item.ID
		if !d.leases.TryAcquire(id) {
			report.Leased++
			d.skipped("leased")
			continue
		}
		g.Go(func() error {
			defer d.leases.Release(id)
			ok, err := d.claim(ctx, id)
			if !ok {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Errors++
				} else {
					report.Leased++
				}
				return nil
			}
			defer d.unclaim(ctx, id)
			res, err := d.runOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Dispatched++
			report.Delivered += res.Delivered()
			if err != nil {
				report.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()
	d.recordTick(report, ctx.Err())
	if report.Dispatched > 0 || report.Errors > 0 {
		logger.Infof("dispatch tick: runnable=%d dispatched=%d not_due=%d leased=%d delivered=%d errors=%d",
			report.Runnable, report.Dispatched, report.NotDue, report.Leased, report.Delivered, report.Errors)
	}
	return report, ctx.Err()
}

func (d *Dispatcher) runOne(ctx context.Context, id string) (lifecycle.CycleResult, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.skipped("rate_limited")
			return lifecycle.CycleResult{DeploymentID: id}, err
		}
	}
	traceID := uuid.NewString()
	cctx := lifecycle.WithTraceID(ctx, traceID)
	res, err := d.runner.RunCycle(cctx, id, d.now())
	if err != nil {
		// 其他实例并发删除部署属于正常情况
		if errors.Is(err, lifecycle.ErrNotFound) {
			logger.Debugf("dispatch: deployment %s gone", id)
			return res, nil
		}
		logger.With("deployment", id, "trace", traceID).Error("cycle failed", "error", err)
	}
	return res, err
}

// RunNow 手动触发单个部署（绕过到期判断，仍受租约约束）。
func (d *Dispatcher) RunNow(ctx context.Context, id string) (lifecycle.CycleResult, error) {
	if !d.leases.TryAcquire(id) {
		return lifecycle.CycleResult{DeploymentID: id}, ErrBusy
	}
	defer d.leases.Release(id)
	ok, err := d.claim(ctx, id)
	if err != nil {
		return lifecycle.CycleResult{DeploymentID: id}, err
	}
	if !ok {
		return lifecycle.CycleResult{DeploymentID: id}, ErrBusy
	}
	defer d.unclaim(ctx, id)
	traceID := uuid.NewString()
	return d.runner.RunCycle(lifecycle.WithTraceID(ctx, traceID), id, d.now())
}

// claim 获取共享租约；被其他实例持有时返回 false。
func (d *Dispatcher) claim(ctx context.Context, id string) (bool, error) {
	if d.shared == nil {
		return true, nil
	}
	ok, err := d.shared.AcquireLease(ctx, id, d.owner, d.now(), d.ttl)
	if errors.Is(err, store.ErrNotFound) {
		// 交给 RunCycle 报告部署不存在
		return true, nil
	}
	if err != nil {
		d.skipped("lease_error")
		logger.Warnf("dispatch: acquire lease %s: %v", id, err)
		return false, err
	}
	if !ok {
		d.skipped("leased")
		logger.Debugf("dispatch: deployment %s leased by another instance", id)
	}
	return ok, nil
}

func (d *Dispatcher) unclaim(ctx context.Context, id string) {
	if d.shared == nil {
		return
	}
	// 周期被取消时也要释放租约
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.shared.ReleaseLease(rctx, id, d.owner); err != nil {
		logger.Warnf("dispatch: release lease %s: %v", id, err)
	}
}

// InstanceID identifies this dispatcher as a lease owner.
func (d *Dispatcher) InstanceID() string { return d.owner }

// ErrBusy is returned by RunNow when a cycle for the deployment is in flight.
var ErrBusy = errors.New("deployment cycle already in flight")

func (d *Dispatcher) skipped(reason string) {
	if d.metrics != nil {
		d.metrics.TickSkipped.WithLabelValues(reason).Inc()
	}
}
