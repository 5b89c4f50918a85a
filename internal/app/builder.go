package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/dedup"
	"warden/internal/delivery"
	"warden/internal/evaluator"
	"warden/internal/gateway/binance"
	"warden/internal/gateway/freqtrade"
	"warden/internal/gateway/notifier"
	"warden/internal/lifecycle"
	"warden/internal/logger"
	"warden/internal/metrics"
	"warden/internal/pkg/circuit"
	"warden/internal/quota"
	"warden/internal/scheduler"
	"warden/internal/store"
	"warden/internal/store/cyclelog"
	"warden/internal/store/gormstore"
	"warden/internal/store/memstore"
	"warden/internal/strategy"
	apihttp "warden/internal/transport/http/api"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
)

type AppBuilder struct {
	cfg *config.Config

	repositoryFn func(config.StoreConfig) (store.Repository, error)
	journalFn    func(config.StoreConfig) (*cyclelog.CycleLogStore, error)
	evaluatorFn  func(*config.Config) (lifecycle.Evaluator, *strategy.Registry, error)
	delivererFn  func(*config.Config) (lifecycle.Deliverer, error)
	now          func() time.Time
}

type AppBuilderOption func(*AppBuilder)

// WithRepository 替换部署存储（测试用内存实现）。
func WithRepository(repo store.Repository) AppBuilderOption {
	return func(b *AppBuilder) {
		b.repositoryFn = func(config.StoreConfig) (store.Repository, error) { return repo, nil }
	}
}

func WithEvaluator(ev lifecycle.Evaluator) AppBuilderOption {
	return func(b *AppBuilder) {
		b.evaluatorFn = func(*config.Config) (lifecycle.Evaluator, *strategy.Registry, error) { return ev, nil, nil }
	}
}

func WithDeliverer(dl lifecycle.Deliverer) AppBuilderOption {
	return func(b *AppBuilder) {
		b.delivererFn = func(*config.Config) (lifecycle.Deliverer, error) { return dl, nil }
	}
}

func WithClock(now func() time.Time) AppBuilderOption {
	return func(b *AppBuilder) { b.now = now }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		repositoryFn: buildRepository,
		journalFn:    buildJournal,
		evaluatorFn:  buildEvaluator,
		delivererFn:  buildDeliverer,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	loc, err := cfg.Engine.Location()
	if err != nil {
		return nil, fmt.Errorf("engine timezone: %w", err)
	}
	policies, err := cfg.ResolvePolicies()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg}
	repo, err := b.repositoryFn(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, repo.Close)

	journal, err := b.journalFn(cfg.Store)
	if err != nil {
		a.Close()
		return nil, err
	}
	if journal != nil {
		a.closers = append(a.closers, journal.Close)
	}

	ev, registry, err := b.evaluatorFn(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	dl, err := b.delivererFn(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.New(reg)

	tracker := quota.NewTracker(loc)
	opts := []lifecycle.Option{
		lifecycle.WithBreaker(circuit.NewBreaker(cfg.Engine.ResetTimeout(), cfg.Engine.RecoveryThreshold)),
		lifecycle.WithTracker(tracker),
		lifecycle.WithGate(dedup.NewGate(cfg.Engine.AllowRepeatAfterWindows)),
		lifecycle.WithPolicies(policies),
		lifecycle.WithEvaluationTimeout(cfg.Engine.EvaluationTimeout()),
		lifecycle.WithDeliveryTimeout(cfg.Engine.DeliveryTimeout()),
		lifecycle.WithObserver(engineMetrics),
	}
	if journal != nil {
		opts = append(opts, lifecycle.WithJournal(journal))
	}
	ctrl, err := lifecycle.NewController(repo, ev, dl, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	schedOpts := scheduler.Options{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		RatePerSecond:  cfg.Scheduler.RatePerSecond,
		Burst:          cfg.Scheduler.Burst,
		Metrics:        engineMetrics,
		Now:            b.now,
		InstanceID:     cfg.Scheduler.InstanceID,
		LeaseTTL:       cfg.Scheduler.LeaseTTL(),
	}
	if l, ok := repo.(store.Leaser); ok {
		schedOpts.Leaser = l
	}
	dispatcher := scheduler.NewDispatcher(repo, ctrl, tracker, schedOpts)
	logger.Infof("dispatcher instance=%s lease_ttl=%s", dispatcher.InstanceID(), cfg.Scheduler.LeaseTTL())
	if cfg.Scheduler.Enabled {
		a.cron = scheduler.NewCronScheduler(cfg.Scheduler.Spec, dispatcher)
	}

	serverCfg := apihttp.ServerConfig{
		Addr:        cfg.App.HTTPAddr,
		Deployments: ctrl,
		Dispatcher:  dispatcher,
		Metrics:     engineMetrics.Handler(),
		Health:      healthChecks(repo, dl),
		Now:         b.now,
	}
	if journal != nil {
		serverCfg.Journal = journal
	}
	server, err := apihttp.NewServer(serverCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("初始化 HTTP 失败: %w", err)
	}

	a.controller = ctrl
	a.dispatcher = dispatcher
	a.httpServer = server
	a.Summary = newStartupSummary(cfg, registry)
	return a, nil
}

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}

func buildRepository(cfg config.StoreConfig) (store.Repository, error) {
	if cfg.Driver == "memory" {
		logger.Warnf("store.driver=memory: deployments are lost on restart")
		return memstore.New(), nil
	}
	repo, err := gormstore.New(gormstore.Options{
		Driver:       cfg.Driver,
		Path:         cfg.Path,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化部署存储失败: %w", err)
	}
	logger.Infof("✓ 部署存储就绪 driver=%s", cfg.Driver)
	return repo, nil
}

func buildJournal(cfg config.StoreConfig) (*cyclelog.CycleLogStore, error) {
	if cfg.JournalPath == "" {
		return nil, nil
	}
	j, err := cyclelog.New(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("初始化周期日志失败: %w", err)
	}
	return j, nil
}

func buildEvaluator(cfg *config.Config) (lifecycle.Evaluator, *strategy.Registry, error) {
	registry, err := strategy.NewRegistry(cfg.Strategies.Path, cfg.Strategies.Watch)
	if err != nil {
		return nil, nil, fmt.Errorf("加载策略失败: %w", err)
	}
	source, err := binance.New(binance.Config{
		RESTBaseURL: cfg.Market.Binance.RESTBaseURL,
		HTTPTimeout: time.Duration(cfg.Market.Binance.TimeoutSeconds) * time.Second,
		ProxyURL:    cfg.Market.Binance.ProxyURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("初始化 binance 数据源失败: %w", err)
	}
	registry.Subscribe(func(snap strategy.Snapshot) {
		logger.Infof("策略定义已重载: %s", strings.Join(snap.IDs(), ", "))
	})
	ev, err := evaluator.New(registry, source)
	if err != nil {
		return nil, nil, err
	}
	return ev, registry, nil
}

func buildDeliverer(cfg *config.Config) (lifecycle.Deliverer, error) {
	var tn notifier.TextNotifier
	if tg := newTelegram(cfg.Notify); tg != nil {
		tn = tg
	}
	var exec delivery.Executor
	if cfg.Executor.Freqtrade.Enabled {
		client, err := freqtrade.NewClient(cfg.Executor.Freqtrade)
		if err != nil {
			return nil, fmt.Errorf("failed to init freqtrade client: %w", err)
		}
		logger.Infof("Freqtrade executor enabled: %s", cfg.Executor.Freqtrade.APIURL)
		exec = client
	}
	return delivery.NewRouter(tn, exec, delivery.Options{
		StakeCurrency:   cfg.Executor.Freqtrade.StakeCurrency,
		DefaultStakeUSD: decimal.NewFromFloat(cfg.Executor.Freqtrade.DefaultStakeUSD),
	}), nil
}

func newTelegram(cfg config.NotifyConfig) *notifier.Telegram {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase,
		time.Duration(cfg.Telegram.TimeoutSeconds)*time.Second)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthChecks(repo store.Repository, dl lifecycle.Deliverer) []apihttp.HealthCheck {
	var checks []apihttp.HealthCheck
	if p, ok := repo.(pinger); ok {
		checks = append(checks, apihttp.HealthCheck{Name: "store", Check: p.Ping})
	}
	if p, ok := dl.(pinger); ok {
		checks = append(checks, apihttp.HealthCheck{Name: "executor", Check: p.Ping})
	}
	return checks
}
