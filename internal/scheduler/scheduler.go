package scheduler

import (
	"context"
	"fmt"

	"warden/internal/logger"

	"github.com/robfig/cron/v3"
)

// Parser 接受 5 段或带秒的 6 段表达式以及 @every 描述符。
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronScheduler drives Dispatcher.Tick on a cron spec. Overlapping ticks are
// skipped rather than queued.
type CronScheduler struct {
	Spec           string
	RunImmediately bool

	dispatcher *Dispatcher
}

func NewCronScheduler(spec string, d *Dispatcher) *CronScheduler {
	return &CronScheduler{Spec: spec, dispatcher: d}
}

// Start blocks until ctx is done, then waits for the running tick to finish.
func (s *CronScheduler) Start(ctx context.Context) error {
	if s == nil || s.dispatcher == nil {
		return fmt.Errorf("scheduler: dispatcher is nil")
	}
	c := cron.New(
		cron.WithParser(Parser),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		cron.WithLogger(cronLogger{}),
	)
	if _, err := c.AddFunc(s.Spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: invalid spec %q: %w", s.Spec, err)
	}

	s.dispatcher.markStarted(true)
	defer s.dispatcher.markStarted(false)
	logger.Infof("CronScheduler: started spec=%q run_immediately=%v", s.Spec, s.RunImmediately)
	if s.RunImmediately {
		s.tick(ctx)
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Infof("CronScheduler: ctx done, exit")
	return nil
}

func (s *CronScheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.dispatcher.Tick(ctx); err != nil && ctx.Err() == nil {
		logger.Warnf("CronScheduler: tick failed: %v", err)
	}
}

// cronLogger 把 robfig/cron 的日志接到全局 logger。
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.With(keysAndValues...).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.With(append(keysAndValues, "error", err)...).Error("cron: " + msg)
}
