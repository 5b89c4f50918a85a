package app

import (
	"context"
	"errors"
	"fmt"

	"warden/internal/config"
	"warden/internal/lifecycle"
	"warden/internal/logger"
	"warden/internal/scheduler"
	apihttp "warden/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与调度器。
type App struct {
	cfg        *config.Config
	controller *lifecycle.Controller
	dispatcher *scheduler.Dispatcher
	cron       *scheduler.CronScheduler
	httpServer *apihttp.Server
	closers    []func() error
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与调度器，直到 ctx 取消或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.httpServer != nil {
		group.Go(func() error {
			if err := a.httpServer.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if a.cron != nil {
		group.Go(func() error {
			return a.cron.Start(ctx)
		})
	} else {
		logger.Warnf("scheduler disabled: cycles run only via POST /api/deployments/:id/run")
	}
	return group.Wait()
}

// Close 释放存储与日志句柄，可重复调用。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Controller exposes the lifecycle controller (for tests and tooling).
func (a *App) Controller() *lifecycle.Controller {
	if a == nil {
		return nil
	}
	return a.controller
}

func (a *App) Dispatcher() *scheduler.Dispatcher {
	if a == nil {
		return nil
	}
	return a.dispatcher
}

func (a *App) HTTPServer() *apihttp.Server {
	if a == nil {
		return nil
	}
	return a.httpServer
}
