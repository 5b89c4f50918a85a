package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	// 租约必须覆盖一次完整周期，否则其他实例可能并发评估同一部署
	if c.Scheduler.LeaseTTL() <= c.Engine.EvaluationTimeout()+c.Engine.DeliveryTimeout() {
		return fmt.Errorf("scheduler.lease_ttl_seconds must exceed evaluation + delivery timeouts")
	}
	for i := range c.Policies {
		if err := c.Policies[i].validate(); err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Executor.Freqtrade.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %s", a.LogFormat)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path cannot be empty for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("store.dsn cannot be empty for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver only supports sqlite, postgres or memory, got %s", s.Driver)
	}
	if s.MaxOpenConns < 0 {
		return fmt.Errorf("store.max_open_conns must be >= 0")
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if e.ResetTimeoutMinutes <= 0 {
		return fmt.Errorf("engine.reset_timeout_minutes must be > 0")
	}
	if e.RecoveryThreshold <= 0 {
		return fmt.Errorf("engine.recovery_threshold must be > 0")
	}
	if e.EvaluationTimeoutSeconds <= 0 || e.DeliveryTimeoutSeconds <= 0 {
		return fmt.Errorf("engine timeouts must be > 0")
	}
	if e.AllowRepeatAfterWindows < 0 {
		return fmt.Errorf("engine.allow_repeat_after_windows must be >= 0")
	}
	if _, err := e.Location(); err != nil {
		return fmt.Errorf("engine.timezone invalid: %w", err)
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s.Spec); err != nil {
		return fmt.Errorf("scheduler.spec invalid: %w", err)
	}
	if s.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be > 0")
	}
	if s.RatePerSecond < 0 || s.Burst < 0 {
		return fmt.Errorf("scheduler rate limit must be >= 0")
	}
	return nil
}

func (p *PolicyConfig) validate() error {
	if strings.TrimSpace(p.Kind) == "" || strings.TrimSpace(p.Tier) == "" {
		return fmt.Errorf("kind and tier are required")
	}
	if p.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be > 0")
	}
	if p.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must be >= 0")
	}
	if p.EvaluationFrequencyMinutes <= 0 {
		return fmt.Errorf("evaluation_frequency_minutes must be > 0")
	}
	if p.DailyLimit != nil && *p.DailyLimit < 0 {
		return fmt.Errorf("daily_limit must be >= 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (f *FreqtradeConfig) validate() error {
	if !f.Enabled {
		return nil
	}
	if strings.TrimSpace(f.APIURL) == "" {
		return fmt.Errorf("executor.freqtrade.api_url cannot be empty")
	}
	if strings.TrimSpace(f.APIToken) == "" {
		if strings.TrimSpace(f.Username) == "" || strings.TrimSpace(f.Password) == "" {
			return fmt.Errorf("freqtrade requires api_token or username+password")
		}
	}
	if f.DefaultStakeUSD < 0 {
		return fmt.Errorf("executor.freqtrade.default_stake_usd must be >= 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if strings.TrimSpace(m.Binance.RESTBaseURL) == "" {
		return fmt.Errorf("market.binance.rest_base_url cannot be empty")
	}
	if p := strings.TrimSpace(m.Binance.ProxyURL); p != "" {
		if _, err := url.Parse(p); err != nil {
			return fmt.Errorf("market.binance.proxy_url invalid: %w", err)
		}
	}
	return nil
}
