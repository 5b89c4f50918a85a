package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9992"
	defaultStoreDriver       = "sqlite"
	defaultStorePath         = "/data/db/warden.db"
	defaultJournalPath       = "/data/db/warden-journal.db"
	defaultResetTimeoutMin   = 30
	defaultRecoveryThreshold = 1
	defaultEvalTimeoutSec    = 30
	defaultDeliveryTimeout   = 15
	defaultSchedulerSpec     = "0 * * * * *"
	defaultMaxConcurrency    = 8
	defaultLeaseTTLSeconds   = 300
	defaultRatePerSecond     = 20
	defaultTelegramAPI       = "https://api.telegram.org"
	defaultHTTPTimeoutSec    = 15
	defaultFreqtradeAPI      = "http://freqtrade:8080/api/v1"
	defaultStakeCurrency     = "USDT"
	defaultFreqtradeStake    = 100
	defaultMarketREST        = "https://fapi.binance.com"
	defaultStrategiesPath    = "configs/strategies.yaml"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Notify.Telegram.applyDefaults(keys)
	c.Executor.Freqtrade.applyDefaults(keys)
	c.Market.Binance.applyDefaults(keys)
	applyFieldDefaults(keys,
		stringFieldDefault("strategies.path", &c.Strategies.Path, defaultStrategiesPath),
		boolFieldDefault("strategies.watch", &c.Strategies.Watch, true),
	)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.driver", &s.Driver, defaultStoreDriver),
		stringFieldDefault("store.journal_path", &s.JournalPath, defaultJournalPath),
		intFieldDefault("store.max_open_conns", &s.MaxOpenConns, 2),
	)
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "sqlite" {
		applyFieldDefaults(keys, stringFieldDefault("store.path", &s.Path, defaultStorePath))
	}
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("engine.reset_timeout_minutes", &e.ResetTimeoutMinutes, defaultResetTimeoutMin),
		intFieldDefault("engine.recovery_threshold", &e.RecoveryThreshold, defaultRecoveryThreshold),
		intFieldDefault("engine.evaluation_timeout_seconds", &e.EvaluationTimeoutSeconds, defaultEvalTimeoutSec),
		intFieldDefault("engine.delivery_timeout_seconds", &e.DeliveryTimeoutSeconds, defaultDeliveryTimeout),
		stringFieldDefault("engine.timezone", &e.Timezone, "Local"),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("scheduler.enabled", &s.Enabled, true),
		stringFieldDefault("scheduler.spec", &s.Spec, defaultSchedulerSpec),
		intFieldDefault("scheduler.max_concurrency", &s.MaxConcurrency, defaultMaxConcurrency),
		fieldDefault{
			key:   "scheduler.rate_per_second",
			need:  func() bool { return s.RatePerSecond <= 0 },
			apply: func() { s.RatePerSecond = defaultRatePerSecond },
		},
		intFieldDefault("scheduler.burst", &s.Burst, 1),
		intFieldDefault("scheduler.lease_ttl_seconds", &s.LeaseTTLSeconds, defaultLeaseTTLSeconds),
	)
}

func (t *TelegramConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("notify.telegram.api_base", &t.APIBase, defaultTelegramAPI),
		intFieldDefault("notify.telegram.timeout_seconds", &t.TimeoutSeconds, defaultHTTPTimeoutSec),
	)
}

func (f *FreqtradeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("executor.freqtrade.api_url", &f.APIURL, defaultFreqtradeAPI),
		stringFieldDefault("executor.freqtrade.stake_currency", &f.StakeCurrency, defaultStakeCurrency),
		intFieldDefault("executor.freqtrade.timeout_seconds", &f.TimeoutSeconds, defaultHTTPTimeoutSec),
		fieldDefault{
			key:   "executor.freqtrade.default_stake_usd",
			need:  func() bool { return f.DefaultStakeUSD <= 0 },
			apply: func() { f.DefaultStakeUSD = defaultFreqtradeStake },
		},
	)
}

func (b *BinanceConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.binance.rest_base_url", &b.RESTBaseURL, defaultMarketREST),
		intFieldDefault("market.binance.timeout_seconds", &b.TimeoutSeconds, defaultHTTPTimeoutSec),
	)
}

// Helper functions

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

// boolFieldDefault 仅在配置文件未出现该键时生效。
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
