package config

import (
	"strings"
	"time"
)

// Config 是 warden 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Store      StoreConfig      `toml:"store"`
	Engine     EngineConfig     `toml:"engine"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Policies   []PolicyConfig   `toml:"policies"`
	Notify     NotifyConfig     `toml:"notify"`
	Executor   ExecutorConfig   `toml:"executor"`
	Market     MarketConfig     `toml:"market"`
	Strategies StrategiesConfig `toml:"strategies"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// StoreConfig 选择部署存储：sqlite（默认）、postgres 或 memory。
type StoreConfig struct {
	Driver       string `toml:"driver"`
	Path         string `toml:"path"`
	DSN          string `toml:"dsn"`
	JournalPath  string `toml:"journal_path"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

type EngineConfig struct {
	ResetTimeoutMinutes      int    `toml:"reset_timeout_minutes"`
	RecoveryThreshold        int    `toml:"recovery_threshold"`
	EvaluationTimeoutSeconds int    `toml:"evaluation_timeout_seconds"`
	DeliveryTimeoutSeconds   int    `toml:"delivery_timeout_seconds"`
	AllowRepeatAfterWindows  int    `toml:"allow_repeat_after_windows"`
	Timezone                 string `toml:"timezone"`
}

func (e EngineConfig) ResetTimeout() time.Duration {
	return time.Duration(e.ResetTimeoutMinutes) * time.Minute
}

func (e EngineConfig) EvaluationTimeout() time.Duration {
	return time.Duration(e.EvaluationTimeoutSeconds) * time.Second
}

func (e EngineConfig) DeliveryTimeout() time.Duration {
	return time.Duration(e.DeliveryTimeoutSeconds) * time.Second
}

// Location resolves the timezone used for the daily quota boundary.
func (e EngineConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(e.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

type SchedulerConfig struct {
	Enabled        bool    `toml:"enabled"`
	Spec           string  `toml:"spec"`
	MaxConcurrency int     `toml:"max_concurrency"`
	RatePerSecond  float64 `toml:"rate_per_second"`
	Burst          int     `toml:"burst"`
	// 多实例共享数据库时用于租约归属，留空则每次启动随机生成
	InstanceID      string `toml:"instance_id"`
	LeaseTTLSeconds int    `toml:"lease_ttl_seconds"`
}

func (s SchedulerConfig) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}

// PolicyConfig 覆盖 (kind, tier) 的整行阈值；daily_limit 缺省表示不限。
type PolicyConfig struct {
	Kind                       string `toml:"kind"`
	Tier                       string `toml:"tier"`
	FailureThreshold           int    `toml:"failure_threshold"`
	CooldownMinutes            int    `toml:"cooldown_minutes"`
	EvaluationFrequencyMinutes int    `toml:"evaluation_frequency_minutes"`
	DailyLimit                 *int   `toml:"daily_limit"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled        bool   `toml:"enabled"`
	BotToken       string `toml:"bot_token"`
	ChatID         string `toml:"chat_id"`
	APIBase        string `toml:"api_base"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type ExecutorConfig struct {
	Freqtrade FreqtradeConfig `toml:"freqtrade"`
}

type FreqtradeConfig struct {
	Enabled            bool    `toml:"enabled"`
	APIURL             string  `toml:"api_url"`
	Username           string  `toml:"username"`
	Password           string  `toml:"password"`
	APIToken           string  `toml:"api_token"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	StakeCurrency      string  `toml:"stake_currency"`
	DefaultStakeUSD    float64 `toml:"default_stake_usd"`
	InsecureSkipVerify bool    `toml:"insecure_skip_verify"`
}

type MarketConfig struct {
	Binance BinanceConfig `toml:"binance"`
}

type BinanceConfig struct {
	RESTBaseURL    string `toml:"rest_base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	ProxyURL       string `toml:"proxy_url"`
}

type StrategiesConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}
