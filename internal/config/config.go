package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"warden/internal/deployment"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 敏感字段允许通过环境变量覆盖，避免写进 yaml。
var secretEnv = map[string]string{
	"store.dsn":                    "WARDEN_STORE_DSN",
	"notify.telegram.bot_token":    "WARDEN_TELEGRAM_BOT_TOKEN",
	"notify.telegram.chat_id":      "WARDEN_TELEGRAM_CHAT_ID",
	"executor.freqtrade.api_token": "WARDEN_FREQTRADE_API_TOKEN",
	"executor.freqtrade.password":  "WARDEN_FREQTRADE_PASSWORD",
}

// Load 读取 path 及其 include 链，合并后应用默认值并校验。
// include 中的文件先于引用者合并，后者的键覆盖前者。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := &includeResolver{done: map[string]bool{}, active: map[string]bool{}}
	if err := r.walk(abs); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range r.order {
		if err := v.MergeConfigMap(r.settings[file]); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", file, err)
		}
	}
	for key, env := range secretEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	keys := make(keySet)
	markKeys("", v.AllSettings(), keys)
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePolicies 以内置策略表为底，逐行应用 policies 覆盖。
func (c *Config) ResolvePolicies() (deployment.PolicyTable, error) {
	table := deployment.DefaultPolicies()
	for i, pc := range c.Policies {
		kind, err := deployment.ParseKind(pc.Kind)
		if err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		tier, err := deployment.ParseTier(pc.Tier)
		if err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		var limit *int
		if pc.DailyLimit != nil {
			v := *pc.DailyLimit
			limit = &v
		}
		if err := table.Set(kind, tier, deployment.Policy{
			FailureThreshold:           pc.FailureThreshold,
			CooldownMinutes:            pc.CooldownMinutes,
			EvaluationFrequencyMinutes: pc.EvaluationFrequencyMinutes,
			DailyLimit:                 limit,
		}); err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
	}
	return table, nil
}

// includeResolver 深度优先展开 include，每个文件只读一次。
type includeResolver struct {
	done     map[string]bool
	active   map[string]bool
	order    []string
	settings map[string]map[string]any
}

func (r *includeResolver) walk(path string) error {
	path = filepath.Clean(path)
	if r.active[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if r.done[path] {
		return nil
	}
	r.active[path] = true

	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	includes, err := toStrings(fv.Get("include"))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.walk(inc); err != nil {
			return err
		}
	}

	delete(r.active, path)
	r.done[path] = true
	if r.settings == nil {
		r.settings = make(map[string]map[string]any)
	}
	r.settings[path] = fv.AllSettings()
	r.order = append(r.order, path)
	return nil
}

func toStrings(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var items []any
	switch val := raw.(type) {
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// markKeys 记录配置文件里出现过的键（含显式 false / 0），默认值不覆盖它们。
func markKeys(prefix string, node any, dest keySet) {
	m, ok := node.(map[string]any)
	if !ok {
		dest.mark(prefix)
		return
	}
	for k, child := range m {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		markKeys(key, child, dest)
	}
}
