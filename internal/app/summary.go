package app

import (
	"fmt"
	"sort"
	"strings"

	"warden/internal/config"
	"warden/internal/deployment"
	"warden/internal/strategy"
)

// StartupSummary 在启动时打印一次关键配置。
type StartupSummary struct {
	Store      string
	HTTPAddr   string
	Scheduler  string
	Engine     string
	Channels   []string
	Strategies []string
	Policies   []string
}

func newStartupSummary(cfg *config.Config, registry *strategy.Registry) *StartupSummary {
	s := &StartupSummary{
		Store:    cfg.Store.Driver,
		HTTPAddr: cfg.App.HTTPAddr,
		Engine: fmt.Sprintf("reset_timeout=%s recovery=%d eval_timeout=%s delivery_timeout=%s tz=%s",
			cfg.Engine.ResetTimeout(), cfg.Engine.RecoveryThreshold,
			cfg.Engine.EvaluationTimeout(), cfg.Engine.DeliveryTimeout(), cfg.Engine.Timezone),
	}
	if cfg.Store.JournalPath != "" {
		s.Store += " (journal " + cfg.Store.JournalPath + ")"
	}
	if cfg.Scheduler.Enabled {
		s.Scheduler = fmt.Sprintf("spec=%q concurrency=%d rate=%.1f/s", cfg.Scheduler.Spec, cfg.Scheduler.MaxConcurrency, cfg.Scheduler.RatePerSecond)
	} else {
		s.Scheduler = "disabled"
	}
	if cfg.Notify.Telegram.Enabled {
		s.Channels = append(s.Channels, "telegram (ALERT)")
	}
	if cfg.Executor.Freqtrade.Enabled {
		s.Channels = append(s.Channels, "freqtrade (BOT) "+cfg.Executor.Freqtrade.APIURL)
	}
	if registry != nil {
		snap := registry.Snapshot()
		for _, id := range snap.IDs() {
			def := snap.Definitions[id]
			s.Strategies = append(s.Strategies, fmt.Sprintf("%s: %s %s v%d", id, def.Indicator, def.Interval, def.Version))
		}
	}
	if table, err := cfg.ResolvePolicies(); err == nil {
		s.Policies = formatPolicies(table)
	}
	return s
}

func formatPolicies(table deployment.PolicyTable) []string {
	var out []string
	for kind, byTier := range table {
		for tier, p := range byTier {
			limit := "unlimited"
			if p.DailyLimit != nil {
				limit = fmt.Sprintf("%d/day", *p.DailyLimit)
			}
			out = append(out, fmt.Sprintf("%s/%s: threshold=%d cooldown=%dm every=%dm %s",
				kind, tier, p.FailureThreshold, p.CooldownMinutes, p.EvaluationFrequencyMinutes, limit))
		}
	}
	sort.Strings(out)
	return out
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("  存储: %s\n", s.Store)
	fmt.Printf("  HTTP: %s\n", s.HTTPAddr)
	fmt.Printf("  调度: %s\n", s.Scheduler)
	fmt.Printf("  引擎: %s\n", s.Engine)
	fmt.Printf("  通道: %s\n", formatList(s.Channels))
	fmt.Println()

	printBlock("[策略 (STRATEGIES)]", s.Strategies)
	printBlock("[配额策略 (POLICIES)]", s.Policies)
	fmt.Println(strings.Repeat("=", 80))
}

func printBlock(title string, lines []string) {
	fmt.Println(title)
	if len(lines) == 0 {
		fmt.Println("  (无)")
	}
	for _, line := range lines {
		fmt.Printf("  - %s\n", line)
	}
	fmt.Println()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
