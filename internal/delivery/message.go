package delivery

import (
	"fmt"
	"sort"
	"time"

	"warden/internal/deployment"
	"warden/internal/gateway/notifier"
	"warden/internal/signal"
)

// AlertMessage renders the Telegram body for an ALERT signal.
func AlertMessage(d *deployment.Deployment, sig signal.Signal, now time.Time) notifier.Message {
	icon := "⚪"
	switch sig.Type {
	case signal.Buy:
		icon = "🟢"
	case signal.Sell:
		icon = "🔴"
	}
	title := fmt.Sprintf("%s %s", sig.Type, sig.Symbol)
	if d.Name != "" {
		title = d.Name + " · " + title
	}

	sigLines := []string{
		"symbol: " + sig.Symbol,
		"type: " + string(sig.Type),
		"price: " + sig.Price.String(),
	}
	if sig.Reason != "" {
		sigLines = append(sigLines, "reason: "+sig.Reason)
	}
	var metaLines []string
	keys := make([]string, 0, len(sig.Metadata))
	for k := range sig.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		metaLines = append(metaLines, fmt.Sprintf("%s: %v", k, sig.Metadata[k]))
	}

	return notifier.Message{
		Icon:  icon,
		Title: title,
		Sections: []notifier.Section{
			{Title: "Signal", Lines: sigLines},
			{Title: "Strategy", Lines: metaLines},
		},
		Footer:    fmt.Sprintf("deployment %s · strategy %s", d.ID, d.StrategyID),
		Timestamp: now,
	}
}
