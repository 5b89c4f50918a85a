// Package signal holds the values exchanged between strategy evaluation and
// delivery.
package signal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Type string

const (
	Buy  Type = "BUY"
	Sell Type = "SELL"
	Hold Type = "HOLD"
)

func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(raw))); t {
	case Buy, Sell, Hold:
		return t, nil
	case "":
		return Hold, nil
	default:
		return "", fmt.Errorf("unknown signal type %q", raw)
	}
}

type Signal struct {
	Type     Type            `json:"type"`
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

func (s Signal) Actionable() bool {
	return s.Type == Buy || s.Type == Sell
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s @ %s", s.Type, s.Symbol, s.Price.String())
}

// Outcome 是一次策略评估的结果，Signals 为空等同 HOLD。
type Outcome struct {
	Signals  []Signal       `json:"signals"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Actionable returns the non-HOLD signals in evaluation order.
func (o Outcome) Actionable() []Signal {
	out := make([]Signal, 0, len(o.Signals))
	for _, s := range o.Signals {
		if s.Actionable() {
			out = append(out, s)
		}
	}
	return out
}
