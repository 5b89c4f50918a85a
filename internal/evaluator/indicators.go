package evaluator

import (
	"fmt"

	"warden/internal/signal"

	talib "github.com/markcheno/go-talib"
)

type rsiParams struct {
	Period     int     `mapstructure:"period"`
	Oversold   float64 `mapstructure:"oversold"`
	Overbought float64 `mapstructure:"overbought"`
}

func (p *rsiParams) withDefaults() {
	if p.Period <= 0 {
		p.Period = 14
	}
	if p.Oversold <= 0 {
		p.Oversold = 30
	}
	if p.Overbought <= 0 {
		p.Overbought = 70
	}
}

type emaCrossParams struct {
	Fast int `mapstructure:"fast"`
	Slow int `mapstructure:"slow"`
}

func (p *emaCrossParams) withDefaults() {
	if p.Fast <= 0 {
		p.Fast = 9
	}
	if p.Slow <= 0 {
		p.Slow = 21
	}
}

type macdParams struct {
	Fast   int `mapstructure:"fast"`
	Slow   int `mapstructure:"slow"`
	Signal int `mapstructure:"signal"`
}

func (p *macdParams) withDefaults() {
	if p.Fast <= 0 {
		p.Fast = 12
	}
	if p.Slow <= 0 {
		p.Slow = 26
	}
	if p.Signal <= 0 {
		p.Signal = 9
	}
}

// reading 是单个指标在最新收盘 K 线上的判定。
type reading struct {
	Type   signal.Type
	Reason string
	Meta   map[string]any
}

// RSI 低于 oversold 买入，高于 overbought 卖出。
func rsiReading(closes []float64, p rsiParams) (reading, error) {
	if len(closes) < p.Period+1 {
		return reading{}, fmt.Errorf("rsi: insufficient candles need %d got %d", p.Period+1, len(closes))
	}
	series := talib.Rsi(closes, p.Period)
	val := series[len(series)-1]
	out := reading{
		Type: signal.Hold,
		Meta: map[string]any{"rsi": val, "period": p.Period},
	}
	switch {
	case val <= p.Oversold:
		out.Type = signal.Buy
		out.Reason = fmt.Sprintf("RSI(%d)=%.2f <= %.0f", p.Period, val, p.Oversold)
	case val >= p.Overbought:
		out.Type = signal.Sell
		out.Reason = fmt.Sprintf("RSI(%d)=%.2f >= %.0f", p.Period, val, p.Overbought)
	}
	return out, nil
}

// 快线上穿慢线买入，下穿卖出；仅在最新一根 K 线上发生交叉时出信号。
func emaCrossReading(closes []float64, p emaCrossParams) (reading, error) {
	if p.Fast >= p.Slow {
		return reading{}, fmt.Errorf("ema_cross: fast %d must be < slow %d", p.Fast, p.Slow)
	}
	if len(closes) < p.Slow+1 {
		return reading{}, fmt.Errorf("ema_cross: insufficient candles need %d got %d", p.Slow+1, len(closes))
	}
	fast := talib.Ema(closes, p.Fast)
	slow := talib.Ema(closes, p.Slow)
	n := len(closes)
	prev := fast[n-2] - slow[n-2]
	cur := fast[n-1] - slow[n-1]
	out := reading{
		Type: signal.Hold,
		Meta: map[string]any{"ema_fast": fast[n-1], "ema_slow": slow[n-1]},
	}
	switch {
	case prev <= 0 && cur > 0:
		out.Type = signal.Buy
		out.Reason = fmt.Sprintf("EMA%d crossed above EMA%d", p.Fast, p.Slow)
	case prev >= 0 && cur < 0:
		out.Type = signal.Sell
		out.Reason = fmt.Sprintf("EMA%d crossed below EMA%d", p.Fast, p.Slow)
	}
	return out, nil
}

// MACD 柱由负转正买入（金叉），由正转负卖出（死叉）。
func macdReading(closes []float64, p macdParams) (reading, error) {
	if p.Fast >= p.Slow {
		return reading{}, fmt.Errorf("macd: fast %d must be < slow %d", p.Fast, p.Slow)
	}
	required := p.Slow + p.Signal
	if len(closes) < required {
		return reading{}, fmt.Errorf("macd: insufficient candles need %d got %d", required, len(closes))
	}
	macd, sig, hist := talib.Macd(closes, p.Fast, p.Slow, p.Signal)
	n := len(hist)
	prev, cur := hist[n-2], hist[n-1]
	out := reading{
		Type: signal.Hold,
		Meta: map[string]any{"macd": macd[n-1], "signal": sig[n-1], "hist": cur},
	}
	switch {
	case prev <= 0 && cur > 0:
		out.Type = signal.Buy
		out.Reason = fmt.Sprintf("MACD(%d/%d/%d) histogram turned positive", p.Fast, p.Slow, p.Signal)
	case prev >= 0 && cur < 0:
		out.Type = signal.Sell
		out.Reason = fmt.Sprintf("MACD(%d/%d/%d) histogram turned negative", p.Fast, p.Slow, p.Signal)
	}
	return out, nil
}
