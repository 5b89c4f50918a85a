// Package evaluator implements lifecycle.Evaluator with technical indicator
// strategies computed over exchange klines.
package evaluator

import (
	"context"
	"fmt"

	"warden/internal/deployment"
	"warden/internal/lifecycle"
	"warden/internal/market"
	"warden/internal/signal"
	"warden/internal/strategy"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

// Definitions 提供策略定义，strategy.Registry 实现它。
type Definitions interface {
	Definition(id string) (strategy.Definition, bool)
}

type IndicatorEvaluator struct {
	defs   Definitions
	source market.CandleSource
}

var _ lifecycle.Evaluator = (*IndicatorEvaluator)(nil)

func New(defs Definitions, source market.CandleSource) (*IndicatorEvaluator, error) {
	if defs == nil || source == nil {
		return nil, fmt.Errorf("evaluator requires definitions and candle source")
	}
	return &IndicatorEvaluator{defs: defs, source: source}, nil
}

// Evaluate 对部署的每个交易对求值，每个交易对产出一个信号（可能是 HOLD）。
// 任一交易对失败则整体失败。
func (e *IndicatorEvaluator) Evaluate(ctx context.Context, d *deployment.Deployment) (signal.Outcome, error) {
	def, ok := e.defs.Definition(d.StrategyID)
	if !ok {
		return signal.Outcome{}, fmt.Errorf("unknown strategy %q", d.StrategyID)
	}
	if len(d.Symbols) == 0 {
		return signal.Outcome{}, fmt.Errorf("deployment %s has no symbols", d.ID)
	}
	out := signal.Outcome{
		Signals: make([]signal.Signal, 0, len(d.Symbols)),
		Metadata: map[string]any{
			"strategy":  def.ID,
			"indicator": def.Indicator,
			"interval":  def.Interval,
			"version":   def.Version,
		},
	}
	for _, sym := range d.Symbols {
		if err := ctx.Err(); err != nil {
			return signal.Outcome{}, err
		}
		candles, err := e.source.FetchHistory(ctx, sym, def.Interval, def.Lookback)
		if err != nil {
			return signal.Outcome{}, fmt.Errorf("fetch %s: %w", sym, err)
		}
		if len(candles) == 0 {
			return signal.Outcome{}, fmt.Errorf("no candles for %s %s", sym, def.Interval)
		}
		r, err := evaluateDefinition(def, market.Closes(candles))
		if err != nil {
			return signal.Outcome{}, fmt.Errorf("%s: %w", sym, err)
		}
		last := candles[len(candles)-1]
		r.Meta["candle_close_time"] = last.CloseTime
		out.Signals = append(out.Signals, signal.Signal{
			Type:     r.Type,
			Symbol:   sym,
			Price:    decimal.NewFromFloat(last.Close),
			Reason:   r.Reason,
			Metadata: r.Meta,
		})
	}
	return out, nil
}

func evaluateDefinition(def strategy.Definition, closes []float64) (reading, error) {
	switch def.Indicator {
	case strategy.IndicatorRSI:
		var p rsiParams
		if err := decodeParams(def.Params, &p); err != nil {
			return reading{}, err
		}
		p.withDefaults()
		return rsiReading(closes, p)
	case strategy.IndicatorEMACross:
		var p emaCrossParams
		if err := decodeParams(def.Params, &p); err != nil {
			return reading{}, err
		}
		p.withDefaults()
		return emaCrossReading(closes, p)
	case strategy.IndicatorMACD:
		var p macdParams
		if err := decodeParams(def.Params, &p); err != nil {
			return reading{}, err
		}
		p.withDefaults()
		return macdReading(closes, p)
	default:
		return reading{}, fmt.Errorf("unsupported indicator %q", def.Indicator)
	}
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
