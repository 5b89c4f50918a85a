package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden/internal/deployment"
	"warden/internal/market"
	"warden/internal/signal"
	"warden/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSource struct {
	mock.Mock
}

func (m *MockSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit)
	candles, _ := args.Get(0).([]market.Candle)
	return candles, args.Error(1)
}

type staticDefs map[string]strategy.Definition

func (s staticDefs) Definition(id string) (strategy.Definition, bool) {
	def, ok := s[id]
	return def, ok
}

func series(closes ...float64) []market.Candle {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		open := start.Add(time.Duration(i) * 15 * time.Minute)
		out[i] = market.Candle{OpenTime: open.UnixMilli(), CloseTime: open.Add(15*time.Minute).UnixMilli() - 1, Close: c}
	}
	return out
}

func ramp(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func flatThen(n int, level, last float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = level
	}
	out[n-1] = last
	return out
}

var defs = staticDefs{
	"rsi":  {ID: "rsi", Indicator: strategy.IndicatorRSI, Interval: "15m", Lookback: 60, Params: map[string]any{"period": 14.0}},
	"ema":  {ID: "ema", Indicator: strategy.IndicatorEMACross, Interval: "15m", Lookback: 60, Params: map[string]any{"fast": 5.0, "slow": 20.0}},
	"macd": {ID: "macd", Indicator: strategy.IndicatorMACD, Interval: "1h", Lookback: 80, Params: map[string]any{}},
}

func deploymentFor(strategyID string, symbols ...string) *deployment.Deployment {
	return &deployment.Deployment{ID: "dep-1", StrategyID: strategyID, Symbols: symbols, Kind: deployment.KindAlert}
}

func TestEvaluate_RSIPerSymbol(t *testing.T) {
	src := new(MockSource)
	src.On("FetchHistory", mock.Anything, "BTCUSDT", "15m", 60).Return(series(ramp(60, 200, -1)...), nil)
	src.On("FetchHistory", mock.Anything, "ETHUSDT", "15m", 60).Return(series(ramp(60, 100, 1)...), nil)
	ev, err := New(defs, src)
	require.NoError(t, err)

	out, err := ev.Evaluate(context.Background(), deploymentFor("rsi", "BTCUSDT", "ETHUSDT"))
	require.NoError(t, err)
	require.Len(t, out.Signals, 2)
	assert.Equal(t, signal.Buy, out.Signals[0].Type)
	assert.Equal(t, "BTCUSDT", out.Signals[0].Symbol)
	assert.Equal(t, "141", out.Signals[0].Price.String())
	assert.Contains(t, out.Signals[0].Reason, "RSI(14)")
	assert.Equal(t, signal.Sell, out.Signals[1].Type)
	assert.Equal(t, "rsi", out.Metadata["strategy"])
	src.AssertExpectations(t)
}

func TestEvaluate_RSIHold(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i%2)
	}
	src := new(MockSource)
	src.On("FetchHistory", mock.Anything, "SOLUSDT", "15m", 60).Return(series(closes...), nil)
	ev, _ := New(defs, src)

	out, err := ev.Evaluate(context.Background(), deploymentFor("rsi", "SOLUSDT"))
	require.NoError(t, err)
	assert.Equal(t, signal.Hold, out.Signals[0].Type)
	assert.Empty(t, out.Actionable())
}

func TestEvaluate_EMACross(t *testing.T) {
	src := new(MockSource)
	src.On("FetchHistory", mock.Anything, "BTCUSDT", "15m", 60).Return(series(flatThen(60, 100, 110)...), nil)
	src.On("FetchHistory", mock.Anything, "ETHUSDT", "15m", 60).Return(series(flatThen(60, 100, 90)...), nil)
	ev, _ := New(defs, src)

	out, err := ev.Evaluate(context.Background(), deploymentFor("ema", "BTCUSDT", "ETHUSDT"))
	require.NoError(t, err)
	assert.Equal(t, signal.Buy, out.Signals[0].Type)
	assert.Equal(t, signal.Sell, out.Signals[1].Type)
}

func TestEvaluate_MACDDefaults(t *testing.T) {
	src := new(MockSource)
	src.On("FetchHistory", mock.Anything, "BTCUSDT", "1h", 80).Return(series(flatThen(80, 100, 120)...), nil)
	ev, _ := New(defs, src)

	out, err := ev.Evaluate(context.Background(), deploymentFor("macd", "BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, signal.Buy, out.Signals[0].Type)
	assert.Contains(t, out.Signals[0].Metadata, "hist")
}

func TestEvaluate_Failures(t *testing.T) {
	src := new(MockSource)
	src.On("FetchHistory", mock.Anything, "BTCUSDT", "15m", 60).Return(nil, errors.New("418 teapot"))
	src.On("FetchHistory", mock.Anything, "ETHUSDT", "15m", 60).Return(series(1, 2, 3), nil)
	ev, _ := New(defs, src)
	ctx := context.Background()

	_, err := ev.Evaluate(ctx, deploymentFor("unknown", "BTCUSDT"))
	assert.ErrorContains(t, err, "unknown strategy")

	_, err = ev.Evaluate(ctx, deploymentFor("rsi"))
	assert.Error(t, err)

	_, err = ev.Evaluate(ctx, deploymentFor("rsi", "BTCUSDT"))
	assert.ErrorContains(t, err, "418 teapot")

	_, err = ev.Evaluate(ctx, deploymentFor("rsi", "ETHUSDT"))
	assert.ErrorContains(t, err, "insufficient candles")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ev.Evaluate(cancelled, deploymentFor("rsi", "ETHUSDT"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = New(nil, src)
	assert.Error(t, err)
}
