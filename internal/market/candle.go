// Package market holds candle data and the source interface used by the
// indicator evaluators.
package market

import (
	"context"
)

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// CandleSource 拉取已收盘的 K 线，按时间升序返回。
type CandleSource interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
