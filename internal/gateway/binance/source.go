package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"warden/internal/market"
	symbolpkg "warden/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Source 基于 go-binance SDK 实现 market.CandleSource（USDⓈ-M 合约 REST）。
type Source struct {
	cfg    Config
	client *futures.Client
	now    func() time.Time
}

var _ market.CandleSource = (*Source)(nil)

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client, now: time.Now}, nil
}

// FetchHistory returns closed klines oldest first. The in-progress kline is dropped.
func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("binance source not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	pair := symbolpkg.Parse(symbol)
	if !pair.Valid() {
		return nil, fmt.Errorf("invalid symbol: %s", symbol)
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	dur, ok := market.ParseIntervalDuration(interval)
	if !ok {
		return nil, fmt.Errorf("invalid interval: %s", interval)
	}
	// 多取一根以抵消被丢弃的未收盘 K 线
	kls, err := s.client.NewKlinesService().Symbol(pair.Binance()).Interval(interval).Limit(min(limit+1, maxHistoryLimit)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", pair.Binance(), interval, err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	out = market.DropUnclosed(out, dur, s.now().UTC(), s.cfg.Grace)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}
