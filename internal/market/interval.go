package market

import (
	"strconv"
	"strings"
	"time"
)

const DefaultKlineGrace = 10 * time.Second

// ParseIntervalDuration parses "15m", "1h", "4h", "1d", "1w" into time.Duration.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// DropUnclosed 去掉仍在进行中的最后一根 K 线（Binance 会返回当前未收盘的那根）。
// 时间单位为毫秒。
func DropUnclosed(candles []Candle, interval time.Duration, now time.Time, grace time.Duration) []Candle {
	if len(candles) == 0 || interval <= 0 {
		return candles
	}
	if grace < 0 {
		grace = 0
	}
	last := candles[len(candles)-1]
	if last.OpenTime <= 0 {
		return candles
	}
	cutoff := last.OpenTime + interval.Milliseconds() + grace.Milliseconds()
	if now.UnixMilli() < cutoff {
		return candles[:len(candles)-1]
	}
	return candles
}
