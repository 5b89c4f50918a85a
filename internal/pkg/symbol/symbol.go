// Package symbol converts trading pairs between the internal BTCUSDT form and
// exchange specific notations.
package symbol

import (
	"strings"
)

const DefaultStakeCurrency = "USDT"

// 识别无分隔符写法时尝试的计价币，顺序即优先级
var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "FDUSD", "BTC", "ETH", "BNB"}

type Pair struct {
	Base  string
	Quote string
}

func (p Pair) Valid() bool { return p.Base != "" && p.Quote != "" }

// Binance returns "BTCUSDT".
func (p Pair) Binance() string {
	if !p.Valid() {
		return ""
	}
	return p.Base + p.Quote
}

// Slash returns "BTC/USDT".
func (p Pair) Slash() string {
	if !p.Valid() {
		return ""
	}
	return p.Base + "/" + p.Quote
}

// Freqtrade returns the futures pair "BTC/USDT:USDT" when the quote equals the
// stake currency, the spot pair otherwise.
func (p Pair) Freqtrade(stake string) string {
	if !p.Valid() {
		return ""
	}
	stake = strings.ToUpper(strings.TrimSpace(stake))
	if stake == "" {
		stake = DefaultStakeCurrency
	}
	if p.Quote == stake {
		return p.Slash() + ":" + stake
	}
	return p.Slash()
}

// Parse accepts BTCUSDT, BTC/USDT, btc-usdt and BTC/USDT:USDT.
func Parse(raw string) Pair {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return Pair{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Pair{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Pair{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Pair{}
}

// Normalize returns the internal form, or the upper-cased input when it is not
// a recognised pair (e.g. equity tickers such as AAPL).
func Normalize(raw string) string {
	if p := Parse(raw); p.Valid() {
		return p.Binance()
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}
