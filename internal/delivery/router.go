// Package delivery routes accepted signals to their channel: ALERT
// deployments notify over Telegram, BOT deployments trade via freqtrade.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/deployment"
	"warden/internal/gateway/freqtrade"
	"warden/internal/gateway/notifier"
	"warden/internal/lifecycle"
	"warden/internal/logger"
	"warden/internal/pkg/symbol"
	"warden/internal/signal"

	"github.com/shopspring/decimal"
)

const (
	ChannelTelegram  = "telegram"
	ChannelFreqtrade = "freqtrade"
)

// Executor is the subset of the freqtrade client the router drives.
type Executor interface {
	ForceEnter(ctx context.Context, req freqtrade.EnterRequest) (int, error)
	ForceExit(ctx context.Context, tradeID int) error
	OpenTrades(ctx context.Context) ([]freqtrade.OpenTrade, error)
}

type Options struct {
	StakeCurrency   string
	DefaultStakeUSD decimal.Decimal
	Now             func() time.Time
}

// Router implements lifecycle.Deliverer.
type Router struct {
	notifier notifier.TextNotifier
	executor Executor
	opts     Options
}

// NewRouter 任一通道可为 nil，对应 kind 的投递会返回 DeliveryError。
func NewRouter(n notifier.TextNotifier, exec Executor, opts Options) *Router {
	if strings.TrimSpace(opts.StakeCurrency) == "" {
		opts.StakeCurrency = symbol.DefaultStakeCurrency
	}
	opts.StakeCurrency = strings.ToUpper(strings.TrimSpace(opts.StakeCurrency))
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{notifier: n, executor: exec, opts: opts}
}

var _ lifecycle.Deliverer = (*Router)(nil)

func (r *Router) Deliver(ctx context.Context, d *deployment.Deployment, sig signal.Signal) error {
	if d == nil {
		return &lifecycle.DeliveryError{Cause: fmt.Errorf("nil deployment")}
	}
	switch d.Kind {
	case deployment.KindAlert:
		return r.notify(ctx, d, sig)
	case deployment.KindBot:
		return r.execute(ctx, d, sig)
	default:
		return &lifecycle.DeliveryError{Cause: fmt.Errorf("unsupported deployment kind %q", d.Kind)}
	}
}

func (r *Router) notify(ctx context.Context, d *deployment.Deployment, sig signal.Signal) error {
	if r.notifier == nil {
		return &lifecycle.DeliveryError{Channel: ChannelTelegram, Cause: fmt.Errorf("telegram 未启用")}
	}
	text := AlertMessage(d, sig, r.opts.Now()).Markdown()
	if err := r.notifier.SendText(ctx, text); err != nil {
		return &lifecycle.DeliveryError{Channel: ChannelTelegram, Cause: err}
	}
	logger.With("deployment", d.ID, "trace", lifecycle.TraceIDFrom(ctx)).
		Info("alert delivered", "symbol", sig.Symbol, "type", string(sig.Type))
	return nil
}

func (r *Router) execute(ctx context.Context, d *deployment.Deployment, sig signal.Signal) error {
	log := logger.With("deployment", d.ID, "trace", lifecycle.TraceIDFrom(ctx))
	pair := symbol.Parse(sig.Symbol)
	if !pair.Valid() {
		return &lifecycle.DeliveryError{Channel: ChannelFreqtrade, Cause: fmt.Errorf("无法解析交易对 %q", sig.Symbol)}
	}
	ftPair := pair.Freqtrade(r.opts.StakeCurrency)
	stake := r.stakeFor(d)
	side := sideFor(sig.Type)
	if side == "" {
		return nil
	}

	// 模拟盘只记日志，不下单
	if d.Execution.SimulatedMode || d.Execution.Environment != deployment.EnvLive {
		log.Info("simulated order", "pair", ftPair, "side", side, "stake", stake.String(), "price", sig.Price.String())
		return nil
	}
	if r.executor == nil {
		return &lifecycle.DeliveryError{Channel: ChannelFreqtrade, Cause: fmt.Errorf("freqtrade 未启用")}
	}

	trades, err := r.executor.OpenTrades(ctx)
	if err != nil {
		return &lifecycle.DeliveryError{Channel: ChannelFreqtrade, Cause: err}
	}
	for _, tr := range trades {
		if !strings.EqualFold(tr.Pair, ftPair) {
			continue
		}
		if tr.IsShort == (side == sideShort) {
			log.Info("position already open, skip entry", "pair", ftPair, "trade_id", tr.TradeID)
			return nil
		}
		// 反向信号先平掉已有仓位
		if err := r.executor.ForceExit(ctx, tr.TradeID); err != nil {
			return &lifecycle.DeliveryError{Channel: ChannelFreqtrade, Cause: err}
		}
		log.Info("position closed on opposite signal", "pair", ftPair, "trade_id", tr.TradeID)
		return nil
	}

	id, err := r.executor.ForceEnter(ctx, freqtrade.EnterRequest{
		Pair:        ftPair,
		Side:        side,
		OrderType:   "market",
		StakeAmount: stake.InexactFloat64(),
		EntryTag:    entryTag(d),
	})
	if err != nil {
		return &lifecycle.DeliveryError{Channel: ChannelFreqtrade, Cause: err}
	}
	log.Info("order placed", "pair", ftPair, "side", side, "stake", stake.String(), "trade_id", id)
	return nil
}

func (r *Router) stakeFor(d *deployment.Deployment) decimal.Decimal {
	if d.Execution.StakeUSD.IsPositive() {
		return d.Execution.StakeUSD
	}
	return r.opts.DefaultStakeUSD
}

const (
	sideLong  = "long"
	sideShort = "short"
)

func sideFor(t signal.Type) string {
	switch t {
	case signal.Buy:
		return sideLong
	case signal.Sell:
		return sideShort
	default:
		return ""
	}
}

// freqtrade 的 entry_tag 长度有限
func entryTag(d *deployment.Deployment) string {
	tag := "warden:" + d.ID
	if len(tag) > 64 {
		tag = tag[:64]
	}
	return tag
}

// Ping 检查下游执行器是否可达；执行器不支持探活时视为健康。
func (r *Router) Ping(ctx context.Context) error {
	p, ok := r.executor.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}
