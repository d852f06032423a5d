package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Side 表示交易方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Source 表示意图来源。
type Source string

const (
	SourceSignal Source = "signal"
	SourceManual Source = "manual"
)

// EntryType 表示入场方式，市价或挂单。
type EntryType string

const (
	EntryMarket    EntryType = "market"
	EntryBuyStop   EntryType = "buy_stop"
	EntrySellStop  EntryType = "sell_stop"
	EntryBuyLimit  EntryType = "buy_limit"
	EntrySellLimit EntryType = "sell_limit"
)

// ErrInvalidIntent 表示意图字段非法，属于不可重试的校验错误。
var ErrInvalidIntent = errors.New("intent: 交易意图非法")

// TradeIntent 描述一次尚未成为订单的交易意图，创建后不可变更。
// Fingerprint 作为幂等键，同一交易日内相同要素的意图指纹一致。
type TradeIntent struct {
	Fingerprint string
	Symbol      string
	Side        Side
	EntryType   EntryType
	Volume      float64
	EntryPrice  float64
	StopLoss    float64
	TakeProfit  float64
	StrategyID  string
	Source      Source
	CreatedAt   time.Time
}

// New 构造意图并计算指纹。resetHour 决定交易日边界（UTC 小时）。
func New(symbol string, side Side, entryType EntryType, volume, entry, stop, take float64, strategyID string, source Source, createdAt time.Time, resetHour int) (TradeIntent, error) {
	it := TradeIntent{
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Side:       side,
		EntryType:  entryType,
		Volume:     volume,
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: take,
		StrategyID: strings.TrimSpace(strategyID),
		Source:     source,
		CreatedAt:  createdAt.UTC(),
	}
	if it.EntryType == "" {
		it.EntryType = EntryMarket
	}
	if it.Source == "" {
		it.Source = SourceSignal
	}

	if err := it.Validate(); err != nil {
		return TradeIntent{}, err
	}

	it.Fingerprint = fingerprint(it, tradingDay(it.CreatedAt, resetHour))
	return it, nil
}

// Validate 校验意图字段，失败返回包裹 ErrInvalidIntent 的错误。
func (it TradeIntent) Validate() error {
	if it.Symbol == "" {
		return fmt.Errorf("%w: symbol 不能为空", ErrInvalidIntent)
	}
	if it.Side != SideBuy && it.Side != SideSell {
		return fmt.Errorf("%w: side %q 不合法", ErrInvalidIntent, it.Side)
	}
	switch it.EntryType {
	case EntryMarket, EntryBuyStop, EntrySellStop, EntryBuyLimit, EntrySellLimit:
	default:
		return fmt.Errorf("%w: entry_type %q 不合法", ErrInvalidIntent, it.EntryType)
	}
	if it.Volume <= 0 {
		return fmt.Errorf("%w: volume 必须大于0", ErrInvalidIntent)
	}
	if it.EntryPrice <= 0 {
		return fmt.Errorf("%w: entry_price 必须大于0", ErrInvalidIntent)
	}
	if it.StopLoss <= 0 || it.TakeProfit <= 0 {
		return fmt.Errorf("%w: 止损与止盈价必须大于0", ErrInvalidIntent)
	}
	switch it.Side {
	case SideBuy:
		if it.StopLoss >= it.EntryPrice || it.TakeProfit <= it.EntryPrice {
			return fmt.Errorf("%w: 买入方向要求 SL < entry < TP", ErrInvalidIntent)
		}
	case SideSell:
		if it.StopLoss <= it.EntryPrice || it.TakeProfit >= it.EntryPrice {
			return fmt.Errorf("%w: 卖出方向要求 TP < entry < SL", ErrInvalidIntent)
		}
	}
	return nil
}

// RiskReward 计算盈亏比，止损距离为零时返回0。
func (it TradeIntent) RiskReward() float64 {
	risk := math.Abs(it.EntryPrice - it.StopLoss)
	if risk == 0 {
		return 0
	}
	return math.Abs(it.TakeProfit-it.EntryPrice) / risk
}

// StopDistance 返回入场价到止损价的绝对距离。
func (it TradeIntent) StopDistance() float64 {
	return math.Abs(it.EntryPrice - it.StopLoss)
}

func fingerprint(it TradeIntent, day string) string {
	parts := []string{
		it.Symbol,
		string(it.Side),
		string(it.EntryType),
		formatPrice(it.EntryPrice),
		formatPrice(it.StopLoss),
		formatPrice(it.TakeProfit),
		it.StrategyID,
		day,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
