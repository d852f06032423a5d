package risk

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"exec-core/internal/broker"
	"exec-core/internal/config"
	"exec-core/internal/intent"
	"exec-core/internal/killswitch"
)

// Gate 在意图成为订单之前执行策略校验。
// 检查按固定顺序进行，首个失败即返回，保证结果可复现：
// 停机开关、盈亏比、单笔风险区间、日度限额、符号敞口、交易时段。
// Gate 只做判定，不预留资金；资金预留由 OrderRouter 负责以避免并发竞争。
type Gate struct {
	cfg          config.RiskConfig
	sw           *killswitch.Switch
	resolver     *broker.Resolver
	contractSize map[string]float64
	logger       *zap.Logger
}

// NewGate 创建风控闸门。
func NewGate(cfg config.RiskConfig, symbols []config.SymbolConfig, sw *killswitch.Switch, resolver *broker.Resolver, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}

	sizes := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		size := sym.ContractSize
		if size <= 0 {
			size = 1
		}
		sizes[strings.ToUpper(sym.Canonical)] = size
	}

	return &Gate{
		cfg:          cfg,
		sw:           sw,
		resolver:     resolver,
		contractSize: sizes,
		logger:       logger,
	}
}

// Evaluate 评估意图。拒绝无副作用；批准不等于资金预留。
func (g *Gate) Evaluate(it intent.TradeIntent, state State) Decision {
	// 1. 停机开关在任何计算之前读取。
	if g.sw != nil && g.sw.Tripped() {
		return g.reject(it, ReasonKillSwitch)
	}

	// 2. 盈亏比下限。
	if it.RiskReward() < g.cfg.MinRiskReward {
		return g.reject(it, ReasonRRBelowMin)
	}

	// 3. 单笔风险必须落在配置区间内。
	riskAmount := it.Volume * it.StopDistance() * g.contractSizeOf(it.Symbol)
	riskPercent := 0.0
	if state.Equity > 0 {
		riskPercent = riskAmount / state.Equity
	}
	if state.Equity <= 0 || riskPercent < g.cfg.MinTradeRisk || riskPercent > g.cfg.MaxTradeRisk {
		return g.reject(it, ReasonRiskOutOfBand)
	}

	// 4. 日度限额：笔数、风险预算、亏损停机。
	if state.DailyHalted ||
		state.TradesToday >= g.cfg.MaxTradesPerDay ||
		state.DailyRiskConsumed+riskPercent > g.cfg.MaxDailyRisk {
		return g.reject(it, ReasonDailyLimit)
	}

	// 5. 符号敞口上限。
	if state.SymbolExposure[it.Symbol]+it.Volume > g.cfg.MaxSymbolExposure {
		return g.reject(it, ReasonExposureCap)
	}

	// 6. 交易时段（仅当该符号配置为时段外阻断时）。
	if g.resolver != nil {
		at := state.Timestamp
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if open, blocking := g.resolver.SessionOpen(it.Symbol, at); !open && blocking {
			return g.reject(it, ReasonSessionClosed)
		}
	}

	return Decision{
		Approved:    true,
		RiskPercent: riskPercent,
		RiskAmount:  riskAmount,
	}
}

func (g *Gate) reject(it intent.TradeIntent, reason RejectReason) Decision {
	g.logger.Info("风控拒绝交易意图",
		zap.String("fingerprint", it.Fingerprint),
		zap.String("symbol", it.Symbol),
		zap.String("reason", string(reason)),
	)
	return Decision{Approved: false, Reason: reason}
}

func (g *Gate) contractSizeOf(symbol string) float64 {
	if size, ok := g.contractSize[strings.ToUpper(symbol)]; ok {
		return size
	}
	return 1
}
