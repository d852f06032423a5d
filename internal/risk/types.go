package risk

import "time"

// RejectReason 为风控拒绝原因码，顺序检查且首个失败即返回。
type RejectReason string

const (
	ReasonKillSwitch    RejectReason = "kill_switch_active"
	ReasonRRBelowMin    RejectReason = "rr_below_minimum"
	ReasonRiskOutOfBand RejectReason = "risk_out_of_band"
	ReasonDailyLimit    RejectReason = "daily_limit_reached"
	ReasonExposureCap   RejectReason = "exposure_cap"
	ReasonSessionClosed RejectReason = "session_closed"
)

// State 表示评估时刻的账户风险状况，由账本与日度追踪器拼装。
type State struct {
	Equity            float64
	UsedMargin        float64
	SymbolExposure    map[string]float64 // 规范符号 -> 持仓手数
	DailyRiskConsumed float64            // 当日已消耗风险（净值占比）
	TradesToday       int
	DailyHalted       bool
	Timestamp         time.Time
}

// Decision 为风控评估结果。拒绝不产生任何副作用。
type Decision struct {
	Approved    bool
	Reason      RejectReason
	RiskPercent float64
	RiskAmount  float64
}

// DailyStatus 表示当日风控状态。
type DailyStatus struct {
	TradingDate   string
	StartEquity   float64
	CurrentEquity float64
	LossPercent   float64
	RiskConsumed  float64
	TradeCount    int
	Halted        bool
}
